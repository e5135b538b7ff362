package engine

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/storyloom/loom/naming"
)

// characterTagRe matches the character tags of the outline document. The
// outline phase scans the finished script with it to catch characters the
// planner introduced beyond the request roles.
var characterTagRe = regexp.MustCompile(`<character name="(.*?)" age="(.*?)">`)

// audioOff holds the attribute values that mean "no music/ambient here".
var audioOff = map[string]struct{}{
	"":     {},
	"none": {},
	"null": {},
	"无":    {},
}

// wantsAudio reports whether a music or ambient attribute asks for a track.
func wantsAudio(desc string) bool {
	_, off := audioOff[strings.ToLower(strings.TrimSpace(desc))]
	return !off
}

// formatRoles renders the request roles as the character sheet passed to the
// planner. Empty fields are omitted.
func formatRoles(roles []Role) string {
	var b strings.Builder
	for i, r := range roles {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(r.Name)
		var traits []string
		if r.Gender != "" {
			traits = append(traits, r.Gender)
		}
		if r.Age != "" {
			traits = append(traits, r.Age)
		}
		if len(traits) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(traits, ", "))
		}
		if r.Description != "" {
			b.WriteString(": ")
			b.WriteString(r.Description)
		}
	}
	return b.String()
}

// parseOutline splits the finished outline document into storylets: one for
// the story header, one per chapter and one per scene. Scene storylets carry
// the scene's serialized XML so the scene phase can replay it to the planner
// verbatim, plus the characters appearing in it.
func parseOutline(script string) ([]storylet, string, error) {
	dec := xml.NewDecoder(strings.NewReader(script))
	// Outlines carry prose; lenient mode tolerates bare ampersands.
	dec.Strict = false

	var (
		items   []storylet
		title   string
		chapter int
		scene   int
		cur     *storylet
		curFrom int64
	)
	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "story":
				title = xmlAttr(t, "title")
				items = append(items, storylet{Tag: "story", Title: title})
			case "sequence", "chapter":
				chapter++
				scene = 0
				items = append(items, storylet{Tag: "chapter", Index: chapter, Title: xmlAttr(t, "title")})
			case "scene":
				if cur != nil {
					break // nested scene tags stay part of the outer scene
				}
				if chapter == 0 {
					chapter = 1
				}
				scene++
				cur = &storylet{
					Tag:        "scene",
					SceneIndex: naming.SceneIndex(chapter, scene),
					Title:      xmlAttr(t, "title"),
					Location:   xmlAttr(t, "location"),
					Time:       xmlAttr(t, "time"),
				}
				if cur.Title == "" {
					cur.Title = cur.Location
				}
				curFrom = offset
			case "character":
				if cur != nil {
					cur.Characters = append(cur.Characters, storyletChar{
						Name: xmlAttr(t, "name"),
						Age:  xmlAttr(t, "age"),
					})
				}
			}
		case xml.EndElement:
			if t.Name.Local == "scene" && cur != nil {
				cur.Content = strings.TrimSpace(script[curFrom:dec.InputOffset()])
				items = append(items, *cur)
				cur = nil
			}
		}
	}
	if len(items) == 0 {
		return nil, "", errors.New("outline contains no story elements")
	}
	return items, title, nil
}

func xmlAttr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
