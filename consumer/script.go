package consumer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/storyloom/loom/naming"
	"github.com/storyloom/loom/stream"
)

// Script renders the event stream as a Ren'Py script. Events are consumed as
// they arrive; resource references stay symbolic until Render, which resolves
// them against the offline consumer's downloaded files and prunes whatever
// never materialized: dialogue and sound lines referencing missing audio are
// dropped (with their show/hide pair), missing music or ambient loops become
// stop directives.
type Script struct {
	blocks []scriptBlock
}

type blockKind int

const (
	kindRaw blockKind = iota
	kindChannel
	kindSound
	kindDialogue
	kindNarration
)

type scriptBlock struct {
	kind    blockKind
	key     string
	channel string
	lines   []string

	charTag string
	emotion string
	speaker string
	text    string
}

// NewScript returns an empty script writer.
func NewScript() *Script {
	return &Script{}
}

// Consume appends the script fragment for one event. Events must arrive in
// stream order.
func (s *Script) Consume(ev stream.Event) {
	switch e := ev.(type) {
	case *stream.StoryStart:
		s.raw(
			"init python:",
			`    renpy.music.register_channel("ambient", mixer="sfx", loop=True)`,
			"",
			"label start:",
		)
	case *stream.ChapterStart:
		s.raw("", fmt.Sprintf("label chapter_%d:", e.ChapterIndex))
	case *stream.SceneStart:
		s.raw(
			"",
			fmt.Sprintf("label scene_%s:", e.SceneIndex),
			fmt.Sprintf("    scene %s %s", naming.TagBackground, e.BgID),
			"    with fade",
		)
		s.blocks = append(s.blocks,
			scriptBlock{kind: kindChannel, channel: "music", key: e.MusicKey},
			scriptBlock{kind: kindChannel, channel: "ambient", key: e.AmbientKey},
		)
	case *stream.Dialogue:
		s.blocks = append(s.blocks, scriptBlock{
			kind:    kindDialogue,
			key:     e.VoiceKey,
			charTag: e.CharacterTag,
			emotion: e.Emotion,
			speaker: e.Character,
			text:    e.Text,
		})
	case *stream.Narration:
		if e.Text != "" {
			s.blocks = append(s.blocks, scriptBlock{kind: kindNarration, key: e.VoiceKey, text: e.Text})
		}
	case *stream.Audio:
		if e.Channel == stream.ChannelSound {
			s.blocks = append(s.blocks, scriptBlock{kind: kindSound, key: e.AudioKey})
		}
	case *stream.StoryEnd:
		s.raw("", "    return")
	}
}

func (s *Script) raw(lines ...string) {
	s.blocks = append(s.blocks, scriptBlock{kind: kindRaw, lines: lines})
}

// Render resolves resource keys to downloaded file stems and returns the
// final script text. files maps resource keys to local paths, as returned by
// Offline.WaitAll.
func (s *Script) Render(files map[string]string) string {
	stem := func(key string) (string, bool) {
		path, ok := files[key]
		if !ok || key == "" {
			return "", false
		}
		return naming.Stem(filepath.Base(path)), true
	}

	var b strings.Builder
	for _, blk := range s.blocks {
		switch blk.kind {
		case kindRaw:
			for _, line := range blk.lines {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		case kindChannel:
			if st, ok := stem(blk.key); ok {
				fmt.Fprintf(&b, "    play %s \"audio/%s\" fadein 1.0\n", blk.channel, st)
			} else {
				fmt.Fprintf(&b, "    stop %s fadeout 1.0\n", blk.channel)
			}
		case kindSound:
			if st, ok := stem(blk.key); ok {
				fmt.Fprintf(&b, "    play sound \"audio/%s\"\n", st)
			}
		case kindDialogue:
			st, ok := stem(blk.key)
			if blk.key != "" && !ok {
				// The voice clip never settled; drop the whole exchange.
				continue
			}
			fmt.Fprintf(&b, "    show %s %s\n", blk.charTag, blk.emotion)
			if ok {
				fmt.Fprintf(&b, "    voice \"audio/%s\"\n", st)
			}
			fmt.Fprintf(&b, "    \"%s\" \"%s\"\n", blk.speaker, blk.text)
			fmt.Fprintf(&b, "    hide %s\n", hideTag(blk.charTag))
		case kindNarration:
			if st, ok := stem(blk.key); ok {
				fmt.Fprintf(&b, "    voice \"audio/%s\"\n", st)
			}
			fmt.Fprintf(&b, "    \"%s\"\n", blk.text)
		}
	}
	return b.String()
}

// WriteFile renders the script and writes it to path.
func (s *Script) WriteFile(path string, files map[string]string) error {
	if err := os.WriteFile(path, []byte(s.Render(files)), 0o644); err != nil {
		return fmt.Errorf("consumer: write script: %w", err)
	}
	return nil
}

// hideTag extracts the Ren'Py image tag (first component) from a full
// character tag like "mara99 qingnian".
func hideTag(charTag string) string {
	if i := strings.IndexByte(charTag, ' '); i > 0 {
		return charTag[:i]
	}
	return charTag
}
