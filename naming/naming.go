// Package naming holds the deterministic identifier and file-name scheme
// shared by the engine (which mints resource keys) and the offline consumer
// (which writes files). Everything here is a pure function so the same
// inputs always produce the same names across runs.
package naming

import (
	"crypto/md5" // #nosec G501 -- content addressing, not security
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Audio tag prefixes by channel.
const (
	TagMusic      = "m"
	TagAmbient    = "a"
	TagSound      = "s"
	TagDialogue   = "d"
	TagNarration  = "n"
	TagBackground = "bg"
)

// BackgroundID derives the stable scene-background identifier from the
// scene's location and time: "bg" plus the first four hex digits of
// md5("<location> - <time>").
func BackgroundID(location, time string) string {
	sum := md5.Sum([]byte(location + " - " + time)) // #nosec G401
	return "bg" + hex.EncodeToString(sum[:])[:4]
}

// ShortHash condenses a URL into a short base-36 token: the first six hex
// digits of the md5, reinterpreted in base 36.
func ShortHash(url string) string {
	sum := md5.Sum([]byte(url)) // #nosec G401
	hexPrefix := hex.EncodeToString(sum[:])[:6]
	n, err := strconv.ParseInt(hexPrefix, 16, 64)
	if err != nil {
		// Six hex digits always parse; kept for completeness.
		return hexPrefix
	}
	return strconv.FormatInt(n, 36)
}

// SceneIndex concatenates the one-based chapter and scene ordinals into the
// scene identifier used in keys and events, e.g. chapter 1 scene 1 yields
// "11".
func SceneIndex(chapterIdx, sceneIdx int) string {
	return fmt.Sprintf("%d%d", chapterIdx, sceneIdx)
}

// SequenceID builds the per-request monotonic event identifier from the
// scene index and the event ordinal within that scene, e.g. scene "23"
// event 4 yields "234".
func SequenceID(sceneIndex string, eventOrdinal int) string {
	return sceneIndex + strconv.Itoa(eventOrdinal)
}

// Resource key builders. Keys are the contract between producer and
// consumer; they never contain URL material.

// BackgroundKey returns the tracker key of a scene background image.
func BackgroundKey(bgID string) string { return "bg_" + bgID }

// PortraitKey returns the tracker key of a character portrait.
func PortraitKey(characterTag string) string { return "portrait_" + characterTag }

// VoiceKey returns the tracker key of a dialogue voice clip.
func VoiceKey(sequenceID string) string { return "voice_" + sequenceID }

// NarrationKey returns the tracker key of a narration voice clip.
func NarrationKey(sequenceID string) string { return "narration_" + sequenceID }

// SoundKey returns the tracker key of a sound-effect clip.
func SoundKey(sequenceID string) string { return "sound_" + sequenceID }

// MusicKey returns the tracker key of a scene's background music.
func MusicKey(sceneIndex string) string { return "music_" + sceneIndex }

// AmbientKey returns the tracker key of a scene's ambient loop.
func AmbientKey(sceneIndex string) string { return "ambient_" + sceneIndex }

// VoiceDescKey returns the direct-mode key holding a character's voice
// description for one age period.
func VoiceDescKey(requestID, name, age string) string {
	return fmt.Sprintf("voice_%s_%s_%s", requestID, name, age)
}

// AudioFileName names a downloaded audio file: channel tag followed by the
// URL short hash. The stem is what scripts reference.
func AudioFileName(tag, url string) string {
	return tag + ShortHash(url) + "." + ExtFromURL(url, "mp3")
}

// ImageFileName names a downloaded image: the tag alone, or tag and
// attribute separated by a space (emotion for portraits, background id for
// scene backgrounds).
func ImageFileName(tag, attribute, url string) string {
	ext := ExtFromURL(url, "png")
	if attribute == "" {
		return tag + "." + ext
	}
	return tag + " " + attribute + "." + ext
}

// Stem strips the extension from a file name.
func Stem(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i > 0 {
		return filename[:i]
	}
	return filename
}

// ExtFromURL extracts a plausible file extension from a URL, falling back
// when the URL has none or an implausibly long one. data: URIs resolve via
// their MIME type.
func ExtFromURL(url, fallback string) string {
	if strings.HasPrefix(url, "data:") {
		return extFromMIME(url, fallback)
	}
	trimmed := url
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	i := strings.LastIndexByte(trimmed, '.')
	if i < 0 || i == len(trimmed)-1 {
		return fallback
	}
	ext := trimmed[i+1:]
	if len(ext) > 5 || strings.ContainsAny(ext, "/\\") {
		return fallback
	}
	return strings.ToLower(ext)
}

func extFromMIME(dataURI, fallback string) string {
	rest := strings.TrimPrefix(dataURI, "data:")
	semi := strings.IndexByte(rest, ';')
	if semi < 0 {
		return fallback
	}
	switch rest[:semi] {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	}
	return fallback
}
