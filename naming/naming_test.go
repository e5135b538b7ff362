package naming

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBackgroundID(t *testing.T) {
	id := BackgroundID("lab", "night")
	assert.Len(t, id, 6)
	assert.Equal(t, "bg", id[:2])
	// Stable across calls.
	assert.Equal(t, id, BackgroundID("lab", "night"))
	// Sensitive to both parts.
	assert.NotEqual(t, id, BackgroundID("lab", "day"))
	assert.NotEqual(t, id, BackgroundID("hall", "night"))
}

func TestSequenceID(t *testing.T) {
	assert.Equal(t, "11", SceneIndex(1, 1))
	assert.Equal(t, "23", SceneIndex(2, 3))
	assert.Equal(t, "111", SequenceID("11", 1))
	assert.Equal(t, "234", SequenceID("23", 4))
}

func TestResourceKeys(t *testing.T) {
	assert.Equal(t, "bg_bgab12", BackgroundKey("bgab12"))
	assert.Equal(t, "portrait_ailisi3f", PortraitKey("ailisi3f"))
	assert.Equal(t, "voice_111", VoiceKey("111"))
	assert.Equal(t, "narration_12", NarrationKey("12"))
	assert.Equal(t, "sound_23", SoundKey("23"))
	assert.Equal(t, "music_11", MusicKey("11"))
	assert.Equal(t, "ambient_11", AmbientKey("11"))
	assert.Equal(t, "voice_req1_爱丽丝_青年", VoiceDescKey("req1", "爱丽丝", "青年"))
}

func TestExtFromURL(t *testing.T) {
	assert.Equal(t, "mp3", ExtFromURL("https://cdn/a/clip.mp3?sig=1", "wav"))
	assert.Equal(t, "png", ExtFromURL("https://cdn/a/img.PNG", "jpg"))
	assert.Equal(t, "mp3", ExtFromURL("https://cdn/a/no-extension", "mp3"))
	// Implausibly long extension falls back.
	assert.Equal(t, "png", ExtFromURL("https://cdn/a/img.somelongthing", "png"))
	assert.Equal(t, "mp3", ExtFromURL("data:audio/mpeg;base64,AAAA", "ogg"))
	assert.Equal(t, "png", ExtFromURL("data:image/png;base64,AAAA", "jpg"))
}

func TestFileNames(t *testing.T) {
	url := "https://cdn/audio/one.mp3"
	name := AudioFileName(TagDialogue, url)
	assert.Equal(t, "d", name[:1])
	assert.Equal(t, name, AudioFileName(TagDialogue, url))

	assert.Equal(t, "bg bgab12.png", ImageFileName(TagBackground, "bgab12", "https://cdn/i/x.png"))
	assert.Equal(t, "ailisi3f happy.png", ImageFileName("ailisi3f", "happy", "https://cdn/i/happy_1.png"))
	assert.Equal(t, "hero.jpg", ImageFileName("hero", "", "https://cdn/i/y.jpg"))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "d1z5rk0", Stem("d1z5rk0.mp3"))
	assert.Equal(t, "bg bgab12", Stem("bg bgab12.png"))
	assert.Equal(t, "noext", Stem("noext"))
}

// Deterministic naming: equal URLs yield equal stems, distinct URLs yield
// distinct stems with overwhelming probability.
func TestShortHashProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genURL := gen.RegexMatch(`https://cdn\.example\.com/[a-z0-9]{1,24}\.(mp3|wav|png)`)

	properties.Property("pure function of the URL", prop.ForAll(
		func(url string) bool {
			return ShortHash(url) == ShortHash(url)
		},
		genURL,
	))

	properties.Property("base36 lowercase alphanumeric, non-empty, short", prop.ForAll(
		func(url string) bool {
			h := ShortHash(url)
			if len(h) == 0 || len(h) > 6 {
				return false
			}
			for _, r := range h {
				if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'z')) {
					return false
				}
			}
			return true
		},
		genURL,
	))

	properties.TestingRun(t)
}
