// Package normalize canonicalizes the free-form labels the planner emits:
// emotions, age periods, times of day, character names and spoken text.
// Planner output mixes Chinese and English; everything downstream works on
// the canonical forms defined here.
package normalize

import (
	"crypto/md5" // #nosec G501 -- non-cryptographic, stable content addressing
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/mozillazg/go-pinyin"
)

// Canonical emotion labels (7).
const (
	EmotionHappy     = "happy"
	EmotionSad       = "sad"
	EmotionAngry     = "angry"
	EmotionFearful   = "fearful"
	EmotionDisgusted = "disgusted"
	EmotionSurprised = "surprised"
	EmotionNormal    = "normal"
)

// Canonical age periods (5).
const (
	AgeChild    = "童年"
	AgeTeenager = "少年"
	AgeYouth    = "青年"
	AgeAdult    = "成年"
	AgeElderly  = "老年"
)

// Canonical times of day (6).
const (
	TimeMorning   = "morning"
	TimeNoon      = "noon"
	TimeAfternoon = "afternoon"
	TimeEvening   = "evening"
	TimeNight     = "night"
	TimeMidnight  = "midnight"
)

var emotionMap = map[string]string{
	"happy":     EmotionHappy,
	"sad":       EmotionSad,
	"angry":     EmotionAngry,
	"fearful":   EmotionFearful,
	"disgusted": EmotionDisgusted,
	"surprised": EmotionSurprised,
	"normal":    EmotionNormal,
	"calm":      EmotionNormal,
	"neutral":   EmotionNormal,
	"高兴":        EmotionHappy,
	"悲伤":        EmotionSad,
	"愤怒":        EmotionAngry,
	"害怕":        EmotionFearful,
	"厌恶":        EmotionDisgusted,
	"惊讶":        EmotionSurprised,
	"中性":        EmotionNormal,
	"正常":        EmotionNormal,
	"镇定":        EmotionNormal,
}

var ageMap = map[string]string{
	"童年":          AgeChild,
	"少年":          AgeTeenager,
	"青年":          AgeYouth,
	"成年":          AgeAdult,
	"中年":          AgeAdult,
	"老年":          AgeElderly,
	"儿童":          AgeChild,
	"child":       AgeChild,
	"teenager":    AgeTeenager,
	"youth":       AgeYouth,
	"adult":       AgeAdult,
	"middle age":  AgeAdult,
	"middle aged": AgeAdult,
	"mid-life":    AgeAdult,
	"old":         AgeElderly,
	"elderly":     AgeElderly,
}

var timeMap = map[string]string{
	"清晨":        TimeMorning,
	"早上":        TimeMorning,
	"上午":        TimeMorning,
	"中午":        TimeNoon,
	"下午":        TimeAfternoon,
	"傍晚":        TimeEvening,
	"夜晚":        TimeNight,
	"晚上":        TimeNight,
	"午夜":        TimeMidnight,
	"凌晨":        TimeNight,
	"morning":   TimeMorning,
	"noon":      TimeNoon,
	"afternoon": TimeAfternoon,
	"evening":   TimeEvening,
	"night":     TimeNight,
	"midnight":  TimeMidnight,
}

var (
	parenRe     = regexp.MustCompile(`（.*?）`)
	nameParenRe = regexp.MustCompile(`[（(].*?[）)]`)
	timeSplitRe = regexp.MustCompile(`[/-]`)
)

// Emotion maps any emotion alias to one of the 7 canonical labels.
// Unknown or empty input normalizes to "normal".
func Emotion(emotion string) string {
	if emotion == "" {
		return EmotionNormal
	}
	if v, ok := emotionMap[strings.ToLower(strings.TrimSpace(emotion))]; ok {
		return v
	}
	return EmotionNormal
}

// Age maps any age alias to one of the 5 canonical periods. Unknown or
// empty input normalizes to 青年.
func Age(age string) string {
	if age == "" {
		return AgeYouth
	}
	if v, ok := ageMap[strings.ToLower(strings.TrimSpace(age))]; ok {
		return v
	}
	return AgeYouth
}

// TimeOfDay maps a scene time to one of the 6 canonical slots. A leading
// date part ("day 3/晚上") is discarded. Unknown input normalizes to
// morning.
func TimeOfDay(t string) string {
	if t == "" {
		return TimeMorning
	}
	parts := timeSplitRe.Split(t, -1)
	part := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
	if v, ok := timeMap[part]; ok {
		return v
	}
	return TimeMorning
}

// CleanText prepares spoken text for TTS and script embedding: fullwidth
// parenthetical stage directions are removed, double quotes stripped and
// percent signs escaped for printf-style consumers.
func CleanText(text string) string {
	text = parenRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, `"`, "")
	text = strings.ReplaceAll(text, "%", "%%")
	return text
}

// CleanSoundDescription reduces a sound description to its first clause and
// drops the trailing 的声音 suffix, leaving a search-friendly phrase.
func CleanSoundDescription(description string) string {
	fields := strings.FieldsFunc(description, func(r rune) bool {
		switch r {
		case ' ', ',', '，', '、', '；':
			return true
		}
		return false
	})
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.TrimSpace(fields[0]), "的声音")
}

// InferGender guesses a gender from a character description. Returns ""
// when the text carries no signal.
func InferGender(text string) string {
	lower := strings.ToLower(text)
	if strings.Contains(text, "女") || strings.Contains(lower, "female") {
		return "female"
	}
	if strings.Contains(text, "男") || strings.Contains(lower, "male") {
		return "male"
	}
	return ""
}

// InferAge guesses an age period from a character description. Returns ""
// when the text carries no signal.
func InferAge(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(text, "老") || strings.Contains(lower, "old"):
		return AgeElderly
	case strings.Contains(text, "青年") || strings.Contains(lower, "youth"):
		return AgeYouth
	case strings.Contains(text, "小孩") || strings.Contains(text, "小朋友") || strings.Contains(lower, "child"):
		return AgeChild
	}
	return ""
}

// CharacterTag derives a stable ASCII identifier from a character name:
// pinyin romanization of the name (parentheticals, slashes and spaces
// removed) plus the last two hex digits of the md5 of the original name.
// The hash suffix keeps homophone names distinct.
func CharacterTag(name string) string {
	sum := md5.Sum([]byte(name)) // #nosec G401 -- stable tag derivation, not security
	suffix := hex.EncodeToString(sum[:])
	suffix = suffix[len(suffix)-2:]

	cleaned := nameParenRe.ReplaceAllString(name, "")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.ReplaceAll(cleaned, "/", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")

	return strings.ToLower(romanize(cleaned)) + suffix
}

// CharacterTagWithAge appends the romanized age period to the base tag,
// yielding the per-period sprite identifier ("alisi99 qingnian"). An empty
// age returns the base tag alone.
func CharacterTagWithAge(name, age string) string {
	tag := CharacterTag(name)
	if age == "" {
		return tag
	}
	return tag + " " + strings.ToLower(romanize(age))
}

// romanize converts Han runes to pinyin and passes everything else through.
func romanize(s string) string {
	args := pinyin.NewArgs()
	args.Fallback = func(r rune, _ pinyin.Args) []string {
		return []string{string(r)}
	}
	var b strings.Builder
	for _, syllables := range pinyin.Pinyin(s, args) {
		if len(syllables) > 0 {
			b.WriteString(syllables[0])
		}
	}
	return b.String()
}
