// Package engine is the story producer. A run has two phases: the outline
// phase streams the full story outline from the planner, generating scene
// backgrounds and character portraits as their tags appear, then splits the
// outline into storylets queued in Redis; the scene phase pops storylets and
// streams each scene's script, emitting narrative events and submitting one
// media task per event at most. The engine never waits for media to finish:
// events reference resources by key and consumers resolve them later.
//
// All story state (outline, scene prompts, character sheets, voice
// assignments, pending storylets) is persisted under the request id with a
// 24h TTL, so a crashed or restarted run resumes where it left off instead of
// replanning the story.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/storyloom/loom/cache"
	"github.com/storyloom/loom/jobs"
	"github.com/storyloom/loom/naming"
	"github.com/storyloom/loom/normalize"
	"github.com/storyloom/loom/providers/prompt"
	"github.com/storyloom/loom/providers/speech"
	"github.com/storyloom/loom/stream"
	"github.com/storyloom/loom/telemetry"
	"github.com/storyloom/loom/tracker"
	"github.com/storyloom/loom/xmlstream"
)

// DefaultVoiceDesc is the voice-search description used when a character has
// no planner-provided voice description.
const DefaultVoiceDesc = "清脆明亮的声音"

// defaultGender is assumed when neither the character sheet nor the name
// carries a gender signal.
const defaultGender = "male"

// DefaultVoiceWait bounds how long a dialogue event waits for the character's
// voice description before falling back to DefaultVoiceDesc. Descriptions are
// settled during the outline phase, so the wait only matters when a speaker
// shows up in a scene before their portrait lookup returned.
const DefaultVoiceWait = 30 * time.Second

type (
	// Role is one character supplied with the story request.
	Role struct {
		Name        string `json:"name"`
		Age         string `json:"age,omitempty"`
		Gender      string `json:"gender,omitempty"`
		Description string `json:"description,omitempty"`
	}

	// Input is one story generation request.
	Input struct {
		RequestID string
		Logline   string
		Roles     []Role
		Tags      []string
	}

	// Resources is the tracker surface the engine needs: settling direct
	// values and backing keys with media tasks.
	Resources interface {
		SetResult(key string, value any)
		SetError(key string, err error)
		Submit(ctx context.Context, key, function string, args any, queue string) (*tracker.Handle, error)
		GetOr(ctx context.Context, key string, timeout time.Duration, def any) any
	}

	// VoiceSearcher finds voices matching a description, optionally filtered
	// by gender and age period.
	VoiceSearcher interface {
		SearchVoices(ctx context.Context, desc, gender, age string) ([]speech.Voice, error)
	}

	// Store is the slice of the cache the engine persists story state
	// through. *cache.Cache satisfies it; Get and PopState report missing
	// data as cache.ErrNil.
	Store interface {
		Get(ctx context.Context, key string) (string, error)
		SetEx(ctx context.Context, key, value string, ttl time.Duration) error
		LLen(ctx context.Context, key string) (int64, error)
		PushState(ctx context.Context, key, value string) error
		PopState(ctx context.Context, key string) (string, error)
	}

	// Engine produces the narrative event stream for one request. Run drives
	// everything from a single goroutine; an Engine must not be shared.
	Engine struct {
		planner prompt.Planner
		res     Resources
		voicer  VoiceSearcher
		cache   Store
		log     telemetry.Logger
		metrics telemetry.Metrics

		input     Input
		requestID string

		narrator     bool
		voiceWait    time.Duration
		defaultVoice string

		parser *xmlstream.Parser

		// story state, persisted under cache.StoryKey(requestID, ...)
		title      string
		think      string
		script     string
		session    string
		characters map[string]*characterState
		scenes     map[string]string // "<location> - <time>" -> image prompt
		voices     map[string]string // "<desc>-<gender>-<age>" -> voice id
	}

	// Option customizes an Engine.
	Option func(*Engine)

	// characterState is what the engine knows about one character across the
	// run. Age holds the latest raw age attribute seen in the outline.
	characterState struct {
		Name    string               `json:"name"`
		Age     string               `json:"age,omitempty"`
		Gender  string               `json:"gender,omitempty"`
		Periods map[string]agePeriod `json:"periods,omitempty"`
	}

	// agePeriod is one generated look and voice of a character, keyed by the
	// canonical age period.
	agePeriod struct {
		Prompt string `json:"prompt,omitempty"`
		Voice  string `json:"voice,omitempty"`
	}

	// storylet is one unit of scene-phase work, queued in Redis between the
	// phases so a restart picks up mid-story.
	storylet struct {
		Tag        string         `json:"tag"`
		Title      string         `json:"title,omitempty"`
		Index      int            `json:"index,omitempty"`
		SceneIndex string         `json:"scene_index,omitempty"`
		Location   string         `json:"location,omitempty"`
		Time       string         `json:"time,omitempty"`
		Content    string         `json:"content,omitempty"`
		Characters []storyletChar `json:"characters,omitempty"`
	}

	storyletChar struct {
		Name string `json:"name"`
		Age  string `json:"age,omitempty"`
	}
)

// WithLogger overrides the default clue-backed logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNarrator enables narration voice-overs. The narrator voice itself is
// worker configuration; the engine only decides whether to submit the tasks.
func WithNarrator(enabled bool) Option {
	return func(e *Engine) { e.narrator = enabled }
}

// WithVoiceWait overrides how long dialogue waits for a voice description.
func WithVoiceWait(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.voiceWait = d
		}
	}
}

// WithDefaultVoice overrides the fallback voice-search description.
func WithDefaultVoice(desc string) Option {
	return func(e *Engine) {
		if desc != "" {
			e.defaultVoice = desc
		}
	}
}

// New builds an engine for one request.
func New(planner prompt.Planner, res Resources, voicer VoiceSearcher, store Store, input Input, opts ...Option) (*Engine, error) {
	if input.RequestID == "" {
		return nil, errors.New("engine: request id is required")
	}
	if input.Logline == "" {
		return nil, errors.New("engine: logline is required")
	}
	e := &Engine{
		planner:      planner,
		res:          res,
		voicer:       voicer,
		cache:        store,
		log:          telemetry.NewClueLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		input:        input,
		requestID:    input.RequestID,
		voiceWait:    DefaultVoiceWait,
		defaultVoice: DefaultVoiceDesc,
		parser:       xmlstream.New(),
		characters:   make(map[string]*characterState),
		scenes:       make(map[string]string),
		voices:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range input.Roles {
		e.characters[r.Name] = &characterState{Name: r.Name, Age: r.Age, Gender: r.Gender}
	}
	return e, nil
}

// Run produces the full event stream onto sink. It returns the first
// story-level error; per-resource failures degrade to missing URLs on the
// consumer side instead. Run does not close the sink.
func (e *Engine) Run(ctx context.Context, sink stream.Sink) error {
	start := time.Now()
	if err := e.loadState(ctx); err != nil {
		return err
	}
	if e.script == "" {
		if err := e.inferStory(ctx); err != nil {
			return err
		}
	} else {
		e.log.Info(ctx, "resuming from cached outline", "request_id", e.requestID)
	}
	if err := e.enqueueStorylets(ctx); err != nil {
		return err
	}

	ev := &stream.StoryStart{Base: stream.NewBase("story_start", stream.EventStoryStart), Title: e.title}
	if err := e.emit(ctx, sink, ev); err != nil {
		return err
	}

	queueKey := cache.StoryKey(e.requestID, "storylets")
	for {
		raw, err := e.cache.PopState(ctx, queueKey)
		if errors.Is(err, cache.ErrNil) {
			break
		}
		if err != nil {
			return fmt.Errorf("engine: pop storylet: %w", err)
		}
		var sc storylet
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			e.log.Warn(ctx, "skipping undecodable storylet", "request_id", e.requestID, "error", err)
			continue
		}
		switch sc.Tag {
		case "story":
			// The outline header; StoryStart already went out.
		case "chapter":
			ch := &stream.ChapterStart{
				Base:         stream.NewBase(fmt.Sprintf("chapter_%d", sc.Index), stream.EventChapterStart),
				ChapterIndex: sc.Index,
				Title:        sc.Title,
			}
			if err := e.emit(ctx, sink, ch); err != nil {
				return err
			}
		case "scene":
			if err := e.processScene(ctx, sink, sc); err != nil {
				return err
			}
		default:
			e.log.Warn(ctx, "unknown storylet tag", "tag", sc.Tag)
		}
	}

	e.metrics.RecordTimer(telemetry.MetricStoryDuration, time.Since(start), "request_id", e.requestID)
	return e.emit(ctx, sink, &stream.StoryEnd{Base: stream.NewBase("story_end", stream.EventStoryEnd)})
}

// inferStory is the outline phase: stream the outline, react to scene and
// character tags as they complete, then persist everything.
func (e *Engine) inferStory(ctx context.Context) error {
	req := prompt.StoryRequest{
		Logline:    e.input.Logline,
		Characters: formatRoles(e.input.Roles),
		Tags:       strings.Join(e.input.Tags, ", "),
	}
	st, err := e.planner.PlanStory(ctx, req)
	if err != nil {
		return fmt.Errorf("engine: plan story: %w", err)
	}
	defer st.Close()

	e.parser.Reset()
	var out strings.Builder
	for {
		chunk, rerr := st.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("engine: outline stream: %w", rerr)
		}
		if chunk.Kind == prompt.KindThink {
			e.think += chunk.Text
			continue
		}
		out.WriteString(chunk.Text)
		els, ferr := e.parser.Feed(chunk.Text)
		for _, el := range els {
			if err := e.outlineElement(ctx, el); err != nil {
				return err
			}
		}
		if ferr != nil {
			e.log.Error(ctx, "outline malformed", "request_id", e.requestID, "error", ferr, "buffered", e.parser.Buffered())
			return fmt.Errorf("engine: outline parse: %w", ferr)
		}
	}
	els, ferr := e.parser.CloseFeed()
	if ferr != nil {
		e.log.Error(ctx, "outline malformed", "request_id", e.requestID, "error", ferr, "buffered", e.parser.Buffered())
		return fmt.Errorf("engine: outline parse: %w", ferr)
	}
	for _, el := range els {
		if err := e.outlineElement(ctx, el); err != nil {
			return err
		}
	}

	e.think = strings.TrimSpace(e.think)
	e.script = strings.TrimSpace(out.String())
	e.session = e.planner.SessionID()
	if e.script == "" {
		return errors.New("engine: planner produced an empty outline")
	}

	// Characters the outline introduced beyond the request roles.
	if err := e.scanOutlineCharacters(ctx); err != nil {
		return err
	}

	e.persistField(ctx, "title", e.title)
	e.persistField(ctx, "think", e.think)
	e.persistField(ctx, "script", e.script)
	e.persistField(ctx, "session", e.session)
	e.persistJSON(ctx, "characters", e.characters)
	e.persistJSON(ctx, "scenes", e.scenes)
	e.log.Info(ctx, "outline complete", "request_id", e.requestID,
		"title", e.title, "characters", len(e.characters), "backgrounds", len(e.scenes))
	return nil
}

// outlineElement reacts to one outline tag while the planner is still
// generating the rest of the document.
func (e *Engine) outlineElement(ctx context.Context, el xmlstream.Element) error {
	switch {
	case el.Kind == xmlstream.Start && el.Tag == "story":
		e.title = el.Attr("title")
	case el.Kind == xmlstream.Start && el.Tag == "scene":
		return e.planBackground(ctx, el.Attr("location"), el.Attr("time"))
	case el.Kind == xmlstream.End && el.Tag == "character":
		name := el.Attr("name")
		if _, known := e.characters[name]; known {
			return e.planPortrait(ctx, name, el.Attr("age"))
		}
	}
	return nil
}

// scanOutlineCharacters generates portraits for characters the outline added
// on its own. Periods already generated during streaming are skipped.
func (e *Engine) scanOutlineCharacters(ctx context.Context) error {
	for _, m := range characterTagRe.FindAllStringSubmatch(e.script, -1) {
		name, age := m[1], m[2]
		if name == "" {
			continue
		}
		if err := e.planPortrait(ctx, name, age); err != nil {
			return err
		}
	}
	return nil
}

// planBackground generates the background image prompt for a location/time
// pair and submits the image task. The prompt is looked up once per pair;
// the task submit is idempotent on the tracker key.
func (e *Engine) planBackground(ctx context.Context, location, timeOfDay string) error {
	bgTag := location + " - " + timeOfDay
	imagePrompt, cached := e.scenes[bgTag]
	if !cached {
		profile, err := e.planner.ScenePrompt(ctx, e.storyPrompt(), bgTag)
		if err != nil {
			return fmt.Errorf("engine: scene prompt %q: %w", bgTag, err)
		}
		imagePrompt = profile.Prompt()
		e.scenes[bgTag] = imagePrompt
		e.persistJSON(ctx, "scenes", e.scenes)
	}
	bgID := naming.BackgroundID(location, timeOfDay)
	_, err := e.res.Submit(ctx, naming.BackgroundKey(bgID), jobs.FuncImageScene, jobs.SceneArgs{
		Tag:          naming.TagBackground,
		BackgroundID: bgID,
		Prompt:       imagePrompt,
	}, jobs.QueueImage)
	return err
}

// planPortrait generates the character sheet for one age period, settles the
// voice description key and submits the portrait task. Periods already
// generated are only re-settled, never re-planned.
func (e *Engine) planPortrait(ctx context.Context, name, rawAge string) error {
	age := normalize.Age(rawAge)
	ch, ok := e.characters[name]
	if !ok {
		ch = &characterState{Name: name, Age: rawAge}
		e.characters[name] = ch
	} else if rawAge != "" {
		ch.Age = rawAge
	}
	if ch.Periods == nil {
		ch.Periods = make(map[string]agePeriod)
	}

	voiceKey := naming.VoiceDescKey(e.requestID, name, age)
	if period, done := ch.Periods[age]; done {
		e.res.SetResult(voiceKey, e.orDefaultVoice(period.Voice))
		return nil
	}

	profile, err := e.planner.CharacterDetail(ctx, e.storyPrompt(), name+" - "+age)
	if err != nil {
		e.res.SetError(voiceKey, err)
		return fmt.Errorf("engine: character detail %q: %w", name, err)
	}
	voice := e.orDefaultVoice(profile.Voice)
	e.res.SetResult(voiceKey, voice)
	if ch.Gender == "" {
		ch.Gender = profile.Gender
	}
	ch.Periods[age] = agePeriod{Prompt: profile.Prompt(), Voice: voice}
	e.persistJSON(ctx, "characters", e.characters)

	tag := normalize.CharacterTagWithAge(name, age)
	_, err = e.res.Submit(ctx, naming.PortraitKey(tag), jobs.FuncImagePortrait, jobs.PortraitArgs{
		Tag:    tag,
		Prompt: profile.Prompt(),
	}, jobs.QueueImage)
	return err
}

// enqueueStorylets splits the outline into queued work units. A non-empty
// queue is left alone: it belongs to an interrupted run resuming mid-story.
func (e *Engine) enqueueStorylets(ctx context.Context) error {
	key := cache.StoryKey(e.requestID, "storylets")
	if n, err := e.cache.LLen(ctx, key); err != nil {
		return fmt.Errorf("engine: storylet queue length: %w", err)
	} else if n > 0 {
		e.log.Info(ctx, "resuming storylet queue", "request_id", e.requestID, "remaining", n)
		return nil
	}
	items, title, err := parseOutline(e.script)
	if err != nil {
		return fmt.Errorf("engine: split outline: %w", err)
	}
	if e.title == "" {
		e.title = title
		e.persistField(ctx, "title", e.title)
	}
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("engine: encode storylet: %w", err)
		}
		if err := e.cache.PushState(ctx, key, string(data)); err != nil {
			return fmt.Errorf("engine: queue storylet: %w", err)
		}
	}
	e.log.Info(ctx, "storylets queued", "request_id", e.requestID, "count", len(items))
	return nil
}

// processScene is the scene phase for one storylet: stream the scene script
// and emit events as elements complete. A malformed script skips the rest of
// the scene rather than failing the story.
func (e *Engine) processScene(ctx context.Context, sink stream.Sink, sc storylet) error {
	for _, c := range sc.Characters {
		if ch, known := e.characters[c.Name]; known {
			if c.Age != "" {
				ch.Age = c.Age
			}
		} else {
			e.characters[c.Name] = &characterState{Name: c.Name, Age: c.Age}
		}
	}

	st, err := e.planner.SceneScript(ctx, e.session, e.storyPrompt(), sc.Content)
	if err != nil {
		return fmt.Errorf("engine: scene script %s: %w", sc.SceneIndex, err)
	}
	defer st.Close()

	e.parser.Reset()
	eventIdx := 0
	handle := func(el xmlstream.Element) error {
		return e.sceneElement(ctx, sink, sc, el, &eventIdx)
	}
	skip := func(ferr error) {
		e.log.Warn(ctx, "scene script malformed, skipping remainder",
			"request_id", e.requestID, "scene", sc.SceneIndex, "error", ferr, "buffered", e.parser.Buffered())
	}

	for {
		chunk, rerr := st.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("engine: scene stream %s: %w", sc.SceneIndex, rerr)
		}
		if chunk.Kind != prompt.KindOutput {
			continue
		}
		els, ferr := e.parser.Feed(chunk.Text)
		for _, el := range els {
			if err := handle(el); err != nil {
				return err
			}
		}
		if ferr != nil {
			skip(ferr)
			return nil
		}
	}
	els, ferr := e.parser.CloseFeed()
	for _, el := range els {
		if err := handle(el); err != nil {
			return err
		}
	}
	if ferr != nil {
		skip(ferr)
	}

	if e.session == "" {
		if s := e.planner.SessionID(); s != "" {
			e.session = s
			e.persistField(ctx, "session", s)
		}
	}
	return nil
}

// sceneElement turns one completed script element into an event and at most
// one media task. eventIdx counts emitted events only, so the first dialogue
// of scene "11" gets sequence id "111".
func (e *Engine) sceneElement(ctx context.Context, sink stream.Sink, sc storylet, el xmlstream.Element, eventIdx *int) error {
	if el.Kind == xmlstream.Start {
		if el.Tag == "scene" {
			return e.sceneStart(ctx, sink, sc, el)
		}
		return nil
	}

	switch el.Tag {
	case "dialogue", "monologue":
		*eventIdx++
		return e.dialogue(ctx, sink, el, naming.SequenceID(sc.SceneIndex, *eventIdx))
	case "sound":
		*eventIdx++
		return e.soundEffect(ctx, sink, el, naming.SequenceID(sc.SceneIndex, *eventIdx))
	case "narration", "action":
		*eventIdx++
		return e.narration(ctx, sink, el, naming.SequenceID(sc.SceneIndex, *eventIdx))
	}
	return nil
}

// sceneStart emits the SceneStart event, carrying the background key and any
// music or ambient loop the script requested.
func (e *Engine) sceneStart(ctx context.Context, sink stream.Sink, sc storylet, el xmlstream.Element) error {
	if err := e.planBackground(ctx, sc.Location, sc.Time); err != nil {
		return err
	}
	bgID := naming.BackgroundID(sc.Location, sc.Time)
	ev := &stream.SceneStart{
		Base:          stream.NewBase("scene_"+sc.SceneIndex, stream.EventSceneStart),
		SceneIndex:    sc.SceneIndex,
		Title:         sc.Title,
		Location:      sc.Location,
		Time:          sc.Time,
		BgID:          bgID,
		BackgroundKey: naming.BackgroundKey(bgID),
	}
	if music := el.Attr("music"); wantsAudio(music) {
		ev.MusicKey = naming.MusicKey(sc.SceneIndex)
		ev.MusicDesc = music
		if _, err := e.res.Submit(ctx, ev.MusicKey, jobs.FuncAudioSearch, jobs.SearchArgs{
			Description: music,
			SoundType:   string(speech.SoundMusic),
			Tag:         naming.TagMusic + sc.SceneIndex,
		}, jobs.QueueAudio); err != nil {
			return err
		}
	}
	if ambient := el.Attr("ambient"); wantsAudio(ambient) {
		ev.AmbientKey = naming.AmbientKey(sc.SceneIndex)
		ev.AmbientDesc = ambient
		if _, err := e.res.Submit(ctx, ev.AmbientKey, jobs.FuncAudioSearch, jobs.SearchArgs{
			Description: ambient,
			SoundType:   string(speech.SoundAmbient),
			Tag:         naming.TagAmbient + sc.SceneIndex,
		}, jobs.QueueAudio); err != nil {
			return err
		}
	}
	return e.emit(ctx, sink, ev)
}

// dialogue emits one spoken line, resolving the speaker's voice before
// submitting the synthesis task.
func (e *Engine) dialogue(ctx context.Context, sink stream.Sink, el xmlstream.Element, seq string) error {
	name := el.Attr("character")
	text := normalize.CleanText(strings.TrimSpace(el.Text))
	gender, age := e.characterTraits(name)
	ev := &stream.Dialogue{
		Base:         stream.NewBase("dialogue_"+seq, stream.EventDialogue),
		Character:    name,
		CharacterTag: normalize.CharacterTagWithAge(name, age),
		Text:         text,
		Emotion:      normalize.Emotion(el.Attr("emotion")),
		IsMonologue:  el.Tag == "monologue",
	}
	ev.ImageKey = naming.PortraitKey(ev.CharacterTag)
	if text != "" {
		voiceID, err := e.voiceFor(ctx, name, gender, age)
		if err != nil {
			return err
		}
		effect := ""
		if ev.IsMonologue {
			effect = "monologue"
		}
		ev.VoiceKey = naming.VoiceKey(seq)
		if _, err := e.res.Submit(ctx, ev.VoiceKey, jobs.FuncAudioDialogue, jobs.DialogueArgs{
			Text:        text,
			VoiceID:     voiceID,
			Tag:         naming.TagDialogue + seq,
			Emotion:     ev.Emotion,
			VoiceEffect: effect,
		}, jobs.QueueAudio); err != nil {
			return err
		}
	}
	return e.emit(ctx, sink, ev)
}

// soundEffect emits a one-shot sound cue backed by an audio search.
func (e *Engine) soundEffect(ctx context.Context, sink stream.Sink, el xmlstream.Element, seq string) error {
	desc := normalize.CleanSoundDescription(strings.TrimSpace(el.Text))
	ev := &stream.Audio{
		Base:        stream.NewBase("sound_"+seq, stream.EventAudio),
		Channel:     stream.ChannelSound,
		AudioKey:    naming.SoundKey(seq),
		Description: desc,
	}
	if desc != "" {
		if _, err := e.res.Submit(ctx, ev.AudioKey, jobs.FuncAudioSearch, jobs.SearchArgs{
			Description: desc,
			SoundType:   string(speech.SoundAction),
			Tag:         naming.TagSound + seq,
		}, jobs.QueueAudio); err != nil {
			return err
		}
	}
	return e.emit(ctx, sink, ev)
}

// narration emits narrator text or stage action, voiced only when a narrator
// is configured.
func (e *Engine) narration(ctx context.Context, sink stream.Sink, el xmlstream.Element, seq string) error {
	text := normalize.CleanText(strings.TrimSpace(el.Text))
	ev := &stream.Narration{
		Base: stream.NewBase("narration_"+seq, stream.EventNarration),
		Text: text,
	}
	if e.narrator && text != "" {
		ev.VoiceKey = naming.NarrationKey(seq)
		if _, err := e.res.Submit(ctx, ev.VoiceKey, jobs.FuncAudioNarration, jobs.NarrationArgs{
			Text: text,
			Tag:  naming.TagNarration + seq,
		}, jobs.QueueAudio); err != nil {
			return err
		}
	}
	return e.emit(ctx, sink, ev)
}

// characterTraits resolves the gender and canonical age period of a speaker,
// preferring the character sheet over signals in the name itself.
func (e *Engine) characterTraits(name string) (gender, age string) {
	gender = normalize.InferGender(name)
	age = normalize.InferAge(name)
	if ch, known := e.characters[name]; known {
		if ch.Gender != "" {
			gender = ch.Gender
		}
		if ch.Age != "" {
			age = ch.Age
		}
	}
	if gender == "" {
		gender = defaultGender
	}
	return gender, normalize.Age(age)
}

// voiceFor picks the voice id for one speaker. Assignments are cached per
// description/gender/age triple and persisted, so a speaker keeps their voice
// across scenes and runs. New assignments avoid voices already given to other
// speakers when the search returns alternatives.
func (e *Engine) voiceFor(ctx context.Context, name, gender, age string) (string, error) {
	desc := e.defaultVoice
	if _, known := e.characters[name]; known {
		if v, ok := e.res.GetOr(ctx, naming.VoiceDescKey(e.requestID, name, age), e.voiceWait, e.defaultVoice).(string); ok && v != "" {
			desc = v
		}
	}
	cacheKey := fmt.Sprintf("%s-%s-%s", desc, gender, age)
	if id, assigned := e.voices[cacheKey]; assigned {
		return id, nil
	}

	results, err := e.voicer.SearchVoices(ctx, desc, gender, age)
	if err != nil {
		return "", fmt.Errorf("engine: voice search %q: %w", desc, err)
	}
	if len(results) == 0 && (gender != "" || age != "") {
		if results, err = e.voicer.SearchVoices(ctx, desc, "", ""); err != nil {
			return "", fmt.Errorf("engine: voice search %q: %w", desc, err)
		}
	}
	if len(results) == 0 {
		return "", fmt.Errorf("engine: no voice matches %q (%s, %s)", desc, gender, age)
	}

	assigned := make(map[string]bool, len(e.voices))
	for _, id := range e.voices {
		assigned[id] = true
	}
	chosen := results[0].VoiceID
	for _, v := range results {
		if !assigned[v.VoiceID] {
			chosen = v.VoiceID
			break
		}
	}
	e.voices[cacheKey] = chosen
	e.persistJSON(ctx, "voices", e.voices)
	e.log.Debug(ctx, "voice assigned", "character", name, "voice_id", chosen, "desc", desc)
	return chosen, nil
}

// storyPrompt builds the full story context passed to blocking detail
// lookups and scene-script sessions.
func (e *Engine) storyPrompt() string {
	var b strings.Builder
	b.WriteString("## Logline\n")
	b.WriteString(e.input.Logline)
	if roles := formatRoles(e.input.Roles); roles != "" {
		b.WriteString("\n\n## Characters\n")
		b.WriteString(roles)
	}
	if len(e.input.Tags) > 0 {
		b.WriteString("\n\n## Tags\n")
		b.WriteString(strings.Join(e.input.Tags, ", "))
	}
	if e.think != "" {
		b.WriteString("\n\n## Notes\n")
		b.WriteString(strings.TrimSpace(e.think))
	}
	if e.script != "" {
		b.WriteString("\n\n## Outline\n")
		b.WriteString(e.script)
	}
	return b.String()
}

func (e *Engine) orDefaultVoice(desc string) string {
	if strings.TrimSpace(desc) == "" {
		return e.defaultVoice
	}
	return desc
}

// emit sends one event downstream.
func (e *Engine) emit(ctx context.Context, sink stream.Sink, ev stream.Event) error {
	e.metrics.IncCounter(telemetry.MetricEventsEmitted, 1, "event_type", string(ev.Type()))
	if err := sink.Send(ctx, ev); err != nil {
		return fmt.Errorf("engine: emit %s: %w", ev.ID(), err)
	}
	return nil
}

// loadState restores persisted story state. Voice descriptions recorded by a
// previous run are settled immediately so dialogue never waits on outline
// work that already happened.
func (e *Engine) loadState(ctx context.Context) error {
	get := func(field string) (string, error) {
		v, err := e.cache.Get(ctx, cache.StoryKey(e.requestID, field))
		if errors.Is(err, cache.ErrNil) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("engine: load %s: %w", field, err)
		}
		return v, nil
	}
	var err error
	if e.title, err = get("title"); err != nil {
		return err
	}
	if e.think, err = get("think"); err != nil {
		return err
	}
	if e.script, err = get("script"); err != nil {
		return err
	}
	if e.session, err = get("session"); err != nil {
		return err
	}
	if err := e.loadJSON(ctx, "characters", &e.characters); err != nil {
		return err
	}
	if err := e.loadJSON(ctx, "scenes", &e.scenes); err != nil {
		return err
	}
	if err := e.loadJSON(ctx, "voices", &e.voices); err != nil {
		return err
	}
	for name, ch := range e.characters {
		for age, period := range ch.Periods {
			if period.Voice != "" {
				e.res.SetResult(naming.VoiceDescKey(e.requestID, name, age), period.Voice)
			}
		}
	}
	return nil
}

func (e *Engine) loadJSON(ctx context.Context, field string, out any) error {
	raw, err := e.cache.Get(ctx, cache.StoryKey(e.requestID, field))
	if errors.Is(err, cache.ErrNil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: load %s: %w", field, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("engine: decode %s: %w", field, err)
	}
	return nil
}

// persistField writes one state field. Persistence failures are logged, not
// fatal: the run continues, it just cannot resume from this point.
func (e *Engine) persistField(ctx context.Context, field, value string) {
	if value == "" {
		return
	}
	if err := e.cache.SetEx(ctx, cache.StoryKey(e.requestID, field), value, cache.StateTTL); err != nil {
		e.log.Warn(ctx, "persist story state", "field", field, "error", err)
	}
}

func (e *Engine) persistJSON(ctx context.Context, field string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.log.Warn(ctx, "encode story state", "field", field, "error", err)
		return
	}
	e.persistField(ctx, field, string(data))
}
