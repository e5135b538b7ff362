// Package jobs implements the resource task functions the engine submits:
// background and portrait image generation, dialogue and narration TTS, and
// sound-effect search. Each function decodes typed JSON args, drives its
// provider and returns a media result; registration attaches JSON Schemas so
// malformed submissions fail permanently instead of retrying.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/storyloom/loom/media"
	"github.com/storyloom/loom/providers/imagegen"
	"github.com/storyloom/loom/providers/speech"
	"github.com/storyloom/loom/tasks"
	"github.com/storyloom/loom/telemetry"
)

// Function names registered into the task registry.
const (
	FuncImageScene     = "image.scene"
	FuncImagePortrait  = "image.portrait"
	FuncAudioDialogue  = "audio.dialogue"
	FuncAudioNarration = "audio.narration"
	FuncAudioSearch    = "audio.search"
)

// Queue names the functions run on.
const (
	QueueImage = "image_generation"
	QueueAudio = "audio_processing"
)

// Workflow node identifiers carrying the prompt string.
const (
	sceneNode    = "80"
	portraitNode = "215"
)

// ImageBackend is the subset of the imagegen client the jobs need.
type ImageBackend interface {
	Create(ctx context.Context, workflowID string, overrides []imagegen.NodeOverride) (string, error)
	Status(ctx context.Context, taskID string) (imagegen.Status, error)
	Result(ctx context.Context, taskID string) ([]imagegen.Output, error)
}

// SpeechBackend is the subset of the speech client the jobs need.
type SpeechBackend interface {
	Synthesize(ctx context.Context, req speech.SpeechRequest) (speech.Synthesis, error)
	SearchAudio(ctx context.Context, query string, typ speech.SoundType, dur speech.DurationRange) (*speech.Sound, error)
	DownloadURL(ctx context.Context, audioID string) (string, error)
}

// Config carries the static wiring of the job set.
type Config struct {
	// SceneWorkflow is the image workflow for scene backgrounds.
	SceneWorkflow string
	// PortraitWorkflow is the image workflow for character portraits.
	PortraitWorkflow string
	// NarratorVoice is the voice id used by audio.narration.
	NarratorVoice string
}

// Set holds the provider handles behind the registered functions.
type Set struct {
	images ImageBackend
	audio  SpeechBackend
	cfg    Config
	log    telemetry.Logger
	poll   time.Duration
}

// SetOption configures a Set.
type SetOption func(*Set)

// WithLogger replaces the default no-op logger.
func WithLogger(l telemetry.Logger) SetOption {
	return func(s *Set) { s.log = l }
}

// WithPollInterval overrides the image status poll cadence, mainly for
// tests.
func WithPollInterval(d time.Duration) SetOption {
	return func(s *Set) {
		if d > 0 {
			s.poll = d
		}
	}
}

// NewSet builds the job set.
func NewSet(images ImageBackend, audio SpeechBackend, cfg Config, opts ...SetOption) (*Set, error) {
	if images == nil {
		return nil, fmt.Errorf("jobs: image backend is required")
	}
	if audio == nil {
		return nil, fmt.Errorf("jobs: speech backend is required")
	}
	s := &Set{
		images: images,
		audio:  audio,
		cfg:    cfg,
		log:    telemetry.NewNoopLogger(),
		poll:   2 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SceneArgs are the image.scene arguments.
type SceneArgs struct {
	Tag          string `json:"tag"`
	BackgroundID string `json:"bg_id"`
	Prompt       string `json:"prompt"`
}

// PortraitArgs are the image.portrait arguments.
type PortraitArgs struct {
	Tag    string `json:"tag"`
	Prompt string `json:"prompt"`
}

// DialogueArgs are the audio.dialogue arguments.
type DialogueArgs struct {
	Text        string `json:"text"`
	VoiceID     string `json:"voice_id"`
	Tag         string `json:"tag"`
	Emotion     string `json:"emotion,omitempty"`
	VoiceEffect string `json:"voice_effect,omitempty"`
}

// NarrationArgs are the audio.narration arguments. The narrator voice is
// fixed per deployment, so only the text and tag travel with the task.
type NarrationArgs struct {
	Text string `json:"text"`
	Tag  string `json:"tag"`
}

// SearchArgs are the audio.search arguments.
type SearchArgs struct {
	Description string `json:"description"`
	SoundType   string `json:"sound_type"`
	Tag         string `json:"tag"`
}

// Register adds every job function to the registry with its schema.
func (s *Set) Register(reg *tasks.Registry) error {
	entries := []struct {
		name   string
		fn     tasks.Func
		schema []byte
	}{
		{FuncImageScene, s.sceneImage, sceneSchema},
		{FuncImagePortrait, s.portraitImage, portraitSchema},
		{FuncAudioDialogue, s.dialogueAudio, dialogueSchema},
		{FuncAudioNarration, s.narrationAudio, narrationSchema},
		{FuncAudioSearch, s.searchAudio, searchSchema},
	}
	for _, e := range entries {
		if err := reg.RegisterWithSchema(e.name, e.fn, e.schema); err != nil {
			return fmt.Errorf("jobs: register %s: %w", e.name, err)
		}
	}
	return nil
}

func (s *Set) sceneImage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args SceneArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, tasks.Permanent(fmt.Errorf("jobs: decode scene args: %w", err))
	}
	outputs, err := s.generate(ctx, s.cfg.SceneWorkflow, sceneNode, args.Prompt)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", args.BackgroundID, err)
	}
	return media.NewImage(outputs[0].FileURL).WithMeta(map[string]any{
		"tag":   args.Tag,
		"bg_id": args.BackgroundID,
	}), nil
}

func (s *Set) portraitImage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args PortraitArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, tasks.Permanent(fmt.Errorf("jobs: decode portrait args: %w", err))
	}
	outputs, err := s.generate(ctx, s.cfg.PortraitWorkflow, portraitNode, args.Prompt)
	if err != nil {
		return nil, fmt.Errorf("portrait %s: %w", args.Tag, err)
	}
	urls := make([]string, len(outputs))
	for i, out := range outputs {
		urls[i] = out.FileURL
	}
	return media.PortraitFromURLs(urls).WithMeta(map[string]any{"tag": args.Tag}), nil
}

// generate runs one image workflow to completion: create, poll status with
// backoff, fetch outputs. The task timeout bounds the whole loop through
// ctx.
func (s *Set) generate(ctx context.Context, workflowID, nodeID, prompt string) ([]imagegen.Output, error) {
	providerID, err := s.images.Create(ctx, workflowID, imagegen.PromptOverride(nodeID, prompt))
	if err != nil {
		return nil, err
	}
	s.log.Debug(ctx, "image task created", "provider_task", providerID, "workflow", workflowID)

	delay := s.poll
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		status, err := s.images.Status(ctx, providerID)
		if err != nil {
			return nil, err
		}
		if status.Terminal() {
			if status != imagegen.StatusCompleted {
				return nil, fmt.Errorf("image task %s ended %s", providerID, status)
			}
			break
		}
		if delay < 10*time.Second {
			delay += delay / 2
		}
	}
	return s.images.Result(ctx, providerID)
}

func (s *Set) dialogueAudio(ctx context.Context, raw json.RawMessage) (any, error) {
	var args DialogueArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, tasks.Permanent(fmt.Errorf("jobs: decode dialogue args: %w", err))
	}
	return s.synthesize(ctx, speech.SpeechRequest{
		Text:        args.Text,
		VoiceID:     args.VoiceID,
		Emotion:     args.Emotion,
		VoiceEffect: args.VoiceEffect,
	}, args.Tag)
}

func (s *Set) narrationAudio(ctx context.Context, raw json.RawMessage) (any, error) {
	var args NarrationArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, tasks.Permanent(fmt.Errorf("jobs: decode narration args: %w", err))
	}
	if s.cfg.NarratorVoice == "" {
		return nil, tasks.Permanent(fmt.Errorf("jobs: narrator voice is not configured"))
	}
	return s.synthesize(ctx, speech.SpeechRequest{
		Text:    args.Text,
		VoiceID: s.cfg.NarratorVoice,
	}, args.Tag)
}

func (s *Set) synthesize(ctx context.Context, req speech.SpeechRequest, tag string) (any, error) {
	synth, err := s.audio.Synthesize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tts %s: %w", tag, err)
	}
	result := media.NewAudio(synth.AudioURL)
	result.Duration = synth.AudioLength
	result.VoiceID = req.VoiceID
	result.Emotion = req.Emotion
	result.VoiceEffect = req.VoiceEffect
	return result.WithMeta(map[string]any{
		"tag":         tag,
		"text_length": len(req.Text),
	}), nil
}

func (s *Set) searchAudio(ctx context.Context, raw json.RawMessage) (any, error) {
	var args SearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, tasks.Permanent(fmt.Errorf("jobs: decode search args: %w", err))
	}
	typ := speech.SoundType(args.SoundType)
	sound, err := s.audio.SearchAudio(ctx, args.Description, typ, speech.DurationRange{})
	if err != nil {
		return nil, fmt.Errorf("audio search %s: %w", args.Tag, err)
	}
	if sound == nil {
		// A miss is a valid outcome: the consumer drops the cue.
		s.log.Info(ctx, "no audio match", "tag", args.Tag, "description", args.Description)
		result := media.NewAudio("")
		result.SoundType = media.SoundType(args.SoundType)
		return result.WithMeta(map[string]any{
			"tag":         args.Tag,
			"description": args.Description,
			"found":       false,
		}), nil
	}
	url, err := s.audio.DownloadURL(ctx, sound.ID.String())
	if err != nil {
		return nil, fmt.Errorf("audio download url %s: %w", args.Tag, err)
	}
	if url == "" {
		return nil, fmt.Errorf("audio %s has no download url", sound.ID.String())
	}
	result := media.NewAudio(url)
	result.Duration = sound.Duration
	result.SoundType = media.SoundType(args.SoundType)
	return result.WithMeta(map[string]any{
		"tag":         args.Tag,
		"description": args.Description,
		"sound_id":    sound.ID.String(),
		"found":       true,
	}), nil
}

var (
	sceneSchema = []byte(`{
		"type": "object",
		"required": ["tag", "bg_id", "prompt"],
		"properties": {
			"tag": {"type": "string", "minLength": 1},
			"bg_id": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1}
		}
	}`)
	portraitSchema = []byte(`{
		"type": "object",
		"required": ["tag", "prompt"],
		"properties": {
			"tag": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1}
		}
	}`)
	dialogueSchema = []byte(`{
		"type": "object",
		"required": ["text", "voice_id", "tag"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"voice_id": {"type": "string", "minLength": 1},
			"tag": {"type": "string", "minLength": 1},
			"emotion": {"type": "string"},
			"voice_effect": {"type": "string"}
		}
	}`)
	narrationSchema = []byte(`{
		"type": "object",
		"required": ["text", "tag"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"tag": {"type": "string", "minLength": 1}
		}
	}`)
	searchSchema = []byte(`{
		"type": "object",
		"required": ["description", "sound_type", "tag"],
		"properties": {
			"description": {"type": "string", "minLength": 1},
			"sound_type": {"type": "string", "enum": ["music", "ambient", "action"]},
			"tag": {"type": "string", "minLength": 1}
		}
	}`)
)
