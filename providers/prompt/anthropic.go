package prompt

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// planner adapter. It is satisfied by *sdk.MessageService so tests can pass
// a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Anthropic is the Planner implementation backed by the Claude Messages API.
// Extended-thinking deltas map to think chunks, text deltas to output
// chunks. Like the OpenAI adapter it is stateless across calls.
type Anthropic struct {
	msg       MessagesClient
	model     string
	maxTokens int64
}

// NewAnthropic builds a Claude-backed planner from a Messages client.
func NewAnthropic(msg MessagesClient, model string) (*Anthropic, error) {
	if msg == nil {
		return nil, fmt.Errorf("anthropic: messages client is required")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}
	return &Anthropic{msg: msg, model: model, maxTokens: 8192}, nil
}

// NewAnthropicFromAPIKey constructs the planner with the default SDK client.
func NewAnthropicFromAPIKey(apiKey, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&ac.Messages, model)
}

// SessionID is always empty: the adapter is stateless.
func (c *Anthropic) SessionID() string { return "" }

// PlanStory streams the story outline.
func (c *Anthropic) PlanStory(ctx context.Context, req StoryRequest) (Stream, error) {
	user := req.Logline
	if req.Characters != "" {
		user += "\n\n## Characters\n" + req.Characters
	}
	if req.Tags != "" {
		user += "\n\n## Tags\n" + req.Tags
	}
	return c.stream(ctx, storySystemPrompt, user)
}

// SceneScript streams one scene's script; sessionID is ignored.
func (c *Anthropic) SceneScript(ctx context.Context, _, story, scene string) (Stream, error) {
	return c.stream(ctx, sceneSystemPrompt, "## Story\n"+story+"\n\n## Scene\n"+scene)
}

// ScenePrompt performs the blocking scene-detail lookup.
func (c *Anthropic) ScenePrompt(ctx context.Context, story, scene string) (SceneProfile, error) {
	var profile SceneProfile
	text, err := c.complete(ctx, sceneDetailPrompt, "## Story\n"+story+"\n\n## Scene\n"+scene)
	if err != nil {
		return profile, err
	}
	if err := ParseJSONBlock(text, &profile); err != nil {
		return profile, fmt.Errorf("anthropic scene detail: %w", err)
	}
	return profile, nil
}

// CharacterDetail performs the blocking character-detail lookup.
func (c *Anthropic) CharacterDetail(ctx context.Context, story, character string) (CharacterProfile, error) {
	var profile CharacterProfile
	text, err := c.complete(ctx, characterDetailPrompt, "## Story\n"+story+"\n\n## Character\n"+character)
	if err != nil {
		return profile, err
	}
	if err := ParseJSONBlock(text, &profile); err != nil {
		return profile, fmt.Errorf("anthropic character detail: %w", err)
	}
	return profile, nil
}

func (c *Anthropic) params(system, user string) sdk.MessageNewParams {
	return sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
}

func (c *Anthropic) stream(ctx context.Context, system, user string) (Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	stream := c.msg.NewStreaming(sctx, c.params(system, user))
	if err := stream.Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("anthropic: start stream: %w", err)
	}

	p := newPipe(cancel)
	go func() {
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			var out Chunk
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				out = Chunk{Kind: KindOutput, Text: delta.Text}
			case sdk.ThinkingDelta:
				out = Chunk{Kind: KindThink, Text: delta.Thinking}
			default:
				continue
			}
			if out.Text == "" {
				continue
			}
			if !p.emit(sctx, out) {
				p.finish(sctx.Err())
				return
			}
		}
		if err := stream.Err(); err != nil && sctx.Err() == nil {
			p.finish(fmt.Errorf("anthropic: stream: %w", err))
			return
		}
		p.finish(nil)
	}()
	return p, nil
}

func (c *Anthropic) complete(ctx context.Context, system, user string) (string, error) {
	msg, err := c.msg.New(ctx, c.params(system, user))
	if err != nil {
		return "", fmt.Errorf("anthropic: messages.new: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic: empty response")
	}
	return text, nil
}
