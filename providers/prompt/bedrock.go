package prompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
)

// BedrockRuntime mirrors the subset of the AWS Bedrock runtime client the
// planner adapter needs. It matches *bedrockruntime.Client so tests can pass
// a fake.
type BedrockRuntime interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Bedrock is the Planner implementation backed by the AWS Bedrock Converse
// API. Reasoning-content deltas map to think chunks, text deltas to output
// chunks. Stateless across calls like the other model adapters.
type Bedrock struct {
	runtime BedrockRuntime
	model   string
}

// NewBedrock builds a Bedrock-backed planner.
func NewBedrock(runtime BedrockRuntime, model string) (*Bedrock, error) {
	if runtime == nil {
		return nil, fmt.Errorf("bedrock: runtime client is required")
	}
	if model == "" {
		return nil, fmt.Errorf("bedrock: model is required")
	}
	return &Bedrock{runtime: runtime, model: model}, nil
}

// SessionID is always empty: the adapter is stateless.
func (c *Bedrock) SessionID() string { return "" }

// PlanStory streams the story outline.
func (c *Bedrock) PlanStory(ctx context.Context, req StoryRequest) (Stream, error) {
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
func (c *Bedrock) SceneScript(ctx context.Context, _, story, scene string) (Stream, error) {
	return c.stream(ctx, sceneSystemPrompt, "## Story\n"+story+"\n\n## Scene\n"+scene)
}

// ScenePrompt performs the blocking scene-detail lookup.
func (c *Bedrock) ScenePrompt(ctx context.Context, story, scene string) (SceneProfile, error) {
	var profile SceneProfile
	text, err := c.complete(ctx, sceneDetailPrompt, "## Story\n"+story+"\n\n## Scene\n"+scene)
	if err != nil {
		return profile, err
	}
	if err := ParseJSONBlock(text, &profile); err != nil {
		return profile, fmt.Errorf("bedrock scene detail: %w", err)
	}
	return profile, nil
}

// CharacterDetail performs the blocking character-detail lookup.
func (c *Bedrock) CharacterDetail(ctx context.Context, story, character string) (CharacterProfile, error) {
	var profile CharacterProfile
	text, err := c.complete(ctx, characterDetailPrompt, "## Story\n"+story+"\n\n## Character\n"+character)
	if err != nil {
		return profile, err
	}
	if err := ParseJSONBlock(text, &profile); err != nil {
		return profile, fmt.Errorf("bedrock character detail: %w", err)
	}
	return profile, nil
}

func (c *Bedrock) messages(system, user string) ([]brtypes.Message, []brtypes.SystemContentBlock) {
	return []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: user}},
		}}, []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: system},
		}
}

func (c *Bedrock) stream(ctx context.Context, system, user string) (Stream, error) {
	msgs, sys := c.messages(system, user)
	sctx, cancel := context.WithCancel(ctx)
	out, err := c.runtime.ConverseStream(sctx, &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(c.model),
		Messages: msgs,
		System:   sys,
	})
	if err != nil {
		cancel()
		if isThrottled(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}
	stream := out.GetStream()
	if stream == nil {
		cancel()
		return nil, fmt.Errorf("bedrock: stream output missing event stream")
	}

	p := newPipe(cancel)
	go func() {
		defer func() { _ = stream.Close() }()
		for event := range stream.Events() {
			delta, ok := event.(*brtypes.ConverseStreamOutputMemberContentBlockDelta)
			if !ok {
				continue
			}
			var out Chunk
			switch d := delta.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				out = Chunk{Kind: KindOutput, Text: d.Value}
			case *brtypes.ContentBlockDeltaMemberReasoningContent:
				text, ok := d.Value.(*brtypes.ReasoningContentBlockDeltaMemberText)
				if !ok {
					continue
				}
				out = Chunk{Kind: KindThink, Text: text.Value}
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
			p.finish(fmt.Errorf("bedrock: stream: %w", err))
			return
		}
		p.finish(nil)
	}()
	return p, nil
}

func (c *Bedrock) complete(ctx context.Context, system, user string) (string, error) {
	msgs, sys := c.messages(system, user)
	out, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.model),
		Messages: msgs,
		System:   sys,
	})
	if err != nil {
		if isThrottled(err) {
			return "", fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return "", fmt.Errorf("bedrock: converse: %w", err)
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("bedrock: unexpected converse output type %T", out.Output)
	}
	var text string
	for _, block := range msg.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += t.Value
		}
	}
	if text == "" {
		return "", fmt.Errorf("bedrock: empty response")
	}
	return text, nil
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	return false
}
