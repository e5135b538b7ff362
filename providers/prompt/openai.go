package prompt

import (
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Default instructions for backends without a server-side planner workflow.
// The output contracts mirror the chatflow backend: outline and scene
// scripts are XML documents, detail lookups are JSON objects.
const (
	storySystemPrompt = "You are a story planner. From the logline, characters and tags, " +
		"write a complete story outline as an XML document: <story title=\"..\"> containing " +
		"<sequence title=\"..\"> chapters with <scene location=\"..\" time=\"..\"> children, and one " +
		"<character name=\"..\" age=\"..\"> element per character. Output only the XML."
	sceneSystemPrompt = "You are a screenwriter. Expand the given scene of the story into " +
		"a performable script as an XML <scene> document with <dialogue>, <monologue>, " +
		"<narration> and <sound> elements. Output only the XML."
	sceneDetailPrompt = "Describe the given scene for an image-generation model. Respond " +
		"with a JSON object with string fields setting, style, background, color, light."
	characterDetailPrompt = "Describe the given character for an image-generation model. " +
		"Respond with a JSON object with string fields setting, culture, appearance, " +
		"figure, hair, clothing, gender, voice (a short voice description)."
)

// OpenAI is the Planner implementation backed by the OpenAI Chat Completions
// API. The planner session lives client-side: every call carries its full
// context, so SessionID is always empty. Models that inline reasoning
// between <think> tags get it split into think chunks.
type OpenAI struct {
	client oai.Client
	model  string
}

// OpenAIOption configures the OpenAI planner.
type OpenAIOption func(*[]option.RequestOption)

// WithOpenAIBaseURL points the client at a compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// NewOpenAI builds an OpenAI-backed planner.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &OpenAI{client: oai.NewClient(reqOpts...), model: model}, nil
}

// SessionID is always empty: the adapter is stateless.
func (c *OpenAI) SessionID() string { return "" }

// PlanStory streams the story outline.
func (c *OpenAI) PlanStory(ctx context.Context, req StoryRequest) (Stream, error) {
	var sb strings.Builder
	sb.WriteString(req.Logline)
	if req.Characters != "" {
		sb.WriteString("\n\n## Characters\n")
		sb.WriteString(req.Characters)
	}
	if req.Tags != "" {
		sb.WriteString("\n\n## Tags\n")
		sb.WriteString(req.Tags)
	}
	return c.stream(ctx, storySystemPrompt, sb.String())
}

// SceneScript streams one scene's script. sessionID is ignored: the story
// script rides along as context instead.
func (c *OpenAI) SceneScript(ctx context.Context, _, story, scene string) (Stream, error) {
	return c.stream(ctx, sceneSystemPrompt, "## Story\n"+story+"\n\n## Scene\n"+scene)
}

// ScenePrompt performs the blocking scene-detail lookup.
func (c *OpenAI) ScenePrompt(ctx context.Context, story, scene string) (SceneProfile, error) {
	var profile SceneProfile
	text, err := c.complete(ctx, sceneDetailPrompt, "## Story\n"+story+"\n\n## Scene\n"+scene)
	if err != nil {
		return profile, err
	}
	if err := ParseJSONBlock(text, &profile); err != nil {
		return profile, fmt.Errorf("openai scene detail: %w", err)
	}
	return profile, nil
}

// CharacterDetail performs the blocking character-detail lookup.
func (c *OpenAI) CharacterDetail(ctx context.Context, story, character string) (CharacterProfile, error) {
	var profile CharacterProfile
	text, err := c.complete(ctx, characterDetailPrompt, "## Story\n"+story+"\n\n## Character\n"+character)
	if err != nil {
		return profile, err
	}
	if err := ParseJSONBlock(text, &profile); err != nil {
		return profile, fmt.Errorf("openai character detail: %w", err)
	}
	return profile, nil
}

func (c *OpenAI) params(system, user string) oai.ChatCompletionNewParams {
	return oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(user),
		},
	}
}

func (c *OpenAI) stream(ctx context.Context, system, user string) (Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	stream := c.client.Chat.Completions.NewStreaming(sctx, c.params(system, user))
	if err := stream.Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	p := newPipe(cancel)
	go func() {
		defer stream.Close()
		var splitter thinkSplitter
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			for _, out := range splitter.split(chunk.Choices[0].Delta.Content) {
				if !p.emit(sctx, out) {
					p.finish(sctx.Err())
					return
				}
			}
		}
		if err := stream.Err(); err != nil && sctx.Err() == nil {
			p.finish(fmt.Errorf("openai: stream: %w", err))
			return
		}
		p.finish(nil)
	}()
	return p, nil
}

func (c *OpenAI) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(system, user))
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
