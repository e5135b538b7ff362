package main

import (
	"context"
	"fmt"
	"time"

	"github.com/storyloom/loom/cache"
	"github.com/storyloom/loom/config"
	"github.com/storyloom/loom/consumer"
	"github.com/storyloom/loom/engine"
	"github.com/storyloom/loom/providers/prompt"
	"github.com/storyloom/loom/relay"
	"github.com/storyloom/loom/server"
	"github.com/storyloom/loom/store"
	"github.com/storyloom/loom/stream"
	"github.com/storyloom/loom/tasks"
	"github.com/storyloom/loom/telemetry"
	"github.com/storyloom/loom/tracker"
)

// pipeline wires one generation request end to end: tracker, engine and
// streaming consumer, with optional relay publication and run archiving.
type pipeline struct {
	cfg     *config.Config
	cache   *cache.Cache
	mgr     *tasks.Manager
	planner prompt.Planner
	voices  engine.VoiceSearcher
	relay   relay.Client
	archive *store.Archive
	log     telemetry.Logger
	metrics telemetry.Metrics
}

var _ server.Pipeline = (*pipeline)(nil)

// Generate implements server.Pipeline.
func (p *pipeline) Generate(ctx context.Context, requestID string, req server.StoryRequest) (<-chan stream.Event, error) {
	trk, err := tracker.New(ctx, p.mgr, p.cache, requestID,
		tracker.WithLogger(p.log),
		tracker.WithPollInterval(time.Duration(p.cfg.Resources.PollInterval)*time.Second))
	if err != nil {
		return nil, err
	}

	roles := make([]engine.Role, 0, len(req.Characters))
	for _, ch := range req.Characters {
		roles = append(roles, engine.Role{
			Name:        ch.Name,
			Age:         ch.Age,
			Gender:      ch.Gender,
			Description: ch.Description,
		})
	}
	eng, err := engine.New(p.planner, trk, p.voices, p.cache, engine.Input{
		RequestID: requestID,
		Logline:   req.Logline,
		Roles:     roles,
		Tags:      req.Tags,
	},
		engine.WithLogger(p.log),
		engine.WithMetrics(p.metrics),
		engine.WithNarrator(req.Narrator && p.cfg.Narrator.VoiceID != ""))
	if err != nil {
		return nil, err
	}
	trk.StartPolling(ctx)

	streaming := consumer.NewStreaming(trk,
		consumer.WithLogger(p.log),
		consumer.WithMetrics(p.metrics),
		consumer.WithResourceWait(time.Duration(p.cfg.Resources.WaitTimeout)*time.Second))
	events := streaming.Stream(ctx, eng.Run)

	var relaySink stream.Sink
	if p.relay != nil {
		relaySink, err = relay.NewSink(p.relay, requestID)
		if err != nil {
			p.log.Warn(ctx, "relay unavailable", "request_id", requestID, "error", err)
			relaySink = nil
		}
	}

	out := make(chan stream.Event)
	go func() {
		defer close(out)
		defer trk.StopPolling()
		var archived []stream.Event
		for ev := range events {
			if relaySink != nil {
				if err := relaySink.Send(ctx, ev); err != nil {
					p.log.Warn(ctx, "relay publish failed", "event_id", ev.ID(), "error", err)
				}
			}
			if p.archive != nil {
				archived = append(archived, ev)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if p.archive != nil {
			p.archiveRun(requestID, roles, archived)
		}
	}()
	return out, nil
}

// archiveRun persists the finished run. The SSE context is gone by the time
// the stream ends, so archiving gets its own deadline.
func (p *pipeline) archiveRun(requestID string, roles []engine.Role, events []stream.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run := store.Run{RequestID: requestID}
	for _, ev := range events {
		if s, ok := ev.(*stream.StoryStart); ok {
			run.Title = s.Title
			break
		}
	}
	if script, err := p.cache.Get(ctx, cache.StoryKey(requestID, "script")); err == nil {
		run.Script = script
	}
	for _, r := range roles {
		run.Characters = append(run.Characters, r.Name)
	}
	if err := p.archive.Archive(ctx, run, events); err != nil {
		p.log.Warn(ctx, "archive run failed", "request_id", requestID, "error", err)
	}
}

// newPlanner selects the prompt backend from configuration.
func newPlanner(pc config.PromptProvider) (prompt.Planner, error) {
	switch pc.Kind {
	case "chatflow", "":
		return prompt.NewChatflow(pc.BaseURL, pc.APIKey)
	case "openai":
		var opts []prompt.OpenAIOption
		if pc.BaseURL != "" {
			opts = append(opts, prompt.WithOpenAIBaseURL(pc.BaseURL))
		}
		return prompt.NewOpenAI(pc.APIKey, pc.Model, opts...)
	case "anthropic":
		return prompt.NewAnthropicFromAPIKey(pc.APIKey, pc.Model)
	default:
		return nil, fmt.Errorf("unknown prompt provider kind %q", pc.Kind)
	}
}
