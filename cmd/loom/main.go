// Command loom generates one story offline: it runs the full pipeline
// against the configured providers, downloads every generated resource into
// a Ren'Py project directory and writes the game script.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/storyloom/loom/cache"
	"github.com/storyloom/loom/config"
	"github.com/storyloom/loom/consumer"
	"github.com/storyloom/loom/engine"
	"github.com/storyloom/loom/jobs"
	"github.com/storyloom/loom/providers/imagegen"
	"github.com/storyloom/loom/providers/prompt"
	"github.com/storyloom/loom/providers/speech"
	"github.com/storyloom/loom/stream"
	"github.com/storyloom/loom/tasks"
	"github.com/storyloom/loom/telemetry"
	"github.com/storyloom/loom/tracker"
)

func main() {
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration file")
		requestF = flag.String("request", "", "Request id (resumes a previous run with the same id)")
		projectF = flag.String("project", ".", "Ren'Py project directory to write into")
		loglineF = flag.String("logline", "", "Story logline")
		tagsF    = flag.String("tags", "", "Comma-separated style tags")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if *requestF == "" || *loglineF == "" {
		flag.Usage()
		log.Fatal(ctx, fmt.Errorf("both -request and -logline are required"))
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *dbgF {
		cfg.App.Debug = true
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		log.Printf(ctx, "exiting (%v)", <-c)
		cancel()
	}()

	if err := run(ctx, cfg, *requestF, *projectF, *loglineF, splitTags(*tagsF)); err != nil {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "done")
}

func run(ctx context.Context, cfg *config.Config, requestID, project, logline string, tags []string) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics()

	c, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer c.Close()

	planner, err := newPlanner(cfg.Providers.Prompt)
	if err != nil {
		return err
	}
	images, err := imagegen.New(cfg.Providers.Image.BaseURL, cfg.Providers.Image.APIKey,
		imagegen.WithRateLimit(cfg.Providers.Image.RateLimit))
	if err != nil {
		return err
	}
	voices, err := speech.New(cfg.Providers.Speech.BaseURL, cfg.Providers.Speech.APIKey,
		speech.WithMaxDistance(cfg.Providers.Speech.MaxDistance),
		speech.WithRateLimit(cfg.Providers.Speech.RateLimit))
	if err != nil {
		return err
	}

	registry := tasks.NewRegistry()
	set, err := jobs.NewSet(images, voices, jobs.Config{
		SceneWorkflow:    cfg.Providers.Image.SceneWorkflow,
		PortraitWorkflow: cfg.Providers.Image.PortraitWorkflow,
		NarratorVoice:    cfg.Narrator.VoiceID,
	}, jobs.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := set.Register(registry); err != nil {
		return err
	}

	mgr, err := tasks.New(ctx, c, cfg.Queues, registry, tasks.WithLogger(logger), tasks.WithMetrics(metrics))
	if err != nil {
		return err
	}
	workers := make(map[string]int, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		workers[name] = qc.MaxConcurrent
	}
	mgr.StartWorkers(ctx, workers)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "task manager shutdown")
		}
	}()

	trk, err := tracker.New(ctx, mgr, c, requestID,
		tracker.WithLogger(logger),
		tracker.WithPollInterval(time.Duration(cfg.Resources.PollInterval)*time.Second))
	if err != nil {
		return err
	}
	trk.StartPolling(ctx)
	defer trk.StopPolling()

	eng, err := engine.New(planner, trk, voices, c, engine.Input{
		RequestID: requestID,
		Logline:   logline,
		Tags:      tags,
	},
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithNarrator(cfg.Narrator.VoiceID != ""))
	if err != nil {
		return err
	}

	streaming := consumer.NewStreaming(trk,
		consumer.WithLogger(logger),
		consumer.WithMetrics(metrics),
		consumer.WithResourceWait(time.Duration(cfg.Resources.WaitTimeout)*time.Second))
	offline, err := consumer.NewOffline(streaming, project,
		consumer.WithDownloadConcurrency(int64(cfg.Downloads.Concurrency)))
	if err != nil {
		return err
	}

	go monitorQueues(ctx, mgr)

	script := consumer.NewScript()
	var failure *stream.Error
	for ev := range offline.Stream(ctx, eng.Run) {
		script.Consume(ev)
		if e, ok := ev.(*stream.Error); ok {
			failure = e
		}
	}
	if failure != nil {
		return fmt.Errorf("generation failed at %s: %s", failure.Stage, failure.Message)
	}

	log.Printf(ctx, "stream complete, waiting for downloads")
	files, err := offline.WaitAll(ctx)
	if err != nil {
		return err
	}
	scriptPath := filepath.Join(project, "script.rpy")
	if err := script.WriteFile(scriptPath, files); err != nil {
		return err
	}
	log.Printf(ctx, "wrote %s (%d resources)", scriptPath, len(files))
	return nil
}

// monitorQueues logs queue depth every 10s while generation runs.
func monitorQueues(ctx context.Context, mgr *tasks.Manager) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := mgr.QueueStats(ctx)
			if err != nil {
				log.Errorf(ctx, err, "queue stats")
				continue
			}
			for name, st := range stats {
				log.Printf(ctx, "queue %s: pending=%d running=%d/%d", name, st.Pending, st.Running, st.MaxConcurrent)
			}
		}
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

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}
