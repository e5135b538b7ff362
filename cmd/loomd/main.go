// Command loomd serves story generation over HTTP: an SSE endpoint that
// streams resolved events as they are produced, task and queue
// introspection, and a liveness check. Generated events are optionally
// relayed to Pulse streams and finished runs archived in MongoDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/storyloom/loom/cache"
	"github.com/storyloom/loom/config"
	"github.com/storyloom/loom/jobs"
	"github.com/storyloom/loom/providers/imagegen"
	"github.com/storyloom/loom/providers/speech"
	"github.com/storyloom/loom/relay"
	"github.com/storyloom/loom/server"
	"github.com/storyloom/loom/store"
	"github.com/storyloom/loom/tasks"
	"github.com/storyloom/loom/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		portF   = flag.String("http-port", "8080", "HTTP listen port")
		dbgF    = flag.Bool("debug", false, "Enable debug logs and endpoints")
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

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *dbgF {
		cfg.App.Debug = true
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics()

	c, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer c.Close()

	planner, err := newPlanner(cfg.Providers.Prompt)
	if err != nil {
		log.Fatal(ctx, err)
	}
	images, err := imagegen.New(cfg.Providers.Image.BaseURL, cfg.Providers.Image.APIKey,
		imagegen.WithRateLimit(cfg.Providers.Image.RateLimit))
	if err != nil {
		log.Fatal(ctx, err)
	}
	voices, err := speech.New(cfg.Providers.Speech.BaseURL, cfg.Providers.Speech.APIKey,
		speech.WithMaxDistance(cfg.Providers.Speech.MaxDistance),
		speech.WithRateLimit(cfg.Providers.Speech.RateLimit))
	if err != nil {
		log.Fatal(ctx, err)
	}

	registry := tasks.NewRegistry()
	set, err := jobs.NewSet(images, voices, jobs.Config{
		SceneWorkflow:    cfg.Providers.Image.SceneWorkflow,
		PortraitWorkflow: cfg.Providers.Image.PortraitWorkflow,
		NarratorVoice:    cfg.Narrator.VoiceID,
	}, jobs.WithLogger(logger))
	if err != nil {
		log.Fatal(ctx, err)
	}
	if err := set.Register(registry); err != nil {
		log.Fatal(ctx, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr, err := tasks.New(ctx, c, cfg.Queues, registry, tasks.WithLogger(logger), tasks.WithMetrics(metrics))
	if err != nil {
		log.Fatal(ctx, err)
	}
	workers := make(map[string]int, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		workers[name] = qc.MaxConcurrent
	}
	mgr.StartWorkers(ctx, workers)

	pingers := []health.Pinger{namedPinger{name: "redis", ping: c.Ping}}

	var archive *store.Archive
	if cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatal(ctx, err)
		}
		defer func() { _ = mc.Disconnect(context.Background()) }()
		archive, err = store.New(store.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			log.Fatal(ctx, err)
		}
		pingers = append(pingers, archive)
	}

	var relayClient relay.Client
	if cfg.Relay.Stream != "" {
		relayClient, err = relay.New(relay.Options{
			Redis:        c.Client(),
			Prefix:       cfg.Relay.Stream,
			StreamMaxLen: cfg.Relay.MaxLen,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
	}

	p := &pipeline{
		cfg:     cfg,
		cache:   c,
		mgr:     mgr,
		planner: planner,
		voices:  voices,
		relay:   relayClient,
		archive: archive,
		log:     logger,
		metrics: metrics,
	}

	opts := []server.Option{}
	if cfg.App.Debug {
		opts = append(opts, server.WithDebug())
	}
	srv, err := server.New(p, mgr, pingers, opts...)
	if err != nil {
		log.Fatal(ctx, err)
	}

	errc := make(chan error)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-ch)
	}()

	addr := net.JoinHostPort("", *portF)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(ctx),
		ReadHeaderTimeout: 60 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- httpServer.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "failed to shutdown")
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "task manager shutdown")
	}
	log.Printf(ctx, "exited")
}

// namedPinger adapts a bare ping function to the clue health interface.
type namedPinger struct {
	name string
	ping func(context.Context) error
}

func (p namedPinger) Name() string                   { return p.name }
func (p namedPinger) Ping(ctx context.Context) error { return p.ping(ctx) }
