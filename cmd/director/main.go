package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/replicate/cog-director/internal/config"
	"github.com/replicate/cog-director/internal/director"
	"github.com/replicate/cog-director/internal/events"
	"github.com/replicate/cog-director/internal/health"
	"github.com/replicate/cog-director/internal/ingress"
	"github.com/replicate/cog-director/internal/logging"
	"github.com/replicate/cog-director/internal/monitor"
	"github.com/replicate/cog-director/internal/queue"
	"github.com/replicate/cog-director/internal/tracing"
	"github.com/replicate/cog-director/internal/version"
	"github.com/replicate/cog-director/internal/worker"
)

type CLI struct {
	RedisURL  string `help:"Redis broker URL" name:"redis-url" env:"REDIS_URL" required:""`
	Queue     string `help:"Queue to consume prediction messages from" env:"COG_QUEUE" required:""`
	WorkerID  string `help:"Worker identity reported to the dispatcher (defaults to the hostname)" name:"worker-id" env:"WORKER_ID"`
	ReportURL string `help:"Dispatcher base URL for worker status reports" name:"report-url" env:"REPORT_URL"`

	ConsumeTimeout  time.Duration `help:"Idle period after which the queue assignment is rechecked" name:"consume-timeout" default:"30s" env:"COG_CONSUME_TIMEOUT"`
	PredictTimeout  time.Duration `help:"Maximum runtime of a single prediction" name:"predict-timeout" default:"1800s" env:"COG_PREDICT_TIMEOUT"`
	MaxFailureCount int           `help:"Consecutive failures tolerated before the director exits" name:"max-failure-count" default:"5" env:"COG_MAX_FAILURE_COUNT"`

	ModelURL    string `help:"Base URL of the co-resident model container" name:"model-url" default:"http://localhost:5000" env:"COG_MODEL_URL"`
	IngressPort int    `help:"Local port for model webhook callbacks" name:"ingress-port" default:"4900" env:"COG_INGRESS_PORT"`
}

func (c *CLI) buildConfig() (config.Config, error) {
	workerID := c.WorkerID
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to determine worker id: %w", err)
		}
		workerID = hostname
	}

	return config.Config{
		WorkerID:        workerID,
		Queue:           c.Queue,
		RedisURL:        c.RedisURL,
		ReportURL:       c.ReportURL,
		ConsumeTimeout:  c.ConsumeTimeout,
		PredictTimeout:  c.PredictTimeout,
		MaxFailureCount: c.MaxFailureCount,
		SidecarURL:      c.ModelURL,
		IngressPort:     c.IngressPort,
		LocalWebhookURL: fmt.Sprintf("http://localhost:%d/webhook", c.IngressPort),
	}, nil
}

func (c *CLI) Run() error {
	baseLogger := logging.New("cog-director")
	log := baseLogger.Sugar()

	cfg, err := c.buildConfig()
	if err != nil {
		return err
	}

	log.Infow("starting director",
		"version", version.Version(),
		"worker_id", cfg.WorkerID,
		"queue", cfg.Queue,
		"model_url", cfg.SidecarURL,
		"pid", os.Getpid(),
	)

	// Until the director takes over signal handling, a signal means exit
	// immediately: nothing is in flight yet.
	earlySignals := make(chan os.Signal, 1)
	signal.Notify(earlySignals, syscall.SIGINT, syscall.SIGTERM)
	earlyDone := make(chan struct{})
	go func() {
		select {
		case <-earlyDone:
		case sig := <-earlySignals:
			log.Warnw("received signal during startup, exiting", "signal", sig.String())
			os.Exit(1)
		}
	}()

	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(ctx, baseLogger)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	bus := events.NewBus(config.EventBusCapacity, baseLogger)
	mon := monitor.New()

	ing := ingress.New(cfg.IngressPort, bus, mon.Handler(), baseLogger)
	ing.Start()

	checker := health.NewChecker(bus, health.HTTPFetcher(cfg.SidecarURL+"/health-check", baseLogger), baseLogger)
	checker.Start()

	w := worker.New(cfg.WorkerID, cfg.Queue, cfg.ReportURL, baseLogger)
	w.Start()

	consumer, err := queue.NewConsumer(cfg.RedisURL, cfg.WorkerID, baseLogger)
	if err != nil {
		return err
	}

	d := director.New(cfg, bus, checker, w, consumer, mon, baseLogger)
	d.RegisterShutdownHook(func() {
		checker.Stop()
		checker.Join()
	})
	d.RegisterShutdownHook(func() {
		ing.Stop()
		ing.Join()
	})
	d.RegisterShutdownHook(func() {
		w.Stop()
		w.Join()
	})
	d.RegisterShutdownHook(func() {
		if err := consumer.Close(); err != nil {
			log.Warnw("failed to close queue consumer", "error", err)
		}
	})
	d.RegisterShutdownHook(func() {
		shutdownTracing(ctx)
	})

	// The director installs its own graceful handler.
	signal.Stop(earlySignals)
	close(earlyDone)

	return d.Start(ctx)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("cog-director"),
		kong.Description("Queue worker that drives a Cog model container: consumes prediction requests, relays progress to webhooks, and reports worker state to the dispatcher"),
		kong.UsageOnError(),
	)

	err := ctx.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
