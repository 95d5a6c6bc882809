// Package main implements minerd, which runs a CPU miner under supervision
// and publishes its telemetry to Redis, InfluxDB and Kafka.
package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/observability"
	"github.com/bardlex/gominer/internal/process"
	"github.com/bardlex/gominer/internal/telemetry"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const component = "minerd"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"miner_type", cfg.MinerType,
		"pool", cfg.PoolURL,
		"threads", cfg.MinerThreads,
	)

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *log.Logger) int {
	flushSentry, sentryOn, err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, cfg.Version)
	if err != nil {
		logger.WithError(err).Warn("sentry init failed")
	}
	defer flushSentry()
	if sentryOn {
		logger.Info("error reporting enabled")
	}
	emitter := observability.Reporting(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConfig, err := database.NewConfig(cfg.Stores())
	if err != nil {
		logger.WithError(err).Error("invalid store configuration")
		return 1
	}
	store, err := database.NewManager(ctx, dbConfig, emitter)
	if err != nil {
		logger.WithError(err).Error("failed to connect stores")
		observability.CaptureError(err, map[string]string{"service": component}, nil)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close stores")
		}
	}()
	go store.StartPeriodicTasks(ctx, 10*time.Second)

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, emitter)
	defer func() { _ = kafkaClient.Close() }()

	host, _ := os.Hostname()
	daemon := NewDaemon(cfg, emitter, store, kafkaClient, host)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	code := 0
	if err := daemon.Run(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		logger.WithError(err).Error("minerd failed")
		observability.CaptureError(err, map[string]string{"service": component}, nil)
		code = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		return 1
	}

	logger.Info("minerd stopped")
	return code
}

type statsStore interface {
	RecordMinerStats(ctx context.Context, minerType, worker string, stats telemetry.MiningStats, at time.Time) error
	RecordProcessEvent(ctx context.Context, ev process.Event) error
}

type eventPublisher interface {
	messaging.Publisher
	PublishEnvelope(ctx context.Context, topic, key, kind string, v any) error
}

// Daemon owns one supervised miner and the loops that report on it
type Daemon struct {
	cfg       *config.Config
	logger    log.Emitter
	store     statsStore
	publisher eventPublisher
	host      string
	profile   miner.Profile
	now       func() time.Time

	supervisor *process.Supervisor
	collector  *telemetry.Collector
	launcher   *miner.Launcher
	events     chan process.Event
}

// NewDaemon wires a supervisor, collector and launcher for cfg's miner
func NewDaemon(cfg *config.Config, logger log.Emitter, store statsStore, publisher eventPublisher, host string) *Daemon {
	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		publisher: publisher,
		host:      host,
		profile:   cfg.MinerProfile(),
		now:       time.Now,
		events:    make(chan process.Event, 64),
	}

	d.supervisor = process.NewSupervisor(logger,
		process.WithGracePeriod(cfg.GracePeriod),
		process.WithCombinedOutput(cfg.CombineOutput),
		process.WithEventSink(d.enqueueEvent),
	)
	d.collector = telemetry.NewCollector(logger)
	d.launcher = miner.NewLauncher(d.supervisor, d.collector, logger, cfg.MinerDir)
	return d
}

// enqueueEvent runs on the supervisor's goroutines and must not block
func (d *Daemon) enqueueEvent(ev process.Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Emit(component, slog.LevelWarn, "process event dropped", "name", ev.Name, "state", ev.State.String())
	}
}

// Run starts the miner and reports on it until ctx ends or the miner's
// output closes.
func (d *Daemon) Run(ctx context.Context) error {
	pid, err := d.launcher.Start(d.profile)
	if err != nil {
		return err
	}
	d.logger.Emit(component, slog.LevelInfo, "miner running", "miner_type", d.profile.Type, "pid", pid)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.supervisor.RunReaper(ctx, d.cfg.ReapInterval, d.onReap)
	})
	g.Go(func() error {
		return d.runStats(ctx)
	})
	g.Go(func() error {
		return d.runEvents(ctx)
	})
	g.Go(func() error {
		return d.watchOutput(ctx)
	})
	return g.Wait()
}

// Shutdown stops the miner and records the final lifecycle events
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if err := d.launcher.Stop(d.profile.Type); err != nil {
		errs = append(errs, err)
	}
	if err := d.supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	d.flushEvents(ctx)
	return stdErrors.Join(errs...)
}

func (d *Daemon) onReap(records []process.Record) {
	for _, r := range records {
		if r.Name != d.profile.ProcessName() {
			continue
		}
		d.logger.Emit(component, slog.LevelError, "miner exited",
			"miner_type", d.profile.Type, "state", r.State.String(), "reason", r.Reason)
	}
}

func (d *Daemon) watchOutput(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.collector.Done(d.profile.Type):
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New(errors.ErrorTypeProcess, "watch_miner", "miner output closed").
			WithContext("miner_type", d.profile.Type)
	}
}

func (d *Daemon) runStats(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.publishStats(ctx)
		}
	}
}

// publishStats samples temperature and reports a snapshot of every
// monitored miner
func (d *Daemon) publishStats(ctx context.Context) {
	now := d.now()
	worker := d.cfg.Worker()

	for _, minerType := range d.collector.MinerTypes() {
		_, _ = d.collector.SampleTemperature(ctx, minerType)

		stats, ok := d.collector.GetStats(minerType)
		if !ok {
			continue
		}

		if err := d.store.RecordMinerStats(ctx, minerType, worker, stats, now); err != nil {
			d.logger.Emit(component, slog.LevelWarn, "failed to store stats", "miner_type", minerType, "error", err)
		}

		msg := messaging.MinerStatsMessage{
			MinerType: minerType,
			Worker:    worker,
			Host:      d.host,
			Stats:     stats,
			At:        now,
		}
		key := d.host + "/" + minerType
		if err := d.publisher.PublishEnvelope(ctx, messaging.TopicMinerStats, key, messaging.KindMinerStats, msg); err != nil {
			d.logger.Emit(component, slog.LevelWarn, "failed to publish stats", "miner_type", minerType, "error", err)
		}

		d.logger.Emit(component, slog.LevelInfo, "miner stats",
			"miner_type", minerType,
			"hashrate", stats.Hashrate,
			"accepted", stats.AcceptedShares,
			"rejected", stats.RejectedShares,
			"errors", stats.ErrorCount,
			"temperature", stats.Temperature,
		)
	}
}

func (d *Daemon) runEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.events:
			d.handleEvent(ctx, ev)
		}
	}
}

// flushEvents handles the events queued when the loops stopped
func (d *Daemon) flushEvents(ctx context.Context) {
	for {
		select {
		case ev := <-d.events:
			d.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (d *Daemon) handleEvent(ctx context.Context, ev process.Event) {
	if err := d.store.RecordProcessEvent(ctx, ev); err != nil {
		d.logger.Emit(component, slog.LevelWarn, "failed to store process event", "name", ev.Name, "error", err)
	}
	msg := messaging.NewProcessEventMessage(ev, d.host)
	if err := messaging.PublishValue(ctx, d.publisher, messaging.TopicProcessEvents, ev.Name, msg); err != nil {
		d.logger.Emit(component, slog.LevelWarn, "failed to publish process event", "name", ev.Name, "error", err)
	}
}
