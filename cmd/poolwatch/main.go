// Package main implements poolwatch, which keeps a Stratum session with the
// configured pool, fans its jobs out over Kafka and relays hasher shares back.
package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/observability"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const component = "poolwatch"

const (
	maxTimeSkew    = 10 * time.Minute
	jobHistory     = 16
	sessionTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poolwatch",
		"version", cfg.Version,
		"pool", cfg.PoolURL,
		"worker", cfg.Worker(),
	)

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *log.Logger) int {
	flushSentry, _, err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, cfg.Version)
	if err != nil {
		logger.WithError(err).Warn("sentry init failed")
	}
	defer flushSentry()
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
		return 1
	}
	defer func() { _ = store.Close() }()
	go store.StartPeriodicTasks(ctx, 10*time.Second)

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, emitter)
	defer func() { _ = kafkaClient.Close() }()

	client := stratum.NewClient(stratum.ClientConfig{
		URL:         cfg.PoolURL,
		Worker:      cfg.Worker(),
		Password:    cfg.PoolPassword,
		UserAgent:   cfg.StratumAgent,
		DialTimeout: cfg.DialTimeout,
		JobBuffer:   cfg.JobBuffer,
	}, emitter)

	relay := NewRelay(cfg, emitter, client, store, kafkaClient)

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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		return kafkaClient.StartConsumer(gctx, messaging.TopicShares, cfg.KafkaGroupID+"-poolwatch", relay.HandleShare)
	})

	code := 0
	if err := g.Wait(); err != nil && !stdErrors.Is(err, context.Canceled) {
		logger.WithError(err).Error("poolwatch failed")
		observability.CaptureError(err, map[string]string{"service": component}, nil)
		code = 1
	}

	if err := client.Disconnect(); err != nil {
		logger.WithError(err).Warn("disconnect failed")
	}
	relay.recordSession(context.Background())

	logger.Info("poolwatch stopped")
	return code
}

// poolClient is the part of stratum.Client the relay drives
type poolClient interface {
	ConnectWithRetry(ctx context.Context, cfg *retry.Config) error
	Disconnect() error
	NextJob(ctx context.Context) (*stratum.Job, bool)
	SubmitShare(jobID, extraNonce2, nTime, nonce string) error
	Stats() stratum.Session
	Difficulty() float64
}

type relayStore interface {
	RecordJob(ctx context.Context, job *stratum.Job) error
	RecordShare(ctx context.Context, share *postgres.ShareSubmission) error
	RecordSession(ctx context.Context, s stratum.Session, at time.Time) error
}

// Relay connects one pool session to the hashers listening on Kafka
type Relay struct {
	cfg       *config.Config
	logger    log.Emitter
	client    poolClient
	store     relayStore
	publisher messaging.Publisher
	validator *validation.ShareValidator
	retry     *retry.Config
	now       func() time.Time

	mu    sync.RWMutex
	jobs  map[string]*stratum.Job
	order []string
}

// NewRelay creates a relay around a disconnected pool client
func NewRelay(cfg *config.Config, logger log.Emitter, client poolClient, store relayStore, publisher messaging.Publisher) *Relay {
	return &Relay{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		store:     store,
		publisher: publisher,
		validator: validation.NewShareValidator(0, maxTimeSkew),
		retry:     retry.StratumConfig(),
		now:       time.Now,
		jobs:      make(map[string]*stratum.Job),
	}
}

// Run connects to the pool and forwards jobs until ctx ends. A lost
// connection is re-established with backoff.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.client.ConnectWithRetry(ctx, r.retry); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.forwardJobs(ctx)
	})
	g.Go(func() error {
		return r.runSessionStats(ctx)
	})
	return g.Wait()
}

func (r *Relay) forwardJobs(ctx context.Context) error {
	for {
		job, ok := r.client.NextJob(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Emit(component, slog.LevelWarn, "pool connection lost", "pool", r.cfg.PoolURL)
			_ = r.client.Disconnect()
			if err := r.client.ConnectWithRetry(ctx, r.retry); err != nil {
				return err
			}
			continue
		}
		r.handleJob(ctx, job)
	}
}

// handleJob remembers job for share validation and announces it to hashers
func (r *Relay) handleJob(ctx context.Context, job *stratum.Job) {
	r.rememberJob(job)

	if err := r.store.RecordJob(ctx, job); err != nil {
		r.logger.Emit(component, slog.LevelWarn, "failed to cache job", "job_id", job.JobID, "error", err)
	}

	msg := messaging.NewJobMessage(job, messaging.SourcePool, r.client.Difficulty())
	s := r.client.Stats()
	msg.ExtraNonce1 = s.ExtraNonce1
	msg.ExtraNonce2Size = s.ExtraNonce2Size

	if err := messaging.PublishValue(ctx, r.publisher, messaging.TopicJobs, job.JobID, msg); err != nil {
		r.logger.Emit(component, slog.LevelWarn, "failed to publish job", "job_id", job.JobID, "error", err)
		return
	}

	r.logger.Emit(component, slog.LevelInfo, "job forwarded",
		"job_id", job.JobID, "clean_jobs", job.CleanJobs, "difficulty", msg.Difficulty)
}

// rememberJob keeps the most recent jobs. A clean job invalidates the rest.
func (r *Relay) rememberJob(job *stratum.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.CleanJobs {
		r.jobs = make(map[string]*stratum.Job)
		r.order = r.order[:0]
	}
	if _, ok := r.jobs[job.JobID]; !ok {
		r.order = append(r.order, job.JobID)
	}
	r.jobs[job.JobID] = job

	for len(r.order) > jobHistory {
		delete(r.jobs, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Relay) job(id string) *stratum.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[id]
}

// HandleShare validates a share consumed from Kafka, submits it to the pool
// and records the outcome. Only undecodable payloads are returned as errors.
func (r *Relay) HandleShare(ctx context.Context, key string, value []byte) error {
	share, err := messaging.DecodeJSON[validation.Share](value)
	if err != nil {
		return err
	}
	if share.ID == "" {
		share.ID = key
	}
	if share.Worker == "" {
		share.Worker = r.cfg.Worker()
	}
	if share.Difficulty == 0 {
		share.Difficulty = r.client.Difficulty()
	}
	if share.SubmittedAt.IsZero() {
		share.SubmittedAt = r.now()
	}

	status, reason := r.submit(&share)

	row := &postgres.ShareSubmission{
		Worker:      share.Worker,
		JobID:       share.JobID,
		ExtraNonce2: share.ExtraNonce2,
		NTime:       share.NTime,
		Nonce:       share.Nonce,
		Difficulty:  share.Difficulty,
		Status:      status,
		Reason:      reason,
		SubmittedAt: share.SubmittedAt,
	}
	if err := r.store.RecordShare(ctx, row); err != nil {
		r.logger.Emit(component, slog.LevelWarn, "failed to store share", "share_id", share.ID, "error", err)
	}

	result := messaging.ShareResult{
		ShareID:     share.ID,
		JobID:       share.JobID,
		Worker:      share.Worker,
		Status:      status,
		Error:       reason,
		ProcessedAt: r.now(),
	}
	if err := messaging.PublishValue(ctx, r.publisher, messaging.TopicShareResults, share.ID, result); err != nil {
		r.logger.Emit(component, slog.LevelWarn, "failed to publish share result", "share_id", share.ID, "error", err)
	}
	return nil
}

// submit returns the share status and, unless it was sent, why not
func (r *Relay) submit(share *validation.Share) (string, string) {
	job := r.job(share.JobID)
	if err := r.validator.Validate(share, job, r.client.Stats().ExtraNonce2Size); err != nil {
		r.logger.Emit(component, slog.LevelInfo, "share refused", "share_id", share.ID, "job_id", share.JobID, "error", err)
		reason := err.Error()
		if cause := stdErrors.Unwrap(err); cause != nil {
			reason = cause.Error()
		}
		return postgres.ShareInvalid, reason
	}

	if err := r.client.SubmitShare(share.JobID, share.ExtraNonce2, share.NTime, share.Nonce); err != nil {
		r.logger.Emit(component, slog.LevelWarn, "share submission failed", "share_id", share.ID, "error", err)
		return postgres.ShareRejected, err.Error()
	}

	r.logger.Emit(component, slog.LevelDebug, "share submitted",
		"share_id", share.ID,
		"job_id", share.JobID,
		"difficulty", share.Difficulty,
		"target", fmt.Sprintf("%064x", validation.TargetForDifficulty(share.Difficulty)),
	)
	return postgres.ShareAccepted, ""
}

func (r *Relay) runSessionStats(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.recordSession(ctx)
		}
	}
}

func (r *Relay) recordSession(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	s := r.client.Stats()
	if err := r.store.RecordSession(ctx, s, r.now()); err != nil {
		r.logger.Emit(component, slog.LevelWarn, "failed to store session", "error", err)
	}
	r.logger.Emit(component, slog.LevelInfo, "session stats",
		"connected", s.Connected,
		"difficulty", s.Difficulty,
		"accepted", s.AcceptedShares,
		"confirmed", s.ConfirmedShares,
		"rejected", s.RejectedShares,
		"latency", s.Latency,
	)
}
