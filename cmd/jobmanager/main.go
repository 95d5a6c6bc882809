// Package main implements jobmanager, the solo mining side of gominer.
// It builds jobs from Bitcoin Core block templates, refreshes them on new
// blocks announced over ZMQ and hands solved blocks back to the node.
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

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/observability"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/pkg/log"
)

const component = "jobmanager"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting jobmanager",
		"version", cfg.Version,
		"bitcoin_rpc", cfg.BitcoinRPCAddr(),
		"network", cfg.BitcoinNetwork,
		"payout", cfg.MinerAddress,
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

	params, err := validation.NetworkParams(cfg.BitcoinNetwork)
	if err != nil {
		logger.WithError(err).Error("invalid network")
		return 1
	}
	if err := validation.ValidateBitcoinAddress(cfg.MinerAddress, params); err != nil {
		logger.WithError(err).Error("invalid payout address")
		return 1
	}

	node, err := bitcoin.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort, cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword)
	if err != nil {
		logger.WithError(err).Error("failed to create Bitcoin RPC client")
		return 1
	}
	defer node.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = node.Ping(pingCtx)
	pingCancel()
	if err != nil {
		logger.WithError(err).Error("failed to connect to Bitcoin Core")
		return 1
	}
	logger.Info("connected to Bitcoin Core")

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

	miner := bitcoin.NewSoloMiner(node, bitcoin.NewJobBuilder(params, cfg.MinerAddress, ""), emitter)
	jm := NewJobManager(cfg, emitter, miner, store, kafkaClient)

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
		return jm.Run(gctx)
	})
	g.Go(func() error {
		return kafkaClient.StartConsumer(gctx, messaging.TopicSolutions, cfg.KafkaGroupID+"-jobmanager", jm.HandleSolution)
	})

	if cfg.BitcoinZMQAddr != "" && cfg.BitcoinZMQAddr != database.Disabled {
		notifier, err := subscribeBlocks(cfg.BitcoinZMQAddr, emitter)
		if err != nil {
			// Templates are still refreshed on the interval.
			logger.WithError(err).Warn("block notifications unavailable")
		} else {
			defer func() { _ = notifier.Close() }()
			handler := bitcoin.NewBlockNotificationHandler(emitter)
			handler.SetNewBlockHandler(jm.BlockTrigger())
			g.Go(func() error {
				return notifier.Listen(gctx, handler.HandleMessage)
			})
		}
	}

	code := 0
	if err := g.Wait(); err != nil && !stdErrors.Is(err, context.Canceled) {
		logger.WithError(err).Error("jobmanager failed")
		observability.CaptureError(err, map[string]string{"service": component}, nil)
		code = 1
	}

	stats := miner.Stats()
	logger.Info("jobmanager stopped",
		"templates", stats.TemplatesFetched,
		"solutions", stats.SolutionsChecked,
		"blocks_found", stats.BlocksFound,
	)
	return code
}

func subscribeBlocks(endpoint string, logger log.Emitter) (*bitcoin.ZMQNotifier, error) {
	notifier, err := bitcoin.NewZMQNotifier(endpoint, logger)
	if err != nil {
		return nil, err
	}
	if err := notifier.Subscribe(bitcoin.TopicHashBlock); err != nil {
		_ = notifier.Close()
		return nil, err
	}
	if err := notifier.Connect(); err != nil {
		_ = notifier.Close()
		return nil, err
	}
	return notifier, nil
}

type soloStore interface {
	RecordJob(ctx context.Context, job *stratum.Job) error
	RecordBlock(ctx context.Context, block *postgres.FoundBlock) error
	RecordSoloStats(ctx context.Context, s bitcoin.SoloStats, at time.Time) error
}

// JobManager publishes solo work and settles the solutions hashers find
type JobManager struct {
	cfg       *config.Config
	logger    log.Emitter
	miner     *bitcoin.SoloMiner
	store     soloStore
	publisher messaging.Publisher
	trigger   chan struct{}
	now       func() time.Time
}

// NewJobManager creates a job manager around miner
func NewJobManager(cfg *config.Config, logger log.Emitter, miner *bitcoin.SoloMiner, store soloStore, publisher messaging.Publisher) *JobManager {
	return &JobManager{
		cfg:       cfg,
		logger:    logger,
		miner:     miner,
		store:     store,
		publisher: publisher,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// BlockTrigger returns a new-block handler that forces a template refresh
func (jm *JobManager) BlockTrigger() func(string) error {
	return bitcoin.BlockTrigger(jm.trigger)
}

// Run refreshes work and samples network info until ctx ends
func (jm *JobManager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return jm.miner.Run(ctx, jm.cfg.TemplateInterval, jm.trigger, func(w *bitcoin.Work) {
			jm.publishWork(ctx, w)
		})
	})
	g.Go(func() error {
		return jm.runNetworkInfo(ctx)
	})
	return g.Wait()
}

func (jm *JobManager) publishWork(ctx context.Context, w *bitcoin.Work) {
	if err := jm.store.RecordJob(ctx, w.Job); err != nil {
		jm.logger.Emit(component, slog.LevelWarn, "failed to cache job", "job_id", w.Job.JobID, "error", err)
	}

	msg := messaging.NewSoloJobMessage(w)
	if err := messaging.PublishValue(ctx, jm.publisher, messaging.TopicJobs, w.Job.JobID, msg); err != nil {
		jm.logger.Emit(component, slog.LevelWarn, "failed to publish job", "job_id", w.Job.JobID, "error", err)
		return
	}

	jm.logger.Emit(component, slog.LevelInfo, "job published",
		"job_id", w.Job.JobID, "height", w.Height, "clean_jobs", w.Job.CleanJobs, "difficulty", w.Difficulty)
}

// HandleSolution checks a solution consumed from Kafka against its job and
// submits the block when it meets the network target. Only undecodable
// payloads are returned as errors.
func (jm *JobManager) HandleSolution(ctx context.Context, _ string, value []byte) error {
	msg, err := messaging.DecodeJSON[messaging.SolutionMessage](value)
	if err != nil {
		return err
	}

	result := jm.settle(ctx, msg.Solution())
	if msg.FoundAt.IsZero() {
		msg.FoundAt = jm.now()
	}

	if result.Status == messaging.StatusAccepted || result.Status == messaging.StatusFailed {
		block := &postgres.FoundBlock{
			Height:   result.Height,
			Hash:     result.BlockHash,
			JobID:    result.JobID,
			Accepted: result.Status == messaging.StatusAccepted,
			Reason:   result.Error,
			FoundAt:  msg.FoundAt,
		}
		if err := jm.store.RecordBlock(ctx, block); err != nil {
			jm.logger.Emit(component, slog.LevelWarn, "failed to store block", "hash", block.Hash, "error", err)
		}
	}

	if err := messaging.PublishValue(ctx, jm.publisher, messaging.TopicBlockResults, result.JobID, result); err != nil {
		jm.logger.Emit(component, slog.LevelWarn, "failed to publish block result", "job_id", result.JobID, "error", err)
	}
	return nil
}

// settle classifies a solution: invalid when its job is unknown or it does
// not assemble, rejected below the network target, failed when the node
// refused the block and accepted otherwise.
func (jm *JobManager) settle(ctx context.Context, s bitcoin.Solution) messaging.BlockResult {
	result := messaging.BlockResult{
		JobID:       s.JobID,
		Status:      messaging.StatusInvalid,
		SubmittedAt: jm.now(),
	}

	w, err := jm.miner.Work(s.JobID)
	if err != nil {
		result.Error = "unknown or stale job"
		return result
	}
	result.Height = w.Height

	block, err := w.Assemble(s)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.BlockHash = block.BlockHash().String()

	submitted, err := jm.miner.SubmitSolution(ctx, s)
	switch {
	case !submitted && err != nil:
		result.Error = err.Error()
	case !submitted:
		result.Status = messaging.StatusRejected
		result.Error = "above network target"
	case err != nil:
		result.Status = messaging.StatusFailed
		result.Error = err.Error()
		jm.logger.Emit(component, slog.LevelError, "node refused block", "hash", result.BlockHash, "error", err)
	default:
		result.Status = messaging.StatusAccepted
		jm.logger.Emit(component, slog.LevelInfo, "block accepted", "hash", result.BlockHash, "height", result.Height)
	}
	return result
}

func (jm *JobManager) runNetworkInfo(ctx context.Context) error {
	ticker := time.NewTicker(jm.cfg.TemplateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			jm.recordNetworkInfo(ctx)
		}
	}
}

func (jm *JobManager) recordNetworkInfo(ctx context.Context) {
	if err := jm.miner.UpdateNetworkInfo(ctx); err != nil {
		jm.logger.Emit(component, slog.LevelWarn, "network info unavailable", "error", err)
		return
	}

	stats := jm.miner.Stats()
	if err := jm.store.RecordSoloStats(ctx, stats, jm.now()); err != nil {
		jm.logger.Emit(component, slog.LevelWarn, "failed to store solo stats", "error", err)
	}
	jm.logger.Emit(component, slog.LevelInfo, "network info",
		"height", stats.CurrentHeight,
		"difficulty", stats.Difficulty,
		"network_hashrate", stats.NetworkHashrate,
		"blocks_found", stats.BlocksFound,
	)
}
