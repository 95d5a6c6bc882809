// Package database coordinates gominer's stores: PostgreSQL for durable
// history, Redis for the latest state and InfluxDB for time series. Each
// store is optional; a Manager with none configured accepts every record
// and drops it.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/process"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/telemetry"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const component = "database"

// Disabled turns a store off when used as its URL
const Disabled = "none"

// Cache lifetimes
const (
	StatsTTL       = 5 * time.Minute
	SessionTTL     = 10 * time.Minute
	JobTTL         = 30 * time.Minute
	ProcessTTL     = 24 * time.Hour
	CounterTTL     = 24 * time.Hour
	HashrateWindow = time.Hour
)

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Events *postgres.ProcessEventRepository
	Shares *postgres.ShareRepository
	Blocks *postgres.BlockRepository

	logger         log.Emitter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems. A nil entry leaves
// that store out.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// StoreURLs names the stores to connect to. Empty or Disabled values skip a
// store; Influx is also skipped without a token.
type StoreURLs struct {
	Postgres     string
	Redis        string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

func enabled(url string) bool {
	return url != "" && url != Disabled
}

// NewConfig parses store URLs into a Config
func NewConfig(urls StoreURLs) (*Config, error) {
	cfg := &Config{}

	if enabled(urls.Postgres) {
		pg, err := postgres.ConfigFromURL(urls.Postgres)
		if err != nil {
			return nil, err
		}
		cfg.Postgres = pg
	}

	if enabled(urls.Redis) {
		rc, err := redis.ConfigFromURL(urls.Redis)
		if err != nil {
			return nil, err
		}
		cfg.Redis = rc
	}

	if enabled(urls.InfluxURL) && urls.InfluxToken != "" {
		cfg.Influx = &influx.Config{
			URL:    urls.InfluxURL,
			Token:  urls.InfluxToken,
			Org:    urls.InfluxOrg,
			Bucket: urls.InfluxBucket,
		}
	}

	return cfg, nil
}

// NewManager connects every configured store. When a later store fails the
// earlier connections are closed.
func NewManager(ctx context.Context, cfg *Config, logger log.Emitter) (*Manager, error) {
	if logger == nil {
		logger = log.Discard
	}

	m := &Manager{
		logger: logger,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
	}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pgClient
		if err := pgClient.Migrate(ctx); err != nil {
			_ = m.closeAfterFailure()
			return nil, err
		}
		m.Events = postgres.NewProcessEventRepository(pgClient.DB())
		m.Shares = postgres.NewShareRepository(pgClient.DB())
		m.Blocks = postgres.NewBlockRepository(pgClient.DB())
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
			if closeErr := m.closeAfterFailure(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx, logger)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
			if closeErr := m.closeAfterFailure(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Influx = influxClient
	}

	logger.Emit(component, slog.LevelInfo, "stores connected",
		"postgres", m.Postgres != nil, "redis", m.Redis != nil, "influx", m.Influx != nil)

	return m, nil
}

func (m *Manager) closeAfterFailure() error {
	err := m.Close()
	m.Postgres, m.Redis, m.Influx = nil, nil, nil
	return err
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return errors.New(errors.ErrorTypeDatabase, "close", "database close errors").
			WithContext("errors", fmt.Sprintf("%v", errs))
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "PostgreSQL health check failed")
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "Redis health check failed")
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "InfluxDB health check failed")
		}
	}

	return nil
}

func (m *Manager) bestEffort(op string, err error, fields ...any) {
	if err == nil {
		return
	}
	m.logger.Emit(component, slog.LevelWarn, op+" failed", append(fields, "error", err)...)
}

// RecordProcessEvent stores a lifecycle transition. PostgreSQL is the
// record of truth; Redis and InfluxDB are updated best effort.
func (m *Manager) RecordProcessEvent(ctx context.Context, ev process.Event) error {
	if m.Events != nil {
		row := &postgres.ProcessEvent{
			Name:       ev.Name,
			PID:        ev.PID,
			State:      ev.State.String(),
			Reason:     ev.Reason,
			OccurredAt: ev.At,
		}
		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				return m.Events.Create(ctx, row)
			})
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_process_event", "failed to store process event").
				WithContext("name", ev.Name)
		}
	}

	if m.Influx != nil {
		m.Influx.WriteProcessEvent(ev)
	}

	if m.Redis != nil {
		m.bestEffort("cache process event", m.Redis.SetProcess(ctx, ev.Name, ev, ProcessTTL), "name", ev.Name)
	}

	return nil
}

// EventSink adapts RecordProcessEvent to a supervisor event sink. Failures
// are logged; the supervisor is never blocked past timeout.
func (m *Manager) EventSink(timeout time.Duration) process.EventSink {
	return func(ev process.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		m.bestEffort("record process event", m.RecordProcessEvent(ctx, ev), "name", ev.Name)
	}
}

// RecordMinerStats caches a telemetry snapshot and appends it to the time series
func (m *Manager) RecordMinerStats(ctx context.Context, minerType, worker string, stats telemetry.MiningStats, at time.Time) error {
	if m.Influx != nil {
		m.Influx.WriteMinerStats(minerType, worker, stats, at)
	}

	if m.Redis == nil {
		return nil
	}

	err := m.circuitBreaker.Execute(ctx, func() error {
		if err := m.Redis.SetMinerStats(ctx, minerType, stats, StatsTTL); err != nil {
			return err
		}
		return m.Redis.RecordHashrate(ctx, minerType, stats.Hashrate, HashrateWindow, at)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_miner_stats", "failed to cache miner stats").
			WithContext("miner_type", minerType)
	}
	return nil
}

// RecordSession caches and records a Stratum session snapshot
func (m *Manager) RecordSession(ctx context.Context, s stratum.Session, at time.Time) error {
	if m.Influx != nil {
		m.Influx.WriteSession(s, at)
	}
	if m.Redis == nil {
		return nil
	}
	if err := m.Redis.SetSession(ctx, s.WorkerName, s, SessionTTL); err != nil {
		return err
	}
	return nil
}

// RecordJob caches job as the current job
func (m *Manager) RecordJob(ctx context.Context, job *stratum.Job) error {
	if m.Redis == nil {
		return nil
	}
	return m.Redis.SetCurrentJob(ctx, job.JobID, job, JobTTL)
}

// ShareCounterKey counts share outcomes per worker and status
func ShareCounterKey(worker, status string) string {
	return "shares:" + worker + ":" + status
}

// RecordShare stores a share submission. PostgreSQL is critical; the
// counter and time series are best effort.
func (m *Manager) RecordShare(ctx context.Context, share *postgres.ShareSubmission) error {
	if m.Shares != nil {
		_, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (int64, error) {
			return retry.DoWithResult(ctx, m.retryConfig, func() (int64, error) {
				if err := m.Shares.Create(ctx, share); err != nil {
					return 0, err
				}
				return share.ID, nil
			})
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share", "failed to store share").
				WithContext("job_id", share.JobID)
		}
	}

	if m.Influx != nil {
		m.Influx.WriteShare(share.Worker, share.JobID, share.Difficulty, share.Status, share.SubmittedAt)
	}

	if m.Redis != nil {
		_, err := m.Redis.IncrementCounter(ctx, ShareCounterKey(share.Worker, share.Status), CounterTTL)
		m.bestEffort("count share", err, "worker", share.Worker)
	}

	return nil
}

// RecordBlock stores a block handed to the node
func (m *Manager) RecordBlock(ctx context.Context, block *postgres.FoundBlock) error {
	if m.Blocks == nil {
		return nil
	}
	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			return m.Blocks.Create(ctx, block)
		})
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block", "failed to store block").
			WithContext("hash", block.Hash)
	}
	return nil
}

// RecordSoloStats caches the solo miner's counters and appends its chain
// view to the time series
func (m *Manager) RecordSoloStats(ctx context.Context, s bitcoin.SoloStats, at time.Time) error {
	if m.Influx != nil {
		m.Influx.WriteSolo(s.CurrentHeight, s.Difficulty, s.NetworkHashrate, s.BlocksFound, at)
	}
	if m.Redis == nil {
		return nil
	}
	if err := m.Redis.SetSoloStats(ctx, s, StatsTTL); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_solo_stats", "failed to cache solo stats")
	}
	return nil
}

// StartPeriodicTasks flushes buffered time series until ctx is done
func (m *Manager) StartPeriodicTasks(ctx context.Context, interval time.Duration) {
	if m.Influx == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Influx.Flush()
		}
	}
}
