// Package redis caches the latest miner state for gominer: telemetry
// snapshots per miner type, the Stratum session, the current job and a
// short hashrate history.
package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gominer/pkg/errors"
)

// Client wraps Redis operations for miner state
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ConfigFromURL parses a redis:// URL into a Config
func ConfigFromURL(rawURL string) (*Config, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "redis_config", "invalid Redis URL")
	}
	return &Config{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, nil
}

// NewClient creates a new Redis client and pings it
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connect", "failed to ping Redis").
			WithContext("addr", cfg.Addr)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Keys

// StatsKey holds the latest telemetry snapshot of a miner type
func StatsKey(minerType string) string { return "stats:" + minerType }

// SessionKey holds the Stratum session of a worker
func SessionKey(worker string) string { return "stratum:session:" + worker }

// JobKey holds one job by id
func JobKey(jobID string) string { return "job:" + jobID }

// HashrateKey holds the hashrate history of a miner type
func HashrateKey(minerType string) string { return "hashrate:" + minerType }

// ProcessKey holds the last lifecycle record of a supervised process
func ProcessKey(name string) string { return "process:" + name }

// CurrentJobKey holds the most recent job
const CurrentJobKey = "job:current"

// SoloStatsKey holds the solo job manager's latest counters
const SoloStatsKey = "solo:stats"

func (c *Client) setJSON(ctx context.Context, op, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, op, "failed to marshal value").WithContext("key", key)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, op, "failed to write key").WithContext("key", key)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, key string, dest any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return errors.NotFound(op, key)
		}
		return errors.Wrap(err, errors.ErrorTypeDatabase, op, "failed to read key").WithContext("key", key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, op, "failed to unmarshal value").WithContext("key", key)
	}
	return nil
}

// Miner state

// SetMinerStats stores the latest stats snapshot for minerType
func (c *Client) SetMinerStats(ctx context.Context, minerType string, stats any, ttl time.Duration) error {
	return c.setJSON(ctx, "set_miner_stats", StatsKey(minerType), stats, ttl)
}

// GetMinerStats loads the latest stats snapshot for minerType
func (c *Client) GetMinerStats(ctx context.Context, minerType string, dest any) error {
	return c.getJSON(ctx, "get_miner_stats", StatsKey(minerType), dest)
}

// SetProcess stores the last known record of a supervised process
func (c *Client) SetProcess(ctx context.Context, name string, record any, ttl time.Duration) error {
	return c.setJSON(ctx, "set_process", ProcessKey(name), record, ttl)
}

// GetProcess loads the last known record of a supervised process
func (c *Client) GetProcess(ctx context.Context, name string, dest any) error {
	return c.getJSON(ctx, "get_process", ProcessKey(name), dest)
}

// SetSoloStats stores the solo job manager's counters with expiration
func (c *Client) SetSoloStats(ctx context.Context, stats any, ttl time.Duration) error {
	return c.setJSON(ctx, "set_solo_stats", SoloStatsKey, stats, ttl)
}

// GetSoloStats loads the solo job manager's counters
func (c *Client) GetSoloStats(ctx context.Context, dest any) error {
	return c.getJSON(ctx, "get_solo_stats", SoloStatsKey, dest)
}

// Session management

// SetSession stores a Stratum session snapshot with expiration
func (c *Client) SetSession(ctx context.Context, worker string, session any, ttl time.Duration) error {
	return c.setJSON(ctx, "set_session", SessionKey(worker), session, ttl)
}

// GetSession retrieves a Stratum session snapshot
func (c *Client) GetSession(ctx context.Context, worker string, dest any) error {
	return c.getJSON(ctx, "get_session", SessionKey(worker), dest)
}

// DeleteSession removes a session
func (c *Client) DeleteSession(ctx context.Context, worker string) error {
	if err := c.rdb.Del(ctx, SessionKey(worker)).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "delete_session", "failed to delete session")
	}
	return nil
}

// Job management

// SetCurrentJob stores job as the current job and under its own id
func (c *Client) SetCurrentJob(ctx context.Context, jobID string, job any, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "set_current_job", "failed to marshal job")
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, CurrentJobKey, data, 0)
	pipe.Set(ctx, JobKey(jobID), data, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "set_current_job", "failed to store job").
			WithContext("job_id", jobID)
	}
	return nil
}

// GetCurrentJob retrieves the current job
func (c *Client) GetCurrentJob(ctx context.Context, dest any) error {
	return c.getJSON(ctx, "get_current_job", CurrentJobKey, dest)
}

// GetJob retrieves a job by id
func (c *Client) GetJob(ctx context.Context, jobID string, dest any) error {
	return c.getJSON(ctx, "get_job", JobKey(jobID), dest)
}

// Statistics and counters

// IncrementCounter increments a counter and refreshes its expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "increment_counter", "failed to increment counter").
			WithContext("key", key)
	}
	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value, zero when unset
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "get_counter", "failed to get counter").
			WithContext("key", key)
	}
	return val, nil
}

// hashrateMember encodes one sample. The timestamp keeps equal rates
// from collapsing into a single sorted set member.
func hashrateMember(at time.Time, hashrate float64) string {
	return strconv.FormatInt(at.UnixNano(), 10) + ":" + strconv.FormatFloat(hashrate, 'g', -1, 64)
}

func parseHashrateMember(member string) (float64, bool) {
	_, value, ok := strings.Cut(member, ":")
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// RecordHashrate appends a hashrate sample and trims samples older than window
func (c *Client) RecordHashrate(ctx context.Context, minerType string, hashrate float64, window time.Duration, at time.Time) error {
	key := HashrateKey(minerType)

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.Unix()), Member: hashrateMember(at, hashrate)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", at.Add(-window).Unix()))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_hashrate", "failed to record hashrate").
			WithContext("miner_type", minerType)
	}
	return nil
}

// AverageHashrate averages the samples recorded within window of now
func (c *Client) AverageHashrate(ctx context.Context, minerType string, window time.Duration, now time.Time) (float64, error) {
	members, err := c.rdb.ZRangeByScore(ctx, HashrateKey(minerType), &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-window).Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "average_hashrate", "failed to read hashrate samples").
			WithContext("miner_type", minerType)
	}
	return averageSamples(members), nil
}

func averageSamples(members []string) float64 {
	var total float64
	var n int
	for _, m := range members {
		if v, ok := parseHashrateMember(m); ok {
			total += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
