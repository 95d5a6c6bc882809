package telemetry

import (
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const component = "telemetry"

// Process is the part of a running child the collector needs
type Process interface {
	Stdout() io.ReadCloser
	Kill() error
}

// Option configures a Collector
type Option func(*Collector)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithTemperatureReader overrides how SampleTemperature reads the CPU
func WithTemperatureReader(r TemperatureReader) Option {
	return func(c *Collector) { c.readTemp = r }
}

// WithMaxLineLength caps the length of a parsed line
func WithMaxLineLength(n int) Option {
	return func(c *Collector) { c.maxLine = n }
}

// MonitorOption configures a single StartMonitoring call
type MonitorOption func(*monitor)

// WithThreads sets the miner thread count used for the power estimate
func WithThreads(n int) MonitorOption {
	return func(m *monitor) { m.threads = n }
}

type monitor struct {
	minerType  string
	proc       Process
	stdout     io.ReadCloser
	threads    int
	startedAt  time.Time
	lastRateAt time.Time
	closeOnce  sync.Once
	done       chan struct{}
}

func (m *monitor) closeStdout() {
	m.closeOnce.Do(func() {
		if m.stdout != nil {
			_ = m.stdout.Close()
		}
	})
}

// Collector keeps one MiningStats record per monitored miner type
type Collector struct {
	logger   log.Emitter
	now      func() time.Time
	readTemp TemperatureReader
	maxLine  int

	mu       sync.Mutex
	stats    map[string]*MiningStats
	monitors map[string]*monitor
}

// NewCollector creates a collector with no monitored miners
func NewCollector(logger log.Emitter, opts ...Option) *Collector {
	if logger == nil {
		logger = log.Discard
	}
	c := &Collector{
		logger:   logger,
		now:      time.Now,
		readTemp: defaultTemperatureReader(),
		maxLine:  DefaultMaxLineLength,
		stats:    make(map[string]*MiningStats),
		monitors: make(map[string]*monitor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartMonitoring takes ownership of proc's output and parses it in the
// background. A miner type that is already monitored is torn down first:
// its process is killed and its record replaced.
func (c *Collector) StartMonitoring(minerType string, proc Process, opts ...MonitorOption) error {
	if minerType == "" {
		return errors.New(errors.ErrorTypeValidation, "start_monitoring", "miner type is required")
	}
	if proc == nil {
		return errors.New(errors.ErrorTypeValidation, "start_monitoring", "process is required").
			WithContext("miner_type", minerType)
	}

	now := c.now()
	m := &monitor{
		minerType:  minerType,
		proc:       proc,
		stdout:     proc.Stdout(),
		startedAt:  now,
		lastRateAt: now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	c.mu.Lock()
	prev := c.monitors[minerType]
	c.monitors[minerType] = m
	c.stats[minerType] = &MiningStats{
		PowerConsumption: PowerEstimate(minerType, m.threads),
	}
	c.mu.Unlock()

	if prev != nil {
		_ = c.teardown(prev)
		c.logger.Emit(component, slog.LevelInfo, "replaced existing monitor", "miner_type", minerType)
	}

	go c.read(m)

	c.logger.Emit(component, slog.LevelInfo, "monitoring started",
		"miner_type", minerType, "threads", m.threads)
	return nil
}

func (c *Collector) read(m *monitor) {
	defer close(m.done)
	defer m.closeStdout()

	if m.stdout == nil {
		return
	}

	err := readLines(m.stdout, c.maxLine, func(line string, truncated bool) {
		if truncated {
			c.logger.Emit(component, slog.LevelDebug, "truncated long output line",
				"miner_type", m.minerType, "max_length", c.maxLine)
		}
		c.apply(m, line)
	})

	if err != nil && !isClosedPipe(err) {
		c.logger.Emit(component, slog.LevelWarn, "output reader failed",
			"miner_type", m.minerType, "error", err)
		return
	}
	c.logger.Emit(component, slog.LevelInfo, "output stream ended", "miner_type", m.minerType)
}

// apply parses a line into the live record owned by m. Lines from a monitor
// that has been stopped or replaced are dropped.
func (c *Collector) apply(m *monitor, line string) {
	now := c.now()

	c.mu.Lock()
	if c.monitors[m.minerType] != m {
		c.mu.Unlock()
		return
	}
	stats := c.stats[m.minerType]
	prevRate := stats.Hashrate
	outcome := ParseLine(m.minerType, line, stats, now)

	if outcome == OutcomeShare || outcome == OutcomeHashrate {
		if elapsed := now.Sub(m.lastRateAt); elapsed > 0 {
			stats.TotalHashes += uint64(prevRate * elapsed.Seconds())
		}
		m.lastRateAt = now
	}
	accepted, rejected, hashrate := stats.AcceptedShares, stats.RejectedShares, stats.Hashrate
	c.mu.Unlock()

	switch outcome {
	case OutcomeError:
		c.logger.Emit(component, slog.LevelWarn, "miner reported error",
			"miner_type", m.minerType, "line", line)
	case OutcomeShare:
		c.logger.Emit(component, slog.LevelInfo, "share update",
			"miner_type", m.minerType, "accepted", accepted, "rejected", rejected, "hashrate", hashrate)
	case OutcomeHashrate, OutcomeDifficulty:
		c.logger.Emit(component, slog.LevelDebug, "stats update",
			"miner_type", m.minerType, "outcome", outcome.String(), "hashrate", hashrate)
	}
}

// isClosedPipe reports errors caused by StopMonitoring closing the stream
func isClosedPipe(err error) bool {
	return stdErrors.Is(err, os.ErrClosed) || stdErrors.Is(err, io.ErrClosedPipe)
}

func (c *Collector) teardown(m *monitor) error {
	err := m.proc.Kill()
	m.closeStdout()
	if err != nil {
		c.logger.Emit(component, slog.LevelWarn, "failed to kill monitored process",
			"miner_type", m.minerType, "error", err)
		return errors.Wrap(err, errors.ErrorTypeProcess, "stop_monitoring", "failed to kill process").
			WithContext("miner_type", m.minerType)
	}
	return nil
}

// StopMonitoring kills the monitored process and deletes the record.
// Stopping an unmonitored type is a no-op.
func (c *Collector) StopMonitoring(minerType string) error {
	c.mu.Lock()
	m := c.monitors[minerType]
	delete(c.monitors, minerType)
	delete(c.stats, minerType)
	c.mu.Unlock()

	if m == nil {
		return nil
	}

	err := c.teardown(m)
	c.logger.Emit(component, slog.LevelInfo, "monitoring stopped", "miner_type", minerType)
	return err
}

// Done returns a channel closed when the reader for minerType has finished.
// Unmonitored types get an already closed channel.
func (c *Collector) Done(minerType string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.monitors[minerType]; ok {
		return m.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// refresh updates the derived fields of a record. Caller holds c.mu.
func (c *Collector) refresh(minerType string, stats *MiningStats, now time.Time) {
	if m, ok := c.monitors[minerType]; ok {
		stats.Uptime = now.Sub(m.startedAt)
		stats.PowerConsumption = PowerEstimate(minerType, m.threads)
	}
	stats.EstimatedEarnings = DailyEarnings(minerType, stats.Hashrate)
}

// GetStats returns a copy of the record for minerType
func (c *Collector) GetStats(minerType string) (MiningStats, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.stats[minerType]
	if !ok {
		return MiningStats{}, false
	}
	c.refresh(minerType, stats, now)
	return stats.clone(), true
}

// Snapshot returns copies of every record keyed by miner type
func (c *Collector) Snapshot() map[string]MiningStats {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]MiningStats, len(c.stats))
	for minerType, stats := range c.stats {
		c.refresh(minerType, stats, now)
		out[minerType] = stats.clone()
	}
	return out
}

// MinerTypes returns the monitored miner types in sorted order
func (c *Collector) MinerTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	types := make([]string, 0, len(c.stats))
	for minerType := range c.stats {
		types = append(types, minerType)
	}
	sort.Strings(types)
	return types
}

// UpdateTemperature records a temperature for a monitored miner type
func (c *Collector) UpdateTemperature(minerType string, celsius float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stats, ok := c.stats[minerType]; ok {
		stats.Temperature = celsius
	}
}

// SampleTemperature reads the CPU temperature and stores it on minerType
func (c *Collector) SampleTemperature(ctx context.Context, minerType string) (float64, error) {
	celsius, err := c.readTemp(ctx)
	if err != nil {
		c.logger.Emit(component, slog.LevelDebug, "temperature unavailable", "error", err)
		return 0, err
	}
	c.UpdateTemperature(minerType, celsius)
	return celsius, nil
}

// EstimateEarnings recomputes and returns the daily earnings projection.
// Unmonitored types yield 0.
func (c *Collector) EstimateEarnings(minerType string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.stats[minerType]
	if !ok {
		return 0
	}
	stats.EstimatedEarnings = DailyEarnings(minerType, stats.Hashrate)
	return stats.EstimatedEarnings
}
