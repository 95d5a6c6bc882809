// Package influx writes miner time series to InfluxDB: hashrate and share
// counters per miner type, Stratum share outcomes and process lifecycle
// transitions.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/process"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/telemetry"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const component = "influx"

// Measurement names
const (
	MeasurementMiner   = "miner_stats"
	MeasurementShares  = "shares"
	MeasurementProcess = "process_events"
	MeasurementSession = "stratum_session"
	MeasurementSolo    = "solo"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
	done     chan struct{}
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client. Asynchronous write failures are
// reported through logger.
func NewClient(cfg *Config, logger log.Emitter) (*Client, error) {
	if logger == nil {
		logger = log.Discard
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		done:     make(chan struct{}),
	}

	errCh := c.writeAPI.Errors()
	go func() {
		for {
			select {
			case err := <-errCh:
				logger.Emit(component, slog.LevelWarn, "write failed", "error", err, "bucket", cfg.Bucket)
			case <-c.done:
				return
			}
		}
	}()

	return c, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "influx_health", "failed to check InfluxDB health")
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.ErrorTypeDatabase, "influx_health", "InfluxDB health check failed").
			WithContext("message", msg)
	}
	return nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Point builders

// MinerStatsPoint records one telemetry snapshot
func MinerStatsPoint(minerType, worker string, s telemetry.MiningStats, at time.Time) *write.Point {
	tags := map[string]string{
		"miner_type": minerType,
		"worker":     worker,
	}

	fields := map[string]any{
		"hashrate":           s.Hashrate,
		"accepted_shares":    int64(s.AcceptedShares),
		"rejected_shares":    int64(s.RejectedShares),
		"error_count":        int64(s.ErrorCount),
		"temperature":        s.Temperature,
		"power_consumption":  s.PowerConsumption,
		"uptime_seconds":     s.Uptime.Seconds(),
		"estimated_earnings": s.EstimatedEarnings,
	}

	return write.NewPoint(MeasurementMiner, tags, fields, at)
}

// SharePoint records the outcome of one share submission
func SharePoint(worker, jobID string, difficulty float64, status string, at time.Time) *write.Point {
	tags := map[string]string{
		"worker": worker,
		"status": status,
	}

	fields := map[string]any{
		"job_id":     jobID,
		"difficulty": difficulty,
		"count":      1,
	}

	return write.NewPoint(MeasurementShares, tags, fields, at)
}

// ProcessEventPoint records one lifecycle transition
func ProcessEventPoint(ev process.Event) *write.Point {
	tags := map[string]string{
		"name":  ev.Name,
		"state": ev.State.String(),
	}

	fields := map[string]any{
		"pid":    ev.PID,
		"reason": ev.Reason,
		"count":  1,
	}

	return write.NewPoint(MeasurementProcess, tags, fields, ev.At)
}

// SessionPoint records the pool-facing counters of a Stratum session
func SessionPoint(s stratum.Session, at time.Time) *write.Point {
	tags := map[string]string{
		"pool":      s.PoolURL,
		"worker":    s.WorkerName,
		"connected": strconv.FormatBool(s.Connected),
	}

	fields := map[string]any{
		"difficulty":       s.Difficulty,
		"accepted_shares":  int64(s.AcceptedShares),
		"confirmed_shares": int64(s.ConfirmedShares),
		"rejected_shares":  int64(s.RejectedShares),
		"latency_ms":       float64(s.Latency) / float64(time.Millisecond),
	}

	return write.NewPoint(MeasurementSession, tags, fields, at)
}

// SoloPoint records the chain view of the solo job manager
func SoloPoint(height int64, difficulty, networkHashrate float64, blocksFound uint64, at time.Time) *write.Point {
	fields := map[string]any{
		"height":           height,
		"difficulty":       difficulty,
		"network_hashrate": networkHashrate,
		"blocks_found":     int64(blocksFound),
	}

	return write.NewPoint(MeasurementSolo, map[string]string{}, fields, at)
}

// Writes

// WritePoint queues a point for the asynchronous writer
func (c *Client) WritePoint(p *write.Point) {
	c.writeAPI.WritePoint(p)
}

// WriteMinerStats writes a telemetry snapshot
func (c *Client) WriteMinerStats(minerType, worker string, s telemetry.MiningStats, at time.Time) {
	c.writeAPI.WritePoint(MinerStatsPoint(minerType, worker, s, at))
}

// WriteShare writes a share outcome
func (c *Client) WriteShare(worker, jobID string, difficulty float64, status string, at time.Time) {
	c.writeAPI.WritePoint(SharePoint(worker, jobID, difficulty, status, at))
}

// WriteProcessEvent writes a lifecycle transition
func (c *Client) WriteProcessEvent(ev process.Event) {
	c.writeAPI.WritePoint(ProcessEventPoint(ev))
}

// WriteSession writes a Stratum session snapshot
func (c *Client) WriteSession(s stratum.Session, at time.Time) {
	c.writeAPI.WritePoint(SessionPoint(s, at))
}

// WriteSolo writes the solo job manager's chain view
func (c *Client) WriteSolo(height int64, difficulty, networkHashrate float64, blocksFound uint64, at time.Time) {
	c.writeAPI.WritePoint(SoloPoint(height, difficulty, networkHashrate, blocksFound, at))
}

// Query methods

// HashrateHistoryQuery builds the Flux query behind HashrateHistory
func HashrateHistoryQuery(bucket, minerType string, duration time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.miner_type == "%s")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, bucket, duration.String(), MeasurementMiner, minerType)
}

// HashrateHistory retrieves the windowed hashrate of a miner type
func (c *Client) HashrateHistory(ctx context.Context, minerType string, duration time.Duration) ([]HashratePoint, error) {
	result, err := c.queryAPI.Query(ctx, HashrateHistoryQuery(c.bucket, minerType, duration))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "hashrate_history", "failed to query hashrate history")
	}
	defer func() { _ = result.Close() }()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, errors.Wrap(result.Err(), errors.ErrorTypeDatabase, "hashrate_history", "error reading query result")
	}

	return points, nil
}

// ShareStats retrieves share counts for a worker grouped by status
func (c *Client) ShareStats(ctx context.Context, worker string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.worker == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["status"])
		|> sum()
	`, c.bucket, duration.String(), MeasurementShares, worker)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "share_stats", "failed to query share stats")
	}
	defer func() { _ = result.Close() }()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		count, ok := record.Value().(int64)
		if !ok {
			continue
		}
		status, _ := record.ValueByKey("status").(string)
		stats.add(status, count)
	}

	if result.Err() != nil {
		return nil, errors.Wrap(result.Err(), errors.ErrorTypeDatabase, "share_stats", "error reading query result")
	}

	return stats, nil
}

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// ShareStats represents aggregated share statistics
type ShareStats struct {
	TotalShares    int64   `json:"total_shares"`
	AcceptedShares int64   `json:"accepted_shares"`
	RejectedShares int64   `json:"rejected_shares"`
	AcceptPercent  float64 `json:"accept_percent"`
}

func (s *ShareStats) add(status string, count int64) {
	if status == "accepted" {
		s.AcceptedShares += count
	} else {
		s.RejectedShares += count
	}
	s.TotalShares = s.AcceptedShares + s.RejectedShares
	if s.TotalShares > 0 {
		s.AcceptPercent = float64(s.AcceptedShares) / float64(s.TotalShares) * 100
	}
}
