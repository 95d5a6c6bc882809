package stratum

import (
	"bufio"
	"context"
	"crypto/tls"
	stdErrors "errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const component = "stratum"

// Client defaults
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultJobBuffer    = 100
	DefaultUserAgent    = "gominer/1.0"
	MaxMessageSize      = 64 * 1024
)

// LoopState is the state of the background read loop
type LoopState int32

const (
	// LoopIdle - no loop has been started
	LoopIdle LoopState = iota
	// LoopReading - waiting for a line or a shutdown request
	LoopReading
	// LoopShuttingDown - releasing the socket and the job queue
	LoopShuttingDown
	// LoopClosed - loop has exited
	LoopClosed
)

// String returns string representation of the loop state
func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopReading:
		return "reading"
	case LoopShuttingDown:
		return "shutting_down"
	case LoopClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConfig configures a Client
type ClientConfig struct {
	URL          string
	Worker       string
	Password     string
	UserAgent    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	JobBuffer    int
	TLSConfig    *tls.Config
}

func (c *ClientConfig) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.JobBuffer <= 0 {
		c.JobBuffer = DefaultJobBuffer
	}
}

type pendingRequest struct {
	method string
	jobID  string
	sentAt time.Time
}

// connection holds everything owned by one connected session
type connection struct {
	conn     net.Conn
	jobs     chan *Job
	shutdown chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (cn *connection) requestShutdown() {
	cn.stopOnce.Do(func() { close(cn.shutdown) })
}

// Client is a Stratum V1 pool client. One Client holds at most one
// connection at a time and may reconnect after it ends.
type Client struct {
	cfg     ClientConfig
	logger  log.Emitter
	session *session

	mu         sync.Mutex
	current    *connection
	lastJobs   chan *Job
	connecting bool

	writeMu sync.Mutex

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]pendingRequest

	loopState   atomic.Int32
	jobsDropped atomic.Uint64
}

// NewClient creates a disconnected client
func NewClient(cfg ClientConfig, logger log.Emitter) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Discard
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		session: newSession(cfg.URL, cfg.Worker),
		pending: make(map[uint64]pendingRequest),
	}
}

// Connect dials the pool, starts the read loop and sends mining.subscribe
// followed by mining.authorize. Replies are processed by the read loop.
func (c *Client) Connect(ctx context.Context) error {
	ep, err := ParseEndpoint(c.cfg.URL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.connecting || (c.current != nil && !isClosed(c.current.done)) {
		c.mu.Unlock()
		return errors.New(errors.ErrorTypeStratum, "connect", "already connected").
			WithContext("pool", c.cfg.URL)
	}
	c.connecting = true
	c.session.setPhase(PhaseConnecting)
	c.mu.Unlock()

	conn, err := c.dial(ctx, ep)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.session.setPhase(PhaseDisconnected)
		c.logger.Emit(component, slog.LevelWarn, "pool connection failed",
			"pool", ep.Address(), "error", err)
		return errors.Wrap(err, errors.ErrorTypeStratum, "connect", "failed to connect to pool").
			WithContext("pool", ep.Address())
	}

	cn := &connection{
		conn:     conn,
		jobs:     make(chan *Job, c.cfg.JobBuffer),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.current = cn
	c.lastJobs = cn.jobs
	c.connecting = false
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = make(map[uint64]pendingRequest)
	c.pendingMu.Unlock()

	c.session.reset(time.Now())
	c.logger.Emit(component, slog.LevelInfo, "connected to pool",
		"pool", ep.Address(), "tls", ep.TLS, "worker", c.cfg.Worker)

	c.loopState.Store(int32(LoopReading))
	go c.readLoop(cn)

	if err := c.request(cn, MethodSubscribe, "", func(id uint64) *Message {
		return NewSubscribeRequest(id, c.cfg.UserAgent)
	}); err != nil {
		_ = c.Disconnect()
		return err
	}
	if err := c.request(cn, MethodAuthorize, "", func(id uint64) *Message {
		return NewAuthorizeRequest(id, c.cfg.Worker, c.cfg.Password)
	}); err != nil {
		_ = c.Disconnect()
		return err
	}

	return nil
}

// ConnectWithRetry calls Connect with exponential backoff on retryable failures
func (c *Client) ConnectWithRetry(ctx context.Context, cfg *retry.Config) error {
	if cfg == nil {
		cfg = retry.StratumConfig()
	}
	return retry.Do(ctx, cfg, func() error {
		return c.Connect(ctx)
	})
}

func (c *Client) dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	netDialer := &net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	if !ep.TLS {
		return netDialer.DialContext(dialCtx, "tcp", ep.Address())
	}

	tlsCfg := c.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsCfg.ServerName == "" {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.ServerName = ep.Host
	}
	d := &tls.Dialer{NetDialer: netDialer, Config: tlsCfg}
	return d.DialContext(dialCtx, "tcp", ep.Address())
}

// readLoop runs the loop state machine for one connection. Its two event
// sources are lineAvailable (fed by readLines) and shutdownRequested.
func (c *Client) readLoop(cn *connection) {
	defer close(cn.done)

	lineAvailable := make(chan []byte)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	go c.readLines(cn.conn, lineAvailable, readErr, quit)

	state := LoopReading
	reason := "shutdown requested"

	for state != LoopClosed {
		switch state {
		case LoopReading:
			select {
			case line, ok := <-lineAvailable:
				if !ok {
					if err := <-readErr; err != nil {
						reason = err.Error()
					} else {
						reason = "connection closed by pool"
					}
					state = LoopShuttingDown
					break
				}
				c.handleLine(cn, line)
			case <-cn.shutdown:
				state = LoopShuttingDown
			}

		case LoopShuttingDown:
			close(quit)
			if err := cn.conn.Close(); err != nil && !stdErrors.Is(err, net.ErrClosed) {
				c.logger.Emit(component, slog.LevelDebug, "socket close failed", "error", err)
			}
			c.session.setPhase(PhaseDisconnected)
			close(cn.jobs)
			state = LoopClosed
			c.logger.Emit(component, slog.LevelInfo, "read loop stopped",
				"pool", c.cfg.URL, "reason", reason)
		}
		c.loopState.Store(int32(state))
	}
}

// readLines splits the socket stream into lines until EOF, a read error or
// quit. A line longer than MaxMessageSize is dropped up to its newline and
// the stream carries on.
func (c *Client) readLines(conn net.Conn, out chan<- []byte, errs chan<- error, quit <-chan struct{}) {
	defer close(out)

	r := bufio.NewReaderSize(conn, MaxMessageSize)
	for {
		chunk, err := r.ReadSlice('\n')
		if stdErrors.Is(err, bufio.ErrBufferFull) {
			dropped := len(chunk)
			for stdErrors.Is(err, bufio.ErrBufferFull) {
				chunk, err = r.ReadSlice('\n')
				dropped += len(chunk)
			}
			c.logger.Emit(component, slog.LevelWarn, "malformed message ignored",
				"error", "message exceeds size limit", "size", dropped, "limit", MaxMessageSize)
			if err == nil {
				continue
			}
			chunk = nil
		}

		if len(chunk) > 0 {
			line := append([]byte(nil), chunk...)
			select {
			case out <- line:
			case <-quit:
				errs <- nil
				return
			}
		}

		if err != nil {
			if stdErrors.Is(err, io.EOF) {
				err = nil
			}
			errs <- err
			return
		}
	}
}

func (c *Client) handleLine(cn *connection, line []byte) {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return
	}
	c.logger.Emit(component, slog.LevelDebug, "stratum message", "direction", "received", "message", text)

	msg, err := ParseMessage([]byte(text))
	if err != nil {
		c.logger.Emit(component, slog.LevelWarn, "malformed message ignored", "error", err)
		return
	}

	switch {
	case msg.Method != "":
		c.handleMethod(cn, msg)
	case msg.ID != nil:
		c.handleResponse(msg)
	case msg.Error != nil:
		c.logger.Emit(component, slog.LevelWarn, "pool reported error",
			"code", msg.Error.Code, "message", msg.Error.Message)
	default:
		c.logger.Emit(component, slog.LevelDebug, "unrecognized message ignored")
	}
}

func (c *Client) handleMethod(cn *connection, msg *Message) {
	switch msg.Method {
	case MethodNotify:
		job, err := ParseNotifyParams(msg.Params)
		if err != nil {
			c.logger.Emit(component, slog.LevelWarn, "invalid mining.notify ignored", "error", err)
			return
		}
		job.ReceivedAt = time.Now()
		if dropped := c.enqueue(cn.jobs, job); dropped != nil {
			c.jobsDropped.Add(1)
			c.logger.Emit(component, slog.LevelWarn, "job queue full, dropped oldest job",
				"dropped_job_id", dropped.JobID, "job_id", job.JobID)
		}
		c.logger.Emit(component, slog.LevelDebug, "job received",
			"job_id", job.JobID, "clean_jobs", job.CleanJobs)

	case MethodSetDifficulty:
		diff, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			c.logger.Emit(component, slog.LevelWarn, "invalid mining.set_difficulty ignored", "error", err)
			return
		}
		c.session.setDifficulty(diff)
		c.logger.Emit(component, slog.LevelInfo, "difficulty updated", "difficulty", diff)

	case MethodSetExtranonce:
		en1, size, err := ParseSetExtranonce(msg.Params)
		if err != nil {
			c.logger.Emit(component, slog.LevelWarn, "invalid mining.set_extranonce ignored", "error", err)
			return
		}
		c.session.setExtraNonce(en1, size)

	case MethodGetVersion:
		if msg.ID != nil {
			if err := c.write(cn, NewResponse(msg.ID, c.cfg.UserAgent)); err != nil {
				c.logger.Emit(component, slog.LevelWarn, "failed to answer client.get_version", "error", err)
			}
		}

	case MethodReconnect, MethodShowMessage:
		c.logger.Emit(component, slog.LevelInfo, "pool request", "method", msg.Method, "params", msg.Params)

	default:
		c.logger.Emit(component, slog.LevelDebug, "unsupported method ignored", "method", msg.Method)
	}
}

func (c *Client) handleResponse(msg *Message) {
	id, ok := NumericID(msg.ID)
	if !ok {
		c.logger.Emit(component, slog.LevelDebug, "response with non-numeric id ignored", "id", msg.ID)
		return
	}

	c.pendingMu.Lock()
	req, found := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if !found {
		c.logger.Emit(component, slog.LevelDebug, "response for unknown request", "id", id)
		return
	}

	c.session.setLatency(time.Since(req.sentAt))

	if msg.Error != nil {
		c.logger.Emit(component, slog.LevelWarn, "request failed",
			"method", req.method, "id", id, "code", msg.Error.Code, "message", msg.Error.Message)
	} else {
		c.logger.Emit(component, slog.LevelDebug, "request succeeded", "method", req.method, "id", id)
	}

	switch req.method {
	case MethodSubscribe:
		if msg.Error != nil {
			return
		}
		en1, size, err := ParseSubscribeResult(msg.Result)
		if err != nil {
			c.logger.Emit(component, slog.LevelWarn, "unexpected subscribe result", "error", err)
			return
		}
		c.session.setExtraNonce(en1, size)

	case MethodAuthorize:
		ok, _ := msg.Result.(bool)
		c.session.setAuthorized(ok && msg.Error == nil)
		if !ok || msg.Error != nil {
			c.logger.Emit(component, slog.LevelWarn, "worker not authorized", "worker", c.cfg.Worker)
		}

	case MethodSubmit:
		accepted, _ := msg.Result.(bool)
		accepted = accepted && msg.Error == nil
		c.session.recordSubmitResult(accepted)
		status := "accepted"
		if !accepted {
			status = "rejected"
		}
		c.logger.Emit(component, slog.LevelInfo, "share submission",
			"worker_name", c.cfg.Worker, "job_id", req.jobID,
			"difficulty", c.session.difficulty(), "status", status)
	}
}

// enqueue never blocks: when the buffer is full the oldest job is discarded
// and returned.
func (c *Client) enqueue(jobs chan *Job, job *Job) (dropped *Job) {
	for {
		select {
		case jobs <- job:
			return dropped
		default:
		}
		select {
		case old := <-jobs:
			dropped = old
		default:
		}
	}
}

func (c *Client) request(cn *connection, method, jobID string, build func(id uint64) *Message) error {
	id := c.nextID.Add(1)

	c.pendingMu.Lock()
	c.pending[id] = pendingRequest{method: method, jobID: jobID, sentAt: time.Now()}
	c.pendingMu.Unlock()

	if err := c.write(cn, build(id)); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return errors.Wrap(err, errors.ErrorTypeStratum, method, "failed to send request").
			WithContext("pool", c.cfg.URL)
	}
	return nil
}

func (c *Client) write(cn *connection, msg *Message) error {
	buf, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	defer releaseFrame(buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := cn.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := cn.conn.Write(buf.Bytes()); err != nil {
		return err
	}

	c.logger.Emit(component, slog.LevelDebug, "stratum message",
		"direction", "sent", "message", strings.TrimSpace(buf.String()))
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (c *Client) active() *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || isClosed(c.current.done) {
		return nil
	}
	return c.current
}

// SubmitShare sends mining.submit. AcceptedShares and LastShareTime are
// updated as soon as the request is written; the pool's verdict arrives
// later and is counted in ConfirmedShares or RejectedShares.
func (c *Client) SubmitShare(jobID, extraNonce2, nTime, nonce string) error {
	cn := c.active()
	if cn == nil || !c.session.connected() {
		return errors.New(errors.ErrorTypeStratum, "submit_share", "not connected to pool").
			WithContext("job_id", jobID)
	}

	err := c.request(cn, MethodSubmit, jobID, func(id uint64) *Message {
		return NewSubmitRequest(id, c.cfg.Worker, jobID, extraNonce2, nTime, nonce)
	})
	if err != nil {
		return err
	}

	c.session.recordSubmit(time.Now())
	return nil
}

// Disconnect stops the read loop and closes the socket. It is safe to call
// when the loop already exited, when never connected, and more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cn := c.current
	c.mu.Unlock()

	if cn == nil {
		c.session.setPhase(PhaseDisconnected)
		return nil
	}

	cn.requestShutdown()
	var closeErr error
	if err := cn.conn.Close(); err != nil && !stdErrors.Is(err, net.ErrClosed) {
		closeErr = errors.Wrap(err, errors.ErrorTypeStratum, "disconnect", "failed to close socket")
	}
	<-cn.done

	c.session.setPhase(PhaseDisconnected)
	return closeErr
}

// NextJob waits for the next job. It returns false once the connection's
// job queue is closed, when the client never connected, or when ctx ends.
func (c *Client) NextJob(ctx context.Context) (*Job, bool) {
	c.mu.Lock()
	jobs := c.lastJobs
	c.mu.Unlock()

	if jobs == nil {
		return nil, false
	}

	select {
	case job, ok := <-jobs:
		return job, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Done is closed when the current connection's read loop exits. It returns
// a closed channel when there is no connection.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.current.done
}

// Stats returns a snapshot of the session
func (c *Client) Stats() Session {
	return c.session.snapshot()
}

// IsConnected reports whether the session is connected
func (c *Client) IsConnected() bool {
	return c.session.connected()
}

// Difficulty returns the current share difficulty
func (c *Client) Difficulty() float64 {
	return c.session.difficulty()
}

// State returns the read loop state
func (c *Client) State() LoopState {
	return LoopState(c.loopState.Load())
}

// DroppedJobs returns how many queued jobs were discarded because the queue was full
func (c *Client) DroppedJobs() uint64 {
	return c.jobsDropped.Load()
}
