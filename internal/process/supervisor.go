package process

import (
	"bufio"
	"context"
	stdErrors "errors"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const component = "process"

// DefaultGracePeriod is how long Stop waits after SIGTERM before killing
const DefaultGracePeriod = 5 * time.Second

// Option configures a Supervisor
type Option func(*Supervisor)

// WithGracePeriod overrides the graceful stop timeout
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithSampler overrides the resource sampler used by List
func WithSampler(sampler Sampler) Option {
	return func(s *Supervisor) { s.sampler = sampler }
}

// WithEventSink registers a lifecycle event receiver
func WithEventSink(sink EventSink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// WithCombinedOutput selects whether stderr is merged into the stdout pipe.
// When false, stderr lines are emitted as debug events.
func WithCombinedOutput(combine bool) Option {
	return func(s *Supervisor) { s.combine = combine }
}

type entry struct {
	rec    Record
	handle *Handle
}

// Supervisor owns the set of supervised processes
type Supervisor struct {
	logger  log.Emitter
	sampler Sampler
	sink    EventSink
	grace   time.Duration
	combine bool

	mu       sync.Mutex
	entries  map[string]*entry
	starting map[string]struct{}
}

// NewSupervisor creates an empty supervisor
func NewSupervisor(logger log.Emitter, opts ...Option) *Supervisor {
	if logger == nil {
		logger = log.Discard
	}
	s := &Supervisor{
		logger:   logger,
		sampler:  OSSampler{},
		grace:    DefaultGracePeriod,
		combine:  true,
		entries:  make(map[string]*entry),
		starting: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns executable under name and returns its PID. It fails when a
// live process is already registered under name; a record whose process has
// exited is replaced. Stdin is the null device.
func (s *Supervisor) Start(name, executable string, args []string, dir string) (int, error) {
	rec, err := s.spawn(name, executable, args, dir)
	if err != nil {
		return 0, err
	}

	s.logger.Emit(component, slog.LevelInfo, "process started",
		"name", name, "pid", rec.PID, "executable", executable, "args", args)
	s.publish(Event{Name: name, PID: rec.PID, State: StateRunning, At: rec.StartedAt})
	return rec.PID, nil
}

// spawn reserves name under the map lock, then forks and execs without it.
// A reserved name is refused to concurrent callers until the spawn settles.
func (s *Supervisor) spawn(name, executable string, args []string, dir string) (Record, error) {
	if err := s.reserve(name); err != nil {
		return Record{}, err
	}

	h, err := s.launch(name, executable, args, dir)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.starting, name)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Name:      name,
		PID:       h.pid,
		Command:   executable,
		Args:      append([]string(nil), args...),
		Dir:       dir,
		StartedAt: time.Now(),
		State:     StateRunning,
	}
	s.entries[name] = &entry{rec: rec, handle: h}
	return rec.clone(), nil
}

func (s *Supervisor) reserve(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.starting[name]; ok {
		return errors.New(errors.ErrorTypeProcess, "start", "process is already starting").
			WithContext("name", name)
	}
	if e, ok := s.entries[name]; ok {
		if e.handle != nil && !e.handle.exited() {
			return errors.New(errors.ErrorTypeProcess, "start", "process is already running").
				WithContext("name", name).
				WithContext("pid", e.rec.PID)
		}
		if e.handle != nil {
			e.handle.release()
		}
		delete(s.entries, name)
	}
	s.starting[name] = struct{}{}
	return nil
}

// launch starts the child with stdout (and stderr unless separated) on a pipe
func (s *Supervisor) launch(name, executable string, args []string, dir string) (*Handle, error) {
	cmd := exec.Command(executable, args...)
	cmd.Dir = dir
	cmd.Stdin = nil
	configureCmd(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProcess, "start", "failed to create stdout pipe").
			WithContext("name", name)
	}
	cmd.Stdout = stdoutW

	var stderrR, stderrW *os.File
	if s.combine {
		cmd.Stderr = stdoutW
	} else {
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			_ = stdoutR.Close()
			_ = stdoutW.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeProcess, "start", "failed to create stderr pipe").
				WithContext("name", name)
		}
		cmd.Stderr = stderrW
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		s.logger.Emit(component, slog.LevelError, "failed to spawn process",
			"name", name, "executable", executable, "error", err)
		return nil, errors.Wrap(err, errors.ErrorTypeProcess, "start", "failed to spawn process").
			WithContext("name", name).
			WithContext("executable", executable)
	}

	// the child holds its own copies of the write ends
	closeAll(stdoutW, stderrW)
	if stderrR != nil {
		go s.drainStderr(name, stderrR)
	}

	return newHandle(name, cmd, stdoutR), nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (s *Supervisor) drainStderr(name string, r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Emit(component, slog.LevelDebug, "process stderr", "name", name, "line", scanner.Text())
	}
}

func (s *Supervisor) publish(ev Event) {
	if s.sink != nil {
		s.sink(ev)
	}
}

// Stop terminates the named process: SIGTERM, a grace period, then SIGKILL.
// The record is removed afterwards. Unknown names yield a not_found error; a
// record whose process already exited is removed without error.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("stop", name)
	}
	h := e.handle
	if h == nil {
		delete(s.entries, name)
		s.mu.Unlock()
		return nil
	}
	pid := e.rec.PID
	s.mu.Unlock()

	how := "already exited"
	if !h.exited() {
		how = s.terminate(h)
	}

	if !h.exited() {
		return errors.New(errors.ErrorTypeProcess, "stop", "process did not exit after kill").
			WithContext("name", name).
			WithContext("pid", pid)
	}

	s.mu.Lock()
	if cur, ok := s.entries[name]; ok && cur == e {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	h.release()

	s.logger.Emit(component, slog.LevelInfo, "process stopped", "name", name, "pid", pid, "how", how)
	s.publish(Event{Name: name, PID: pid, State: StateStopped, Reason: how, At: time.Now()})
	return nil
}

// terminate runs the two-tier stop policy and reports which tier ended the process
func (s *Supervisor) terminate(h *Handle) string {
	if err := h.Terminate(); err != nil {
		s.logger.Emit(component, slog.LevelWarn, "graceful termination failed, killing",
			"name", h.name, "pid", h.pid, "error", err)
		return s.kill(h)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return "terminated"
	case <-timer.C:
		s.logger.Emit(component, slog.LevelWarn, "grace period expired, killing",
			"name", h.name, "pid", h.pid, "grace_period", s.grace)
		return s.kill(h)
	}
}

func (s *Supervisor) kill(h *Handle) string {
	if err := h.Kill(); err != nil {
		s.logger.Emit(component, slog.LevelError, "kill failed", "name", h.name, "pid", h.pid, "error", err)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
	}
	return "killed"
}

// IsRunning probes the named process. A process that exited on its own is
// moved to StateStopped before false is returned.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || e.handle == nil {
		s.mu.Unlock()
		return false
	}
	if !e.handle.exited() {
		s.mu.Unlock()
		return true
	}
	h, ev := markExited(e)
	s.mu.Unlock()

	s.settleExit(h, ev)
	return false
}

// markExited moves e, whose handle has exited, to StateStopped. Callers hold
// s.mu and pass the results to settleExit once it is released.
func markExited(e *entry) (*Handle, Event) {
	h := e.handle
	_, reason := h.exitStatus()
	e.rec.State = StateStopped
	e.rec.Reason = reason
	e.rec.Resources = ResourceSample{}
	e.handle = nil
	return h, Event{Name: e.rec.Name, PID: e.rec.PID, State: StateStopped, Reason: reason, At: time.Now()}
}

func (s *Supervisor) settleExit(h *Handle, ev Event) {
	h.release()
	s.logger.Emit(component, slog.LevelInfo, "process exited", "name", ev.Name, "pid", ev.PID, "reason", ev.Reason)
	s.publish(ev)
}

// Info returns a snapshot of the named record
func (s *Supervisor) Info(name string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return Record{}, errors.NotFound("info", name)
	}
	return e.rec.clone(), nil
}

// Handle returns the live handle of the named process
func (s *Supervisor) Handle(name string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok || e.handle == nil {
		return nil, errors.NotFound("handle", name)
	}
	return e.handle, nil
}

// List returns snapshots of every record, sorted by name. Running records get
// a fresh ResourceSample; sampling failures produce zeros. Records whose
// process has exited are moved to StateStopped.
func (s *Supervisor) List() []Record {
	type target struct {
		e   *entry
		pid int
	}
	type exit struct {
		h  *Handle
		ev Event
	}

	s.mu.Lock()
	var targets []target
	var exits []exit
	for _, e := range s.entries {
		if e.handle == nil {
			continue
		}
		if e.handle.exited() {
			h, ev := markExited(e)
			exits = append(exits, exit{h: h, ev: ev})
			continue
		}
		if e.rec.State == StateRunning {
			targets = append(targets, target{e: e, pid: e.rec.PID})
		}
	}
	s.mu.Unlock()

	for _, x := range exits {
		s.settleExit(x.h, x.ev)
	}

	samples := make([]ResourceSample, len(targets))
	for i, t := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		sample, err := s.sampler.Sample(ctx, t.pid)
		cancel()
		if err != nil {
			s.logger.Emit(component, slog.LevelDebug, "resource sample failed", "pid", t.pid, "error", err)
			sample = ResourceSample{}
		}
		samples[i] = sample
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range targets {
		if cur, ok := s.entries[t.e.rec.Name]; ok && cur == t.e && t.e.rec.State == StateRunning {
			t.e.rec.Resources = samples[i]
		}
	}

	out := make([]Record, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReapDead removes every record whose process has exited and returns their
// final snapshots: StateStopped for a zero exit, StateFailed otherwise.
func (s *Supervisor) ReapDead() []Record {
	var reaped []Record
	var events []Event
	var handles []*Handle

	s.mu.Lock()
	for name, e := range s.entries {
		if e.handle != nil {
			if !e.handle.exited() {
				continue
			}
			e.rec.State, e.rec.Reason = e.handle.exitStatus()
			handles = append(handles, e.handle)
			e.handle = nil
		}
		e.rec.Resources = ResourceSample{}
		reaped = append(reaped, e.rec.clone())
		events = append(events, Event{Name: name, PID: e.rec.PID, State: e.rec.State, Reason: e.rec.Reason, At: time.Now()})
		delete(s.entries, name)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.release()
	}
	for _, ev := range events {
		s.logger.Emit(component, slog.LevelInfo, "process reaped",
			"name", ev.Name, "pid", ev.PID, "state", ev.State.String(), "reason", ev.Reason)
		s.publish(ev)
	}

	sort.Slice(reaped, func(i, j int) bool { return reaped[i].Name < reaped[j].Name })
	return reaped
}

// RunReaper calls ReapDead every interval until ctx ends
func (s *Supervisor) RunReaper(ctx context.Context, interval time.Duration, onReap func([]Record)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if reaped := s.ReapDead(); len(reaped) > 0 && onReap != nil {
				onReap(reaped)
			}
		}
	}
}

// Shutdown stops every supervised process concurrently
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := s.Stop(name); err != nil && !errors.IsNotFound(err) {
				return err
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return stdErrors.Join(ctx.Err(), errors.New(errors.ErrorTypeTimeout, "shutdown",
			"processes still stopping"))
	}
}
