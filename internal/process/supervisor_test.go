package process

import (
	"bufio"
	"context"
	stdErrors "errors"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func newTestSupervisor(t *testing.T, opts ...Option) *Supervisor {
	t.Helper()
	s := NewSupervisor(log.Discard, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func startShell(t *testing.T, s *Supervisor, name, script string) int {
	t.Helper()
	pid, err := s.Start(name, "/bin/sh", []string{"-c", script}, "")
	if err != nil {
		t.Fatalf("Start(%q) error = %v", name, err)
	}
	if pid <= 0 {
		t.Fatalf("Start(%q) pid = %d", name, pid)
	}
	return pid
}

func waitExited(t *testing.T, s *Supervisor, name string) {
	t.Helper()
	h, err := s.Handle(name)
	if err != nil {
		t.Fatalf("Handle(%q) error = %v", name, err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process %q did not exit", name)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) last() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

func TestStopUnknownProcess(t *testing.T) {
	s := newTestSupervisor(t)

	err := s.Stop("nothing")
	if !errors.IsNotFound(err) {
		t.Errorf("Stop() error = %v, want not found", err)
	}
}

func TestStopTwice(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor(t)
	startShell(t, s, "sleeper", "sleep 30")

	if !s.IsRunning("sleeper") {
		t.Fatal("IsRunning() = false right after start")
	}
	if err := s.Stop("sleeper"); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	if err := s.Stop("sleeper"); !errors.IsNotFound(err) {
		t.Errorf("second Stop() error = %v, want not found", err)
	}
	if s.IsRunning("sleeper") {
		t.Error("IsRunning() = true after stop")
	}
}

func TestIsRunningObservesSelfExit(t *testing.T) {
	requireShell(t)
	events := &eventLog{}
	s := newTestSupervisor(t, WithEventSink(events.sink))
	startShell(t, s, "short", "exit 0")
	waitExited(t, s, "short")

	if s.IsRunning("short") {
		t.Fatal("IsRunning() = true after the process exited")
	}

	rec, err := s.Info("short")
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if rec.State != StateStopped {
		t.Errorf("State = %v, want %v", rec.State, StateStopped)
	}
	if s.IsRunning("short") {
		t.Error("IsRunning() = true on second probe")
	}

	ev, ok := events.last()
	if !ok || ev.State != StateStopped || ev.Name != "short" {
		t.Errorf("last event = %+v, want stopped event for short", ev)
	}

	// already reaped: stop removes the record without error
	if err := s.Stop("short"); err != nil {
		t.Errorf("Stop() after exit error = %v", err)
	}
	if _, err := s.Info("short"); !errors.IsNotFound(err) {
		t.Errorf("Info() after stop error = %v, want not found", err)
	}
}

func TestStopForceKillsStubbornProcess(t *testing.T) {
	requireShell(t)
	const grace = 200 * time.Millisecond
	events := &eventLog{}
	s := newTestSupervisor(t, WithGracePeriod(grace), WithEventSink(events.sink))
	startShell(t, s, "stubborn", "trap '' TERM; echo ready; while :; do sleep 0.1; done")

	h, err := s.Handle("stubborn")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	out := h.Stdout()
	defer out.Close()

	line, err := bufio.NewReader(out).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ready" {
		t.Fatalf("first line = %q, %v; want ready", line, err)
	}

	begin := time.Now()
	if err := s.Stop("stubborn"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	elapsed := time.Since(begin)

	if elapsed < grace {
		t.Errorf("Stop() returned after %v, before the grace period", elapsed)
	}
	if elapsed > grace+3*time.Second {
		t.Errorf("Stop() took %v", elapsed)
	}

	ev, ok := events.last()
	if !ok {
		t.Fatal("no events recorded")
	}
	if ev.State != StateStopped {
		t.Errorf("event state = %v, want %v", ev.State, StateStopped)
	}
	if ev.Reason != "killed" {
		t.Errorf("event reason = %q, want killed", ev.Reason)
	}
}

func TestStartDuplicateName(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor(t)
	startShell(t, s, "dup", "sleep 30")

	_, err := s.Start("dup", "/bin/sh", []string{"-c", "sleep 30"}, "")
	if !errors.IsType(err, errors.ErrorTypeProcess) {
		t.Errorf("Start() duplicate error = %v, want process error", err)
	}
}

func TestStartReplacesExitedRecord(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor(t)
	first := startShell(t, s, "again", "exit 0")
	waitExited(t, s, "again")

	second := startShell(t, s, "again", "sleep 30")
	if second == first {
		t.Errorf("restart reused pid %d", first)
	}
	if !s.IsRunning("again") {
		t.Error("IsRunning() = false after restart")
	}
}

func TestStartRefusesNameBeingStarted(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor(t)

	if err := s.reserve("pending"); err != nil {
		t.Fatalf("reserve() error = %v", err)
	}
	if _, err := s.Start("pending", "/bin/sh", []string{"-c", "sleep 30"}, ""); !errors.IsType(err, errors.ErrorTypeProcess) {
		t.Errorf("Start() during spawn error = %v, want process error", err)
	}
	if _, err := s.Info("pending"); !errors.IsNotFound(err) {
		t.Errorf("Info() error = %v, want not found while starting", err)
	}

	s.mu.Lock()
	delete(s.starting, "pending")
	s.mu.Unlock()
	startShell(t, s, "pending", "sleep 30")
}

func TestConcurrentStartSameName(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor(t)

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start("race", "/bin/sh", []string{"-c", "sleep 30"}, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	started := 0
	for err := range errs {
		if err == nil {
			started++
		} else if !errors.IsType(err, errors.ErrorTypeProcess) {
			t.Errorf("Start() error = %v, want process error", err)
		}
	}
	if started != 1 {
		t.Errorf("%d concurrent starts succeeded, want 1", started)
	}
	if len(s.List()) != 1 {
		t.Errorf("List() len = %d, want 1", len(s.List()))
	}
}

func TestStartFailureLeavesNoRecord(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start("ghost", "/nonexistent/path/to/miner", nil, "")
	if err == nil {
		t.Fatal("Start() expected error")
	}
	if !errors.IsType(err, errors.ErrorTypeProcess) {
		t.Errorf("Start() error type = %v, want process", err)
	}
	if _, err := s.Info("ghost"); !errors.IsNotFound(err) {
		t.Errorf("Info() error = %v, want not found", err)
	}
	if got := len(s.List()); got != 0 {
		t.Errorf("List() len = %d, want 0", got)
	}
}

func TestReapDead(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor(t)
	startShell(t, s, "a-fail", "exit 3")
	startShell(t, s, "b-ok", "exit 0")
	startShell(t, s, "c-live", "sleep 30")
	waitExited(t, s, "a-fail")
	waitExited(t, s, "b-ok")

	reaped := s.ReapDead()
	if len(reaped) != 2 {
		t.Fatalf("ReapDead() len = %d, want 2", len(reaped))
	}

	tests := []struct {
		name   string
		state  State
		reason string
	}{
		{name: "a-fail", state: StateFailed, reason: "exit status 3"},
		{name: "b-ok", state: StateStopped, reason: ""},
	}
	for i, tt := range tests {
		if reaped[i].Name != tt.name {
			t.Errorf("reaped[%d].Name = %q, want %q", i, reaped[i].Name, tt.name)
		}
		if reaped[i].State != tt.state {
			t.Errorf("reaped[%d].State = %v, want %v", i, reaped[i].State, tt.state)
		}
		if reaped[i].Reason != tt.reason {
			t.Errorf("reaped[%d].Reason = %q, want %q", i, reaped[i].Reason, tt.reason)
		}
	}

	list := s.List()
	if len(list) != 1 || list[0].Name != "c-live" {
		t.Errorf("List() after reap = %+v, want only c-live", list)
	}
	if got := s.ReapDead(); len(got) != 0 {
		t.Errorf("second ReapDead() len = %d, want 0", len(got))
	}
}

func TestRunReaper(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor(t)
	startShell(t, s, "brief", "exit 0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaped := make(chan []Record, 1)
	go func() {
		_ = s.RunReaper(ctx, 20*time.Millisecond, func(recs []Record) {
			select {
			case reaped <- recs:
			default:
			}
		})
	}()

	select {
	case recs := <-reaped:
		if len(recs) != 1 || recs[0].Name != "brief" {
			t.Errorf("reaped = %+v, want brief", recs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not run")
	}
}

func TestListSamplesResources(t *testing.T) {
	requireShell(t)

	want := ResourceSample{CPUPercent: 12.5, MemoryBytes: 4096, UptimeSeconds: 7}
	tests := []struct {
		name    string
		sampler Sampler
		want    ResourceSample
	}{
		{
			name: "sampler values",
			sampler: SamplerFunc(func(context.Context, int) (ResourceSample, error) {
				return want, nil
			}),
			want: want,
		},
		{
			name: "sampler failure yields zeros",
			sampler: SamplerFunc(func(context.Context, int) (ResourceSample, error) {
				return want, stdErrors.New("no such process")
			}),
			want: ResourceSample{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t, WithSampler(tt.sampler))
			startShell(t, s, "node", "sleep 30")
			startShell(t, s, "miner", "sleep 30")

			list := s.List()
			if len(list) != 2 {
				t.Fatalf("List() len = %d, want 2", len(list))
			}
			if list[0].Name != "miner" || list[1].Name != "node" {
				t.Errorf("List() order = %s, %s", list[0].Name, list[1].Name)
			}
			for _, rec := range list {
				if rec.Resources != tt.want {
					t.Errorf("%s resources = %+v, want %+v", rec.Name, rec.Resources, tt.want)
				}
				if rec.State != StateRunning {
					t.Errorf("%s state = %v", rec.Name, rec.State)
				}
			}
		})
	}
}

func TestListMarksExitedProcessStopped(t *testing.T) {
	requireShell(t)

	var sampled []int
	var mu sync.Mutex
	sampler := SamplerFunc(func(_ context.Context, pid int) (ResourceSample, error) {
		mu.Lock()
		defer mu.Unlock()
		sampled = append(sampled, pid)
		return ResourceSample{CPUPercent: 50, MemoryBytes: 1024}, nil
	})
	events := &eventLog{}
	s := newTestSupervisor(t, WithSampler(sampler), WithEventSink(events.sink))

	pid := startShell(t, s, "quick", "exit 0")
	waitExited(t, s, "quick")

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("List() len = %d, want 1", len(list))
	}
	if list[0].State != StateStopped {
		t.Errorf("state = %v, want %v", list[0].State, StateStopped)
	}
	if list[0].Resources != (ResourceSample{}) {
		t.Errorf("resources = %+v, want zeros", list[0].Resources)
	}

	mu.Lock()
	for _, p := range sampled {
		if p == pid {
			t.Errorf("exited pid %d was sampled", pid)
		}
	}
	mu.Unlock()

	if ev, ok := events.last(); !ok || ev.Name != "quick" || ev.State != StateStopped {
		t.Errorf("last event = %+v, %v", ev, ok)
	}
	if s.IsRunning("quick") {
		t.Error("IsRunning() = true after exit")
	}
}

func TestStdoutCapture(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name    string
		script  string
		combine bool
		want    string
	}{
		{name: "stdout", script: "echo hello", combine: true, want: "hello\n"},
		{name: "combined stderr", script: "echo oops 1>&2", combine: true, want: "oops\n"},
		{name: "separate stderr", script: "echo out; echo err 1>&2", combine: false, want: "out\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t, WithCombinedOutput(tt.combine))
			startShell(t, s, "echo", tt.script)

			h, err := s.Handle("echo")
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			out := h.Stdout()
			defer out.Close()

			data, err := io.ReadAll(out)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("output = %q, want %q", data, tt.want)
			}
		})
	}
}

func TestSeparateStderrIsEmitted(t *testing.T) {
	requireShell(t)
	rec := &log.Recorder{}
	s := NewSupervisor(rec, WithCombinedOutput(false))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	startShell(t, s, "noisy", "echo warning 1>&2")
	waitExited(t, s, "noisy")

	deadline := time.Now().Add(5 * time.Second)
	for !rec.Has(component, "process stderr") {
		if time.Now().After(deadline) {
			t.Fatal("stderr line was not emitted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	requireShell(t)
	s := NewSupervisor(log.Discard, WithGracePeriod(time.Second))
	startShell(t, s, "one", "sleep 30")
	startShell(t, s, "two", "sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := len(s.List()); got != 0 {
		t.Errorf("List() len after shutdown = %d, want 0", got)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateRunning, "running"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
