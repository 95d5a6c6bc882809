package main

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/process"
	"github.com/bardlex/gominer/internal/telemetry"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

type fakeStore struct {
	mu     sync.Mutex
	stats  []telemetry.MiningStats
	events []process.Event
}

func (s *fakeStore) RecordMinerStats(_ context.Context, _, _ string, stats telemetry.MiningStats, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stats)
	return nil
}

func (s *fakeStore) RecordProcessEvent(_ context.Context, ev process.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type published struct {
	topic, key, kind string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) PublishJSON(_ context.Context, topic, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, key: key})
	return nil
}

func (p *fakePublisher) PublishEnvelope(_ context.Context, topic, key, kind string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, key: key, kind: kind})
	return nil
}

type scriptedProcess struct {
	out io.ReadCloser
}

func (p scriptedProcess) Stdout() io.ReadCloser { return p.out }
func (p scriptedProcess) Kill() error           { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ServiceName:     "minerd-test",
		MinerType:       telemetry.MinerWhive,
		MinerDir:        t.TempDir(),
		MinerExecutable: "cpuminer",
		MinerAddress:    "addr",
		WorkerName:      "w1",
		MinerThreads:    2,
		GracePeriod:     time.Second,
		ReapInterval:    10 * time.Millisecond,
		StatsInterval:   10 * time.Millisecond,
		PoolURL:         "stratum+tcp://pool.example:3333",
	}
}

func TestPublishStats(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d := NewDaemon(testConfig(t), log.Discard, store, pub, "rig1")

	out := io.NopCloser(strings.NewReader("[t] accepted: 3/3 (100.00%), 450.12 H/s yes!\n"))
	if err := d.collector.StartMonitoring(telemetry.MinerWhive, scriptedProcess{out: out}); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	<-d.collector.Done(telemetry.MinerWhive)

	d.publishStats(context.Background())

	if len(store.stats) != 1 {
		t.Fatalf("stored %d snapshots, want 1", len(store.stats))
	}
	if got := store.stats[0]; got.AcceptedShares != 3 || got.Hashrate != 450.12 {
		t.Errorf("stored stats = %+v", got)
	}

	want := published{topic: messaging.TopicMinerStats, key: "rig1/whive", kind: messaging.KindMinerStats}
	if len(pub.sent) != 1 || pub.sent[0] != want {
		t.Errorf("published %+v, want %+v", pub.sent, want)
	}
}

func TestPublishStatsWithoutMiners(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d := NewDaemon(testConfig(t), log.Discard, store, pub, "rig1")

	d.publishStats(context.Background())

	if len(store.stats) != 0 || len(pub.sent) != 0 {
		t.Errorf("reported without miners: stats=%d published=%d", len(store.stats), len(pub.sent))
	}
}

func TestProcessEventsAreRecordedAndPublished(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d := NewDaemon(testConfig(t), log.Discard, store, pub, "rig1")

	ev := process.Event{Name: "whive_miner", PID: 10, State: process.StateFailed, Reason: "exit status 1", At: time.Now()}
	d.enqueueEvent(ev)
	d.flushEvents(context.Background())

	if len(store.events) != 1 || store.events[0].Name != "whive_miner" {
		t.Errorf("stored events = %+v", store.events)
	}
	want := published{topic: messaging.TopicProcessEvents, key: "whive_miner"}
	if len(pub.sent) != 1 || pub.sent[0] != want {
		t.Errorf("published %+v, want %+v", pub.sent, want)
	}
}

func TestEnqueueEventDropsWhenFull(t *testing.T) {
	rec := &log.Recorder{}
	d := NewDaemon(testConfig(t), rec, &fakeStore{}, &fakePublisher{}, "rig1")

	for i := 0; i <= cap(d.events); i++ {
		d.enqueueEvent(process.Event{Name: "whive_miner", State: process.StateRunning})
	}

	if !rec.Has(component, "process event dropped") {
		t.Error("overflow was not logged")
	}
}

func TestRunEventsStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	d := NewDaemon(testConfig(t), log.Discard, store, &fakePublisher{}, "rig1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.runEvents(ctx) }()

	d.enqueueEvent(process.Event{Name: "whive_miner", State: process.StateRunning})
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.events)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event was not handled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("runEvents() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runEvents did not stop")
	}
}

func TestWatchOutputReportsClosedOutput(t *testing.T) {
	d := NewDaemon(testConfig(t), log.Discard, &fakeStore{}, &fakePublisher{}, "rig1")

	// Nothing is monitored, so the output counts as closed already.
	err := d.watchOutput(context.Background())
	if !errors.IsType(err, errors.ErrorTypeProcess) {
		t.Errorf("watchOutput() = %v, want process error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.watchOutput(ctx); err != context.Canceled {
		t.Errorf("watchOutput() after cancel = %v, want context.Canceled", err)
	}
}

func TestOnReapLogsMinerExit(t *testing.T) {
	rec := &log.Recorder{}
	d := NewDaemon(testConfig(t), rec, &fakeStore{}, &fakePublisher{}, "rig1")

	d.onReap([]process.Record{
		{Name: "other", State: process.StateFailed},
		{Name: d.profile.ProcessName(), State: process.StateFailed, Reason: "exit status 1"},
	})

	var n int
	for _, ev := range rec.Events() {
		if ev.Component == component && ev.Message == "miner exited" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("miner exited logged %d times, want 1", n)
	}
}

func TestRunFailsWithoutExecutable(t *testing.T) {
	d := NewDaemon(testConfig(t), log.Discard, &fakeStore{}, &fakePublisher{}, "rig1")

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("Run() expected error with an empty miner directory")
	}
	if len(d.supervisor.List()) != 0 {
		t.Error("no process should be supervised")
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
