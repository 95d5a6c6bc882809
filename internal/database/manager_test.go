package database

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/process"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/telemetry"
	"github.com/bardlex/gominer/pkg/log"
)

func TestNewConfig(t *testing.T) {
	tests := []struct {
		name         string
		urls         StoreURLs
		wantPostgres bool
		wantRedis    bool
		wantInflux   bool
		wantErr      bool
	}{
		{name: "nothing", urls: StoreURLs{}},
		{
			name: "all",
			urls: StoreURLs{
				Postgres:    "postgres://u:p@localhost/gominer",
				Redis:       "redis://localhost:6379/0",
				InfluxURL:   "http://localhost:8086",
				InfluxToken: "token",
			},
			wantPostgres: true,
			wantRedis:    true,
			wantInflux:   true,
		},
		{
			name:      "disabled postgres, influx without token",
			urls:      StoreURLs{Postgres: Disabled, Redis: "redis://localhost:6379", InfluxURL: "http://localhost:8086"},
			wantRedis: true,
		},
		{name: "bad postgres", urls: StoreURLs{Postgres: "mysql://x"}, wantErr: true},
		{name: "bad redis", urls: StoreURLs{Redis: "http://x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(tt.urls)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (cfg.Postgres != nil) != tt.wantPostgres {
				t.Errorf("postgres configured = %v, want %v", cfg.Postgres != nil, tt.wantPostgres)
			}
			if (cfg.Redis != nil) != tt.wantRedis {
				t.Errorf("redis configured = %v, want %v", cfg.Redis != nil, tt.wantRedis)
			}
			if (cfg.Influx != nil) != tt.wantInflux {
				t.Errorf("influx configured = %v, want %v", cfg.Influx != nil, tt.wantInflux)
			}
		})
	}
}

func TestManagerWithoutStores(t *testing.T) {
	rec := &log.Recorder{}
	m, err := NewManager(context.Background(), &Config{}, rec)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if !rec.Has("database", "stores connected") {
		t.Error("connection summary not logged")
	}

	ctx := context.Background()
	now := time.Now()

	if err := m.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
	if err := m.RecordProcessEvent(ctx, process.Event{Name: "whive_miner", State: process.StateStopped, At: now}); err != nil {
		t.Errorf("RecordProcessEvent() error = %v", err)
	}
	if err := m.RecordMinerStats(ctx, telemetry.MinerWhive, "w", telemetry.MiningStats{Hashrate: 1}, now); err != nil {
		t.Errorf("RecordMinerStats() error = %v", err)
	}
	if err := m.RecordSession(ctx, stratum.Session{WorkerName: "w"}, now); err != nil {
		t.Errorf("RecordSession() error = %v", err)
	}
	if err := m.RecordJob(ctx, &stratum.Job{JobID: "1"}); err != nil {
		t.Errorf("RecordJob() error = %v", err)
	}
	if err := m.RecordShare(ctx, &postgres.ShareSubmission{Worker: "w", Status: postgres.ShareAccepted}); err != nil {
		t.Errorf("RecordShare() error = %v", err)
	}
	if err := m.RecordBlock(ctx, &postgres.FoundBlock{Hash: "00"}); err != nil {
		t.Errorf("RecordBlock() error = %v", err)
	}
	if err := m.RecordSoloStats(ctx, bitcoin.SoloStats{CurrentHeight: 101}, now); err != nil {
		t.Errorf("RecordSoloStats() error = %v", err)
	}

	sink := m.EventSink(time.Second)
	sink(process.Event{Name: "whive_miner", State: process.StateFailed, At: now})
	if rec.Has("database", "record process event failed") {
		t.Error("sink reported a failure without stores")
	}

	// Returns immediately without InfluxDB.
	m.StartPeriodicTasks(ctx, time.Millisecond)
}

func TestShareCounterKey(t *testing.T) {
	if got := ShareCounterKey("addr.rig1", postgres.ShareRejected); got != "shares:addr.rig1:rejected" {
		t.Errorf("ShareCounterKey() = %q", got)
	}
}
