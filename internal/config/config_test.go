package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/miner"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":  "test-service",
				"MINER_TYPE":    "bitcoin",
				"MINER_THREADS": "4",
				"POOL_URL":      "stratum+ssl://pool.example.com:4444",
			},
			wantErr: false,
		},
		{
			name:    "invalid pool scheme",
			envVars: map[string]string{"POOL_URL": "http://pool.example.com:80"},
			wantErr: true,
		},
		{
			name:    "pool without port",
			envVars: map[string]string{"POOL_URL": "stratum+tcp://pool.example.com"},
			wantErr: true,
		},
		{
			name:    "zero threads",
			envVars: map[string]string{"MINER_THREADS": "0"},
			wantErr: true,
		},
		{
			name:    "invalid rpc port",
			envVars: map[string]string{"BITCOIN_RPC_PORT": "99999"},
			wantErr: true,
		},
		{
			name:    "negative grace period",
			envVars: map[string]string{"MINER_GRACE_PERIOD": "-1s"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && cfg == nil {
				t.Error("Load() returned nil config without error")
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.GracePeriod != 5*time.Second {
		t.Errorf("GracePeriod = %v, want 5s", cfg.GracePeriod)
	}
	if cfg.DialTimeout != 10*time.Second {
		t.Errorf("DialTimeout = %v, want 10s", cfg.DialTimeout)
	}
	if cfg.JobBuffer != 100 {
		t.Errorf("JobBuffer = %d, want 100", cfg.JobBuffer)
	}
	if cfg.PoolURL != miner.DefaultPool("whive") {
		t.Errorf("PoolURL = %q, want whive default", cfg.PoolURL)
	}
	if !cfg.CombineOutput {
		t.Error("CombineOutput should default to true")
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "MINER_TYPE=bitcoin\nWORKER_NAME=rig7\nKAFKA_BROKERS=k1:9092, k2:9092\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv never overrides variables that are already set, so clear them;
	// t.Setenv restores the originals on cleanup.
	t.Setenv("MINER_TYPE", "")
	t.Setenv("WORKER_NAME", "")
	t.Setenv("KAFKA_BROKERS", "")
	os.Unsetenv("MINER_TYPE")
	os.Unsetenv("WORKER_NAME")
	os.Unsetenv("KAFKA_BROKERS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MinerType != "bitcoin" {
		t.Errorf("MinerType = %q, want bitcoin", cfg.MinerType)
	}
	if cfg.PoolURL != miner.DefaultPool("bitcoin") {
		t.Errorf("PoolURL = %q, want bitcoin default", cfg.PoolURL)
	}
	if want := []string{"k1:9092", "k2:9092"}; !reflect.DeepEqual(cfg.KafkaBrokers, want) {
		t.Errorf("KafkaBrokers = %v, want %v", cfg.KafkaBrokers, want)
	}
	if cfg.WorkerName != "rig7" {
		t.Errorf("WorkerName = %q, want rig7", cfg.WorkerName)
	}
}

func TestConfig_Worker(t *testing.T) {
	cfg := &Config{MinerAddress: "WhiveAddr", WorkerName: "w1"}
	if got := cfg.Worker(); got != "WhiveAddr.w1" {
		t.Errorf("Worker() = %q, want WhiveAddr.w1", got)
	}

	cfg.MinerAddress = ""
	if got := cfg.Worker(); got != "w1" {
		t.Errorf("Worker() = %q, want w1", got)
	}
}

func TestConfig_Stores(t *testing.T) {
	cfg := &Config{
		PostgresURL:  "postgres://localhost/gominer",
		RedisURL:     "none",
		InfluxURL:    "http://localhost:8086",
		InfluxToken:  "tok",
		InfluxOrg:    "org",
		InfluxBucket: "mining",
	}
	urls := cfg.Stores()
	if urls.Postgres != cfg.PostgresURL || urls.Redis != "none" || urls.InfluxBucket != "mining" || urls.InfluxToken != "tok" {
		t.Errorf("Stores() = %+v", urls)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "notanumber")
	if got := getEnvInt("TEST_INT", 7); got != 7 {
		t.Errorf("getEnvInt fallback = %d, want 7", got)
	}

	t.Setenv("TEST_BOOL", "false")
	if getEnvBool("TEST_BOOL", true) {
		t.Error("getEnvBool should parse false")
	}

	t.Setenv("TEST_DURATION", "250ms")
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("getEnvDuration = %v, want 250ms", got)
	}

	t.Setenv("TEST_SLICE", "a,,b ,")
	if got := getEnvSlice("TEST_SLICE", nil); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("getEnvSlice = %v, want [a b]", got)
	}
}
