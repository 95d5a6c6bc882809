package miner

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/bardlex/gominer/internal/process"
	"github.com/bardlex/gominer/internal/telemetry"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const btcAddr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

func whiveAddr() string {
	return base58.CheckEncode(make([]byte, 20), 0x49)
}

func TestProfileArgs(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    []string
	}{
		{
			name:    "whive defaults",
			profile: Profile{Type: "whive", Address: "WADDR", Worker: "w1", Threads: 2},
			want:    []string{"-a", "yespower", "-o", DefaultWhivePool, "-u", "WADDR.w1", "-t", "2"},
		},
		{
			name:    "bitcoin defaults",
			profile: Profile{Type: "bitcoin", Address: "ADDR", Worker: "waka", Threads: 1},
			want:    []string{"-a", "sha256d", "-o", DefaultBitcoinPool, "-u", "ADDR.waka", "-p", "x", "-t", "1"},
		},
		{
			name: "bitcoin quiet custom pool",
			profile: Profile{
				Type: "bitcoin", Address: "ADDR", Worker: "w", Threads: 4,
				Pool: "stratum+tcp://solo.ckpool.org:3333", Password: "d=1", Quiet: true,
			},
			want: []string{"-a", "sha256d", "-o", "stratum+tcp://solo.ckpool.org:3333", "-u", "ADDR.w", "-p", "d=1", "-t", "4", "-q"},
		},
		{
			name:    "unknown type has no algorithm",
			profile: Profile{Type: "other", Address: "ADDR", Threads: 0},
			want:    []string{"-o", DefaultWhivePool, "-u", "ADDR", "-t", "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.profile.Args(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Args() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProfileValidate(t *testing.T) {
	valid := Profile{Type: "bitcoin", Executable: "minerd", Address: btcAddr, Worker: "w1", Threads: 1}

	tests := []struct {
		name    string
		mutate  func(p *Profile)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Profile) {}},
		{name: "missing type", mutate: func(p *Profile) { p.Type = "" }, wantErr: true},
		{name: "missing executable", mutate: func(p *Profile) { p.Executable = "" }, wantErr: true},
		{name: "zero threads", mutate: func(p *Profile) { p.Threads = 0 }, wantErr: true},
		{name: "missing worker", mutate: func(p *Profile) { p.Worker = "" }, wantErr: true},
		{name: "bad pool", mutate: func(p *Profile) { p.Pool = "http://pool.com:80" }, wantErr: true},
		{name: "pool without port", mutate: func(p *Profile) { p.Pool = "stratum+tcp://pool.com" }, wantErr: true},
		{name: "bad address", mutate: func(p *Profile) { p.Address = "invalid_address" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPoolByName(t *testing.T) {
	if got := PoolByName("Ocean Pool"); got != "stratum+tcp://stratum.ocean.xyz:3000" {
		t.Errorf("PoolByName(Ocean Pool) = %q", got)
	}
	if got := PoolByName("nope"); got != DefaultBitcoinPool {
		t.Errorf("PoolByName(nope) = %q, want default", got)
	}
	names := PoolNames()
	if len(names) != len(KnownPools) || names[0] != "Antpool" {
		t.Errorf("PoolNames() = %v", names)
	}
}

func TestLauncherLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\n" +
		"echo \"args: $*\"\n" +
		"echo '[t] accepted: 1/1 (100.00%), 12 kH/s yes!'\n" +
		"exec sleep 30\n"
	if err := os.WriteFile(filepath.Join(bin, "minerd-linux"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &log.Recorder{}
	sup := process.NewSupervisor(rec, process.WithGracePeriod(time.Second))
	defer sup.Shutdown(context.Background())
	col := telemetry.NewCollector(rec)
	l := NewLauncher(sup, col, rec, dir)

	p := Profile{Type: "whive", Executable: "minerd", Address: whiveAddr(), Worker: "w1", Threads: 2}
	pid, err := l.Start(p)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if pid <= 0 {
		t.Errorf("Start() pid = %d", pid)
	}
	if !l.Running("whive") {
		t.Error("Running() = false after start")
	}

	if _, err := l.Start(p); !errors.IsType(err, errors.ErrorTypeProcess) {
		t.Errorf("second Start() error = %v, want process error", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, _ := col.GetStats("whive")
		if stats.AcceptedShares == 1 && stats.Hashrate == 12000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats not parsed: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := l.Stop("whive"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if l.Running("whive") {
		t.Error("Running() = true after stop")
	}
	if _, ok := col.GetStats("whive"); ok {
		t.Error("stats kept after stop")
	}
	if err := l.Stop("whive"); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if !rec.Has(component, "miner started") || !rec.Has(component, "miner stopped") {
		t.Error("missing launcher events")
	}
}

func TestLauncherMissingExecutable(t *testing.T) {
	sup := process.NewSupervisor(log.Discard)
	col := telemetry.NewCollector(log.Discard)
	l := NewLauncher(sup, col, log.Discard, t.TempDir())

	p := Profile{Type: "bitcoin", Executable: "minerd", Address: btcAddr, Worker: "w1", Threads: 1}
	if _, err := l.Start(p); !errors.IsNotFound(err) {
		t.Errorf("Start() error = %v, want not found", err)
	}
}
