package influx

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/process"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/telemetry"
)

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestMinerStatsPoint(t *testing.T) {
	at := time.Unix(1700000000, 0)
	p := MinerStatsPoint(telemetry.MinerWhive, "addr.rig1", telemetry.MiningStats{
		Hashrate:       1234.5,
		AcceptedShares: 10,
		RejectedShares: 2,
		Uptime:         90 * time.Second,
	}, at)

	if p.Name() != MeasurementMiner {
		t.Errorf("Name() = %q, want %q", p.Name(), MeasurementMiner)
	}
	if !p.Time().Equal(at) {
		t.Errorf("Time() = %v, want %v", p.Time(), at)
	}

	tg := tags(p)
	if tg["miner_type"] != "whive" || tg["worker"] != "addr.rig1" {
		t.Errorf("tags = %v", tg)
	}

	f := fields(p)
	if f["hashrate"] != 1234.5 {
		t.Errorf("hashrate = %v", f["hashrate"])
	}
	if f["accepted_shares"] != int64(10) || f["rejected_shares"] != int64(2) {
		t.Errorf("shares = %v/%v", f["accepted_shares"], f["rejected_shares"])
	}
	if f["uptime_seconds"] != 90.0 {
		t.Errorf("uptime_seconds = %v", f["uptime_seconds"])
	}
}

func TestSharePoint(t *testing.T) {
	p := SharePoint("addr.rig1", "1f", 16, "rejected", time.Now())

	if p.Name() != MeasurementShares {
		t.Errorf("Name() = %q", p.Name())
	}
	if tg := tags(p); tg["status"] != "rejected" || tg["worker"] != "addr.rig1" {
		t.Errorf("tags = %v", tg)
	}
	f := fields(p)
	if f["job_id"] != "1f" || f["difficulty"] != 16.0 {
		t.Errorf("fields = %v", f)
	}
}

func TestProcessEventPoint(t *testing.T) {
	at := time.Unix(1700000100, 0)
	p := ProcessEventPoint(process.Event{
		Name:   "whive_miner",
		PID:    4242,
		State:  process.StateFailed,
		Reason: "exit status 1",
		At:     at,
	})

	if p.Name() != MeasurementProcess {
		t.Errorf("Name() = %q", p.Name())
	}
	if !p.Time().Equal(at) {
		t.Errorf("Time() = %v, want %v", p.Time(), at)
	}
	if tg := tags(p); tg["name"] != "whive_miner" || tg["state"] != "failed" {
		t.Errorf("tags = %v", tg)
	}
	if f := fields(p); f["reason"] != "exit status 1" {
		t.Errorf("reason = %v", f["reason"])
	}
}

func TestSessionPoint(t *testing.T) {
	p := SessionPoint(stratum.Session{
		PoolURL:         "stratum+tcp://pool:3333",
		WorkerName:      "addr.rig1",
		Connected:       true,
		Difficulty:      8,
		ConfirmedShares: 3,
		Latency:         25 * time.Millisecond,
	}, time.Now())

	if tg := tags(p); tg["connected"] != "true" || tg["pool"] != "stratum+tcp://pool:3333" {
		t.Errorf("tags = %v", tg)
	}
	f := fields(p)
	if f["latency_ms"] != 25.0 {
		t.Errorf("latency_ms = %v", f["latency_ms"])
	}
	if f["confirmed_shares"] != int64(3) {
		t.Errorf("confirmed_shares = %v", f["confirmed_shares"])
	}
}

func TestHashrateHistoryQuery(t *testing.T) {
	q := HashrateHistoryQuery("mining", "xmrig", time.Hour)

	for _, want := range []string{`from(bucket: "mining")`, "range(start: -1h0m0s)", `r.miner_type == "xmrig"`, MeasurementMiner} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}
}

func TestShareStatsAdd(t *testing.T) {
	var s ShareStats
	s.add("accepted", 3)
	s.add("rejected", 1)

	if s.TotalShares != 4 || s.AcceptedShares != 3 || s.RejectedShares != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.AcceptPercent != 75 {
		t.Errorf("AcceptPercent = %v, want 75", s.AcceptPercent)
	}
}
