// Package telemetry turns miner console output into structured mining
// statistics. The line grammars are pure functions; the Collector owns the
// reader goroutines and the per-miner records.
package telemetry

import (
	"time"
)

// Miner type keys with dedicated power and earnings profiles
const (
	MinerWhive   = "whive"
	MinerBitcoin = "bitcoin"
	MinerXMRig   = "xmrig"
)

// BasePowerWatts is the assumed idle draw of the host
const BasePowerWatts = 50.0

// MiningStats is the live record for one miner type
type MiningStats struct {
	Hashrate          float64       `json:"hashrate"`
	AcceptedShares    uint64        `json:"accepted_shares"`
	RejectedShares    uint64        `json:"rejected_shares"`
	Temperature       float64       `json:"temperature"`
	PowerConsumption  float64       `json:"power_consumption"`
	Uptime            time.Duration `json:"uptime"`
	PoolDifficulty    float64       `json:"pool_difficulty"`
	EstimatedEarnings float64       `json:"estimated_earnings"`
	LastShareTime     *time.Time    `json:"last_share_time,omitempty"`
	TotalHashes       uint64        `json:"total_hashes"`
	ErrorCount        uint64        `json:"error_count"`
}

func (s MiningStats) clone() MiningStats {
	if s.LastShareTime != nil {
		t := *s.LastShareTime
		s.LastShareTime = &t
	}
	return s
}

// PowerEstimate returns the modelled wall power for a miner running on threads
func PowerEstimate(minerType string, threads int) float64 {
	var perThread float64
	switch minerType {
	case MinerWhive:
		perThread = 15
	case MinerBitcoin:
		perThread = 8
	default:
		perThread = 10
	}
	return BasePowerWatts + float64(max(threads, 0))*perThread
}

// DailyEarnings is a rough projection of coins per day from a hashrate in H/s.
// The constants are placeholders, not market data.
func DailyEarnings(minerType string, hashrate float64) float64 {
	switch minerType {
	case MinerWhive:
		return hashrate * 86400 / 1e6 * 0.001
	case MinerBitcoin:
		return hashrate * 86400 / 1e12 * 0.000001
	default:
		return 0
	}
}
