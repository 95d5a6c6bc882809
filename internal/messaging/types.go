package messaging

import (
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/process"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/telemetry"
)

// JobMessage is a unit of work published to hashers
type JobMessage struct {
	JobID           string    `json:"job_id"`
	Source          string    `json:"source"`
	PrevHash        string    `json:"prev_hash"`
	Coinb1          string    `json:"coinb1"`
	Coinb2          string    `json:"coinb2"`
	MerkleBranch    []string  `json:"merkle_branch"`
	Version         string    `json:"version"`
	NBits           string    `json:"nbits"`
	NTime           string    `json:"ntime"`
	CleanJobs       bool      `json:"clean_jobs"`
	BlockHeight     int64     `json:"block_height,omitempty"`
	Difficulty      float64   `json:"difficulty"`
	ExtraNonce1     string    `json:"extranonce1,omitempty"`
	ExtraNonce2Size int       `json:"extranonce2_size"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewJobMessage describes job as received from source
func NewJobMessage(job *stratum.Job, source string, difficulty float64) JobMessage {
	return JobMessage{
		JobID:        job.JobID,
		Source:       source,
		PrevHash:     job.PrevHash,
		Coinb1:       job.Coinb1,
		Coinb2:       job.Coinb2,
		MerkleBranch: job.Branch(),
		Version:      job.Version,
		NBits:        job.NBits,
		NTime:        job.NTime,
		CleanJobs:    job.CleanJobs,
		Difficulty:   difficulty,
		CreatedAt:    job.ReceivedAt,
	}
}

// NewSoloJobMessage describes work built from a block template
func NewSoloJobMessage(w *bitcoin.Work) JobMessage {
	m := NewJobMessage(w.Job, SourceSolo, w.Difficulty)
	m.BlockHeight = w.Height
	m.ExtraNonce2Size = bitcoin.DefaultExtraNonce2Size
	m.CreatedAt = w.CreatedAt
	return m
}

// Job rebuilds the Stratum job carried by m
func (m JobMessage) Job() *stratum.Job {
	return &stratum.Job{
		JobID:        m.JobID,
		PrevHash:     m.PrevHash,
		Coinb1:       m.Coinb1,
		Coinb2:       m.Coinb2,
		MerkleBranch: append([]string(nil), m.MerkleBranch...),
		Version:      m.Version,
		NBits:        m.NBits,
		NTime:        m.NTime,
		CleanJobs:    m.CleanJobs,
		ReceivedAt:   m.CreatedAt,
	}
}

// ShareResult reports what happened to a share
type ShareResult struct {
	ShareID     string    `json:"share_id"`
	JobID       string    `json:"job_id"`
	Worker      string    `json:"worker"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// SolutionMessage is a header solution for solo work
type SolutionMessage struct {
	JobID       string    `json:"job_id"`
	ExtraNonce1 string    `json:"extranonce1"`
	ExtraNonce2 string    `json:"extranonce2"`
	NTime       string    `json:"ntime"`
	Nonce       string    `json:"nonce"`
	FoundAt     time.Time `json:"found_at"`
}

// Solution converts m for the solo job manager
func (m SolutionMessage) Solution() bitcoin.Solution {
	return bitcoin.Solution{
		JobID:       m.JobID,
		ExtraNonce1: m.ExtraNonce1,
		ExtraNonce2: m.ExtraNonce2,
		NTime:       m.NTime,
		Nonce:       m.Nonce,
	}
}

// BlockResult reports a solution handed to the node
type BlockResult struct {
	JobID       string    `json:"job_id"`
	BlockHash   string    `json:"block_hash,omitempty"`
	Height      int64     `json:"height"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// MinerStatsMessage is a telemetry snapshot of one miner
type MinerStatsMessage struct {
	MinerType string                `json:"miner_type"`
	Worker    string                `json:"worker"`
	Host      string                `json:"host"`
	Stats     telemetry.MiningStats `json:"stats"`
	At        time.Time             `json:"at"`
}

// ProcessEventMessage is a lifecycle transition of a supervised process
type ProcessEventMessage struct {
	Name   string    `json:"name"`
	PID    int       `json:"pid"`
	State  string    `json:"state"`
	Reason string    `json:"reason,omitempty"`
	Host   string    `json:"host"`
	At     time.Time `json:"at"`
}

// NewProcessEventMessage converts a supervisor event
func NewProcessEventMessage(ev process.Event, host string) ProcessEventMessage {
	return ProcessEventMessage{
		Name:   ev.Name,
		PID:    ev.PID,
		State:  ev.State.String(),
		Reason: ev.Reason,
		Host:   host,
		At:     ev.At,
	}
}
