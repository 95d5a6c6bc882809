package validation

import "time"

// Share is a candidate solution waiting to be relayed to a pool
type Share struct {
	ID          string    `json:"id"`
	Worker      string    `json:"worker"`
	JobID       string    `json:"job_id"`
	ExtraNonce2 string    `json:"extranonce2"`
	NTime       string    `json:"ntime"`
	Nonce       string    `json:"nonce"`
	Difficulty  float64   `json:"difficulty"`
	SubmittedAt time.Time `json:"submitted_at"`
}
