package postgres

import (
	"time"
)

// Share submission statuses
const (
	ShareAccepted = "accepted"
	ShareRejected = "rejected"
	ShareInvalid  = "invalid"
)

// ProcessEvent is one lifecycle transition of a supervised process
type ProcessEvent struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	PID        int       `db:"pid"`
	State      string    `db:"state"`
	Reason     string    `db:"reason"`
	OccurredAt time.Time `db:"occurred_at"`
}

// ShareSubmission is one share sent to the pool, or refused before sending
type ShareSubmission struct {
	ID          int64     `db:"id"`
	Worker      string    `db:"worker"`
	JobID       string    `db:"job_id"`
	ExtraNonce2 string    `db:"extra_nonce2"`
	NTime       string    `db:"ntime"`
	Nonce       string    `db:"nonce"`
	Difficulty  float64   `db:"difficulty"`
	Status      string    `db:"status"`
	Reason      string    `db:"reason"`
	SubmittedAt time.Time `db:"submitted_at"`
}

// FoundBlock is a solo-mined block handed to the node
type FoundBlock struct {
	ID       int64     `db:"id"`
	Height   int64     `db:"height"`
	Hash     string    `db:"hash"`
	JobID    string    `db:"job_id"`
	Accepted bool      `db:"accepted"`
	Reason   string    `db:"reason"`
	FoundAt  time.Time `db:"found_at"`
}

// ShareCounts aggregates submissions by status
type ShareCounts struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Invalid  int64 `json:"invalid"`
}

// Total returns the number of submissions counted
func (c ShareCounts) Total() int64 {
	return c.Accepted + c.Rejected + c.Invalid
}

func (c *ShareCounts) add(status string, n int64) {
	switch status {
	case ShareAccepted:
		c.Accepted += n
	case ShareRejected:
		c.Rejected += n
	default:
		c.Invalid += n
	}
}
