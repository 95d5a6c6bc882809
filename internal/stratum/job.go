package stratum

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Job is a unit of work announced by mining.notify.
//
// A Job is shared between every consumer it is handed to and must not be
// modified after delivery. CleanJobs jobs are delivered like any other; the
// consumer decides whether to abandon work on older jobs.
type Job struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool

	ReceivedAt time.Time
}

// Branch returns a copy of the merkle branch in wire order
func (j *Job) Branch() []string {
	return append([]string(nil), j.MerkleBranch...)
}

// NotifyParams returns the job as a mining.notify parameter array
func (j *Job) NotifyParams() []any {
	branch := make([]any, len(j.MerkleBranch))
	for i, h := range j.MerkleBranch {
		branch[i] = h
	}
	return []any{j.JobID, j.PrevHash, j.Coinb1, j.Coinb2, branch, j.Version, j.NBits, j.NTime, j.CleanJobs}
}

// NewNotify wraps the job in a mining.notify notification
func NewNotify(j *Job) *Message {
	return NewNotification(MethodNotify, j.NotifyParams())
}

// CoinbaseHash assembles coinb1 || extranonce1 || extranonce2 || coinb2 and
// returns its double SHA-256.
func (j *Job) CoinbaseHash(extraNonce1, extraNonce2 string) (chainhash.Hash, error) {
	raw, err := hex.DecodeString(j.Coinb1 + extraNonce1 + extraNonce2 + j.Coinb2)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid coinbase hex: %w", err)
	}
	return chainhash.DoubleHashH(raw), nil
}

// MerkleRoot folds the branch into the coinbase hash, left to right.
// Branch entries are in serialized (internal) byte order.
func (j *Job) MerkleRoot(coinbase chainhash.Hash) (chainhash.Hash, error) {
	root := coinbase
	buf := make([]byte, 2*chainhash.HashSize)

	for i, h := range j.MerkleBranch {
		node, err := hex.DecodeString(h)
		if err != nil || len(node) != chainhash.HashSize {
			return chainhash.Hash{}, fmt.Errorf("merkle_branch[%d] is not a 32-byte hex hash", i)
		}
		copy(buf, root[:])
		copy(buf[chainhash.HashSize:], node)
		root = chainhash.DoubleHashH(buf)
	}

	return root, nil
}
