package validation

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/pkg/errors"
)

// ShareValidator checks share fields against the job they reference before
// they are submitted. Proof of work is left to the pool.
type ShareValidator struct {
	minDifficulty float64
	maxTimeSkew   time.Duration
}

// NewShareValidator creates a validator. Shares whose ntime is further than
// maxTimeSkew from the job's ntime are rejected.
func NewShareValidator(minDiff float64, maxTimeSkew time.Duration) *ShareValidator {
	return &ShareValidator{
		minDifficulty: minDiff,
		maxTimeSkew:   maxTimeSkew,
	}
}

// Validate checks share against job. extraNonce2Size is the byte length the
// pool assigned in its subscribe response.
func (v *ShareValidator) Validate(share *Share, job *stratum.Job, extraNonce2Size int) error {
	if err := v.validateBasicFields(share, extraNonce2Size); err != nil {
		return invalid(share, "basic validation failed", err)
	}

	if err := v.validateJob(share, job); err != nil {
		return invalid(share, "job validation failed", err)
	}

	if err := v.validateTime(share, job); err != nil {
		return invalid(share, "time validation failed", err)
	}

	if share.Difficulty < v.minDifficulty {
		return invalid(share, "difficulty validation failed",
			fmt.Errorf("difficulty too low: %f < %f", share.Difficulty, v.minDifficulty))
	}

	return nil
}

func invalid(share *Share, message string, err error) error {
	return errors.Wrap(err, errors.ErrorTypeValidation, "validate_share", message).
		WithContext("job_id", share.JobID).
		WithContext("worker", share.Worker)
}

// validateBasicFields checks that all required fields are present and well formed
func (v *ShareValidator) validateBasicFields(share *Share, extraNonce2Size int) error {
	if share.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if share.Worker == "" {
		return fmt.Errorf("worker name is required")
	}

	if !isHexOfLen(share.ExtraNonce2, extraNonce2Size) {
		return fmt.Errorf("extranonce2 must be %d bytes of hex", extraNonce2Size)
	}

	if !isHexOfLen(share.NTime, 4) {
		return fmt.Errorf("ntime must be 4 bytes of hex")
	}

	if !isHexOfLen(share.Nonce, 4) {
		return fmt.Errorf("nonce must be 4 bytes of hex")
	}

	return nil
}

// validateJob checks that the share references the given job
func (v *ShareValidator) validateJob(share *Share, job *stratum.Job) error {
	if job == nil {
		return fmt.Errorf("job not found")
	}

	if share.JobID != job.JobID {
		return fmt.Errorf("job ID mismatch: %s != %s", share.JobID, job.JobID)
	}

	return nil
}

// validateTime checks the share's ntime against the job's ntime
func (v *ShareValidator) validateTime(share *Share, job *stratum.Job) error {
	shareTime, err := strconv.ParseUint(share.NTime, 16, 32)
	if err != nil {
		return fmt.Errorf("invalid ntime format: %w", err)
	}

	jobTime, err := strconv.ParseUint(job.NTime, 16, 32)
	if err != nil {
		return fmt.Errorf("invalid job ntime format: %w", err)
	}

	skew := time.Duration(int64(shareTime)-int64(jobTime)) * time.Second
	if skew < 0 {
		return fmt.Errorf("share time before job time")
	}
	if skew > v.maxTimeSkew {
		return fmt.Errorf("share time too far in future")
	}

	return nil
}

// TargetForDifficulty converts a pool difficulty to a 256-bit target.
// Fractional difficulties are supported; non-positive ones yield the
// difficulty-1 target.
func TargetForDifficulty(difficulty float64) *big.Int {
	maxTarget := new(big.Int)
	maxTarget.SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)

	if difficulty <= 0 {
		return maxTarget
	}

	target, _ := new(big.Float).Quo(new(big.Float).SetInt(maxTarget), big.NewFloat(difficulty)).Int(nil)
	return target
}

// isHexOfLen reports whether s is valid hex encoding exactly n bytes
func isHexOfLen(s string, n int) bool {
	if len(s) != n*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
