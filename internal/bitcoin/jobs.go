package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/pkg/errors"
)

// Default extranonce layout handed to solo miners
const (
	DefaultExtraNonce1Size = 4
	DefaultExtraNonce2Size = 4
)

// Work is a Stratum job together with everything needed to turn a solved
// header back into a block.
type Work struct {
	Job        *stratum.Job
	Height     int64
	Target     *big.Int
	Difficulty float64
	CreatedAt  time.Time

	prevHash         chainhash.Hash
	bits             uint32
	txs              []*wire.MsgTx
	witnessCommitted bool
}

// Solution is a header a miner reports as solved
type Solution struct {
	JobID       string
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// Assemble rebuilds the block the solution commits to
func (w *Work) Assemble(s Solution) (*wire.MsgBlock, error) {
	coinbase, err := CoinbaseFromParts(w.Job.Coinb1, s.ExtraNonce1, s.ExtraNonce2, w.Job.Coinb2)
	if err != nil {
		return nil, err
	}
	if w.witnessCommitted {
		coinbase.TxIn[0].Witness = wire.TxWitness{make([]byte, chainhash.HashSize)}
	}

	version, err := ParseHexUint32(w.Job.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	ntime, err := ParseHexUint32(s.NTime)
	if err != nil {
		return nil, fmt.Errorf("invalid ntime: %w", err)
	}
	nonce, err := ParseHexUint32(s.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	return AssembleBlock(w.prevHash, w.bits, HeaderFields{Version: version, NTime: ntime, Nonce: nonce}, coinbase, w.txs), nil
}

// JobBuilder turns block templates into Stratum jobs paying one address
type JobBuilder struct {
	params         *chaincfg.Params
	payout         string
	tag            string
	extraNonceSize int
	counter        atomic.Uint64
	now            func() time.Time
}

// NewJobBuilder creates a builder that pays coinbase rewards to payout
func NewJobBuilder(params *chaincfg.Params, payout, tag string) *JobBuilder {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &JobBuilder{
		params:         params,
		payout:         payout,
		tag:            tag,
		extraNonceSize: DefaultExtraNonce1Size + DefaultExtraNonce2Size,
		now:            time.Now,
	}
}

// Build converts tmpl into a job. cleanJobs marks a job that replaces all
// earlier work, i.e. the first job on a new previous block.
func (b *JobBuilder) Build(tmpl *btcjson.GetBlockTemplateResult, cleanJobs bool) (*Work, error) {
	const op = "build_job"

	if tmpl == nil || tmpl.CoinbaseValue == nil {
		return nil, errors.New(errors.ErrorTypeBitcoin, op, "block template has no coinbase value")
	}

	prevHash, err := chainhash.NewHashFromStr(tmpl.PreviousHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, op, "invalid previous block hash").
			WithContext("height", tmpl.Height)
	}
	stratumPrev, err := StratumPrevHash(tmpl.PreviousHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, op, "invalid previous block hash")
	}
	bits, err := ParseHexUint32(tmpl.Bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, op, "invalid bits").
			WithContext("bits", tmpl.Bits)
	}
	target, err := TargetFromBits(tmpl.Bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, op, "invalid bits")
	}
	difficulty, err := DifficultyFromBits(tmpl.Bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, op, "invalid bits")
	}

	txs := make([]*wire.MsgTx, 0, len(tmpl.Transactions))
	hashes := make([]chainhash.Hash, 0, len(tmpl.Transactions))
	for i, t := range tmpl.Transactions {
		raw, err := hex.DecodeString(t.Data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, op, "invalid transaction data").
				WithContext("index", i)
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, op, "failed to deserialize transaction").
				WithContext("index", i)
		}
		txs = append(txs, tx)
		hashes = append(hashes, tx.TxHash())
	}

	cb, err := CreateCoinbase(CoinbaseParams{
		Height:            tmpl.Height,
		Value:             *tmpl.CoinbaseValue,
		PayoutAddress:     b.payout,
		Tag:               b.tag,
		ExtraNonceSize:    b.extraNonceSize,
		WitnessCommitment: tmpl.DefaultWitnessCommitment,
		ChainParams:       b.params,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, op, "failed to create coinbase").
			WithContext("height", tmpl.Height)
	}

	now := b.now()
	job := &stratum.Job{
		JobID:        strconv.FormatUint(b.counter.Add(1), 16),
		PrevHash:     stratumPrev,
		Coinb1:       cb.Coinb1,
		Coinb2:       cb.Coinb2,
		MerkleBranch: BranchHex(MerkleBranch(hashes)),
		Version:      fmt.Sprintf("%08x", uint32(tmpl.Version)),
		NBits:        tmpl.Bits,
		NTime:        fmt.Sprintf("%08x", uint32(tmpl.CurTime)),
		CleanJobs:    cleanJobs,
		ReceivedAt:   now,
	}

	return &Work{
		Job:              job,
		Height:           tmpl.Height,
		Target:           target,
		Difficulty:       difficulty,
		CreatedAt:        now,
		prevHash:         *prevHash,
		bits:             bits,
		txs:              txs,
		witnessCommitted: tmpl.DefaultWitnessCommitment != "",
	}, nil
}
