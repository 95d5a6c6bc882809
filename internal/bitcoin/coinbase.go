// Package bitcoin talks to a Bitcoin Core node for solo mining: it fetches
// block templates, turns them into Stratum jobs, reassembles solved blocks
// and submits them. Block notifications arrive over ZMQ.
package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DefaultCoinbaseTag is pushed into every coinbase script after the height
const DefaultCoinbaseTag = "/gominer/"

// maxCoinbaseScript is the consensus limit for a coinbase signature script
const maxCoinbaseScript = 100

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() < 4*1024*1024 {
		bufferPool.Put(buf)
	}
}

// CoinbaseParams describes the coinbase a job pays out through
type CoinbaseParams struct {
	Height            int64
	Value             int64
	PayoutAddress     string
	Tag               string
	ExtraNonceSize    int // extranonce1 + extranonce2 bytes
	WitnessCommitment string
	ChainParams       *chaincfg.Params
}

// Coinbase is a coinbase transaction split around its extranonce
type Coinbase struct {
	Tx     *wire.MsgTx
	Coinb1 string
	Coinb2 string
}

// CreateCoinbase builds a BIP 34 coinbase paying p.Value to p.PayoutAddress
// and splits its serialization at the extranonce placeholder.
func CreateCoinbase(p CoinbaseParams) (*Coinbase, error) {
	if p.ChainParams == nil {
		p.ChainParams = &chaincfg.MainNetParams
	}
	if p.Tag == "" {
		p.Tag = DefaultCoinbaseTag
	}
	if p.ExtraNonceSize <= 0 {
		return nil, fmt.Errorf("extranonce size must be positive, got %d", p.ExtraNonceSize)
	}

	prefix, err := txscript.NewScriptBuilder().
		AddInt64(p.Height).
		AddData([]byte(p.Tag)).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to create height script: %w", err)
	}

	script := make([]byte, len(prefix)+p.ExtraNonceSize)
	copy(script, prefix)
	if len(script) > maxCoinbaseScript {
		return nil, fmt.Errorf("coinbase script is %d bytes, limit is %d", len(script), maxCoinbaseScript)
	}

	addr, err := btcutil.DecodeAddress(p.PayoutAddress, p.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payout address: %w", err)
	}
	if !addr.IsForNet(p.ChainParams) {
		return nil, fmt.Errorf("payout address %s is not for %s", p.PayoutAddress, p.ChainParams.Name)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  script,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(p.Value, pkScript))

	if p.WitnessCommitment != "" {
		commitment, err := hex.DecodeString(p.WitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("invalid witness commitment: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(0, commitment))
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := tx.SerializeNoWitness(buf); err != nil {
		return nil, fmt.Errorf("failed to serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version | input count | outpoint | script length | script ...
	scriptStart := 4 + wire.VarIntSerializeSize(1) + chainhash.HashSize + 4 +
		wire.VarIntSerializeSize(uint64(len(script)))
	split := scriptStart + len(prefix)

	return &Coinbase{
		Tx:     tx,
		Coinb1: hex.EncodeToString(raw[:split]),
		Coinb2: hex.EncodeToString(raw[split+p.ExtraNonceSize:]),
	}, nil
}

// CoinbaseFromParts rebuilds the coinbase a miner hashed from the job halves
// and its extranonces.
func CoinbaseFromParts(coinb1, extraNonce1, extraNonce2, coinb2 string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(coinb1 + extraNonce1 + extraNonce2 + coinb2)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbase hex: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.DeserializeNoWitness(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize coinbase: %w", err)
	}
	return tx, nil
}
