package bitcoin

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// hashSlicePool holds scratch levels for merkle tree construction
var hashSlicePool = sync.Pool{
	New: func() any {
		return make([]chainhash.Hash, 0, 4000)
	},
}

func getHashSlice() []chainhash.Hash {
	return hashSlicePool.Get().([]chainhash.Hash)[:0]
}

func putHashSlice(slice []chainhash.Hash) {
	if cap(slice) < 10000 {
		hashSlicePool.Put(slice)
	}
}

// diffOneTarget is the target of difficulty 1 (compact 0x1d00ffff)
var diffOneTarget = blockchain.CompactToBig(0x1d00ffff)

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [2 * chainhash.HashSize]byte
	copy(buf[:], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// nextLevel pairs up level, duplicating the last hash of an odd level
func nextLevel(level []chainhash.Hash) []chainhash.Hash {
	next := getHashSlice()
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(level[i], right))
	}
	return next
}

// CalculateMerkleRoot returns the merkle root of txHashes
func CalculateMerkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	switch len(txHashes) {
	case 0:
		return chainhash.Hash{}
	case 1:
		return txHashes[0]
	}

	level := append(getHashSlice(), txHashes...)
	for len(level) > 1 {
		next := nextLevel(level)
		putHashSlice(level)
		level = next
	}
	root := level[0]
	putHashSlice(level)
	return root
}

// MerkleBranch returns the authentication path for the first transaction
// (the coinbase). txHashes excludes the coinbase itself; the branch only
// depends on the transactions that follow it.
func MerkleBranch(txHashes []chainhash.Hash) []chainhash.Hash {
	if len(txHashes) == 0 {
		return nil
	}

	// Index 0 is a placeholder for the coinbase; it never enters the branch.
	level := append(getHashSlice(), chainhash.Hash{})
	level = append(level, txHashes...)

	var branch []chainhash.Hash
	for len(level) > 1 {
		branch = append(branch, level[1])
		next := nextLevel(level)
		putHashSlice(level)
		level = next
	}
	putHashSlice(level)
	return branch
}

// BranchHex encodes a merkle branch in serialized byte order, the form
// mining.notify carries.
func BranchHex(branch []chainhash.Hash) []string {
	out := make([]string, len(branch))
	for i, h := range branch {
		out[i] = hex.EncodeToString(h[:])
	}
	return out
}

// ParseHexUint32 parses an 8 character big-endian hex field such as
// nbits, ntime, version or nonce.
func ParseHexUint32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("invalid hex length: expected 8 characters, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return uint32(v), nil
}

// StratumPrevHash converts a display order block hash into the word
// swapped layout mining.notify uses for prevhash.
func StratumPrevHash(display string) (string, error) {
	if len(display) != 2*chainhash.HashSize {
		return "", fmt.Errorf("invalid block hash length %d", len(display))
	}
	if _, err := hex.DecodeString(display); err != nil {
		return "", fmt.Errorf("invalid block hash: %w", err)
	}

	var b strings.Builder
	b.Grow(len(display))
	for i := 7; i >= 0; i-- {
		b.WriteString(display[i*8 : i*8+8])
	}
	return b.String(), nil
}

// TargetFromBits expands a compact nbits field
func TargetFromBits(bits string) (*big.Int, error) {
	compact, err := ParseHexUint32(bits)
	if err != nil {
		return nil, fmt.Errorf("invalid bits: %w", err)
	}
	return blockchain.CompactToBig(compact), nil
}

// DifficultyFromBits returns the network difficulty encoded by nbits
func DifficultyFromBits(bits string) (float64, error) {
	target, err := TargetFromBits(bits)
	if err != nil {
		return 0, err
	}
	if target.Sign() <= 0 {
		return 0, fmt.Errorf("bits %s encode a non-positive target", bits)
	}
	d, _ := new(big.Float).Quo(new(big.Float).SetInt(diffOneTarget), new(big.Float).SetInt(target)).Float64()
	return d, nil
}

// HashMeetsTarget reports whether hash, read as a little-endian number, is
// at or below target.
func HashMeetsTarget(hash chainhash.Hash, target *big.Int) bool {
	return blockchain.HashToBig(&hash).Cmp(target) <= 0
}

// HeaderFields are the miner-chosen parts of a solved header
type HeaderFields struct {
	Version uint32
	NTime   uint32
	Nonce   uint32
}

// AssembleBlock builds a full block from its header fields, the coinbase
// and the remaining template transactions.
func AssembleBlock(prevHash chainhash.Hash, bits uint32, f HeaderFields, coinbase *wire.MsgTx, txs []*wire.MsgTx) *wire.MsgBlock {
	all := make([]*wire.MsgTx, 0, len(txs)+1)
	all = append(all, coinbase)
	all = append(all, txs...)

	hashes := getHashSlice()
	for _, tx := range all {
		hashes = append(hashes, tx.TxHash())
	}
	root := CalculateMerkleRoot(hashes)
	putHashSlice(hashes)

	return &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    int32(f.Version),
			PrevBlock:  prevHash,
			MerkleRoot: root,
			Timestamp:  time.Unix(int64(f.NTime), 0),
			Bits:       bits,
			Nonce:      f.Nonce,
		},
		Transactions: all,
	}
}

// SerializeBlock returns the block as submitblock hex
func SerializeBlock(block *wire.MsgBlock) (string, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	if err := block.Serialize(buf); err != nil {
		return "", fmt.Errorf("failed to serialize block: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
