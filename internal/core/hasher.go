package core

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"
)

const GenesisHashSeed = "PoolLedger:genesis:v1"

// StateHasher computes deterministic state hashes
type StateHasher struct {
	mu       sync.RWMutex
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: blake3.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash calculates state_hash[N] = BLAKE3(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	hash := chainHash(h.prevHash, sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// PeekHash computes the next hash without advancing the chain.
func (h *StateHasher) PeekHash(sequence int64, stateDigest []byte) [32]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return chainHash(h.prevHash, sequence, stateDigest)
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.prevHash
}

// SetPrevHash resets the chain tip, e.g. after a snapshot restore.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prevHash = hash
}

func chainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	hasher := blake3.New()

	// prev_hash (32 bytes)
	hasher.Write(prev[:])

	// sequence (8 bytes LE)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}
