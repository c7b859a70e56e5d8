package core

import (
	"crypto/sha256"
	"encoding/binary"

	"LoanLedger/internal/event"
)

const GenesisHashSeed = "LoanLedger:genesis:v1"

// StateHasher chains a SHA-256 hash over every emitted event so the event
// log can be audited for gaps and tampering.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a persisted tip.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// EventDigest is the canonical byte form of an envelope for hashing:
// type, pool, loan id, timestamp and payload.
func EventDigest(env *event.EventEnvelope) []byte {
	digest := make([]byte, 0, 4+16+8+8+len(env.Payload))
	digest = binary.LittleEndian.AppendUint32(digest, uint32(env.EventType))
	digest = append(digest, env.PoolID[:]...)
	digest = binary.LittleEndian.AppendUint64(digest, env.LoanID)
	digest = binary.LittleEndian.AppendUint64(digest, uint64(env.Timestamp.UnixNano()))
	digest = append(digest, env.Payload...)
	return digest
}

// VerifyChain recomputes the hash chain over envelopes starting from prev and
// returns the index of the first mismatch, or -1.
func VerifyChain(prev [32]byte, envs []*event.EventEnvelope) int {
	h := &StateHasher{prevHash: prev}
	for i, env := range envs {
		if env.PrevHash != h.GetPrevHash() {
			return i
		}
		if h.ComputeHash(env.Sequence, EventDigest(env)) != env.StateHash {
			return i
		}
	}
	return -1
}
