package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/yawning/bloom"
)

// replayWindowSize bounds how far out of order a sequence number may arrive
// before ReplayWindow simply rejects it as too old to track. UKEY2 frames
// are strictly ordered per direction in this repository (no reordering
// medium sits beneath an EndpointChannel), so a small window only needs to
// absorb retransmission duplicates, not genuine reordering.
const replayWindowSize = 1024

// filterMLn2 sizes the backing bloom filter at 2^16 bits, comfortably above
// the window's entry count for the configured false-positive rate.
const filterMLn2 = 16

// ReplayWindow tracks which sequence numbers a Signcryptor has already
// accepted, rejecting duplicates. It is a companion to the high-water mark:
// seq <= highest-replayWindowSize is rejected outright as expired, and
// everything in between is tracked in two bloom-filter generations. The
// current generation rotates into the previous one whenever the high-water
// mark crosses a window boundary, so every in-window entry survives at
// least one rotation and the filters never saturate.
type ReplayWindow struct {
	mu      sync.Mutex
	highest uint64
	cur     *bloom.Filter
	prev    *bloom.Filter
}

// NewReplayWindow returns an empty window expecting the first accepted
// sequence number to be 0.
func NewReplayWindow() *ReplayWindow {
	return &ReplayWindow{cur: newFilter(), prev: newFilter()}
}

func newFilter() *bloom.Filter {
	f, err := bloom.New(rand.Reader, filterMLn2, 0.0001)
	if err != nil {
		// Parameters are compile-time constants; New can only fail on
		// invalid ones.
		panic(err)
	}
	return f
}

// Accept reports whether seq is new (and records it), or false if seq is a
// duplicate or has fallen outside the tracked window and must be treated as
// a replay (see ErrHandshakeReplay).
func (w *ReplayWindow) Accept(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq+replayWindowSize <= w.highest {
		return false
	}

	key := seqKey(seq)
	if w.prev.Test(key) {
		return false
	}
	if w.cur.TestAndSet(key) {
		return false
	}

	if seq > w.highest {
		w.highest = seq
		// Rotate generations on the window boundary. seq itself was just
		// recorded in cur, so the rotation carries it (and everything else
		// still in-window) into prev instead of losing it.
		if w.highest%replayWindowSize == 0 {
			w.prev = w.cur
			w.cur = newFilter()
		}
	}
	return true
}

func seqKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}
