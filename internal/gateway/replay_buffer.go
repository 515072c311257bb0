package gateway

import (
	"encoding/json"
	"sync"
)

// replayDepth is how many envelopes per channel stay available to /api/missed.
const replayDepth = 500

type replaySlot struct {
	seq int64
	env json.RawMessage
}

// ReplayBuffer is a ring of a channel's most recent envelopes addressed by
// channel_seq: envelope n lives in slot n % size. A slot whose stored seq no
// longer matches has been overwritten.
type ReplayBuffer struct {
	mu     sync.RWMutex
	slots  []replaySlot
	newest int64
	count  int
}

func NewReplayBuffer(size int) *ReplayBuffer {
	if size <= 0 {
		size = replayDepth
	}
	return &ReplayBuffer{slots: make([]replaySlot, size)}
}

// Push stores env under seq. Seqs must be positive and increasing; env is
// shared with readers and must not be modified afterwards.
func (rb *ReplayBuffer) Push(seq int64, env []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.slots[seq%int64(len(rb.slots))] = replaySlot{seq: seq, env: env}
	rb.newest = seq
	if rb.count < len(rb.slots) {
		rb.count++
	}
}

// Range returns the retained envelopes with from ≤ seq ≤ to, oldest first.
func (rb *ReplayBuffer) Range(from, to int64) []json.RawMessage {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	size := int64(len(rb.slots))
	from = max(from, rb.newest-size+1, 1)
	to = min(to, rb.newest)
	var out []json.RawMessage
	for seq := from; seq <= to; seq++ {
		if s := rb.slots[seq%size]; s.seq == seq {
			out = append(out, s.env)
		}
	}
	return out
}

func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
