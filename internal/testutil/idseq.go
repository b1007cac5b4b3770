package testutil

import (
	"fmt"
	"sync"
)

// TxIDSequence hands out deterministic transaction ids for tests, replacing
// the coordinator's random uuids so assertions and logs stay stable across
// runs.
//
// Thread-safe; a Reset lets the same scenario replay with identical ids.
type TxIDSequence struct {
	mu     sync.Mutex
	prefix string
	seq    int64
}

// NewTxIDSequence creates a sequence yielding "<prefix>-1", "<prefix>-2", ...
func NewTxIDSequence(prefix string) *TxIDSequence {
	if prefix == "" {
		prefix = "tx"
	}
	return &TxIDSequence{prefix: prefix}
}

// Next returns the next id in the sequence.
func (s *TxIDSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("%s-%d", s.prefix, s.seq)
}

// Count reports how many ids have been handed out.
func (s *TxIDSequence) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Reset rewinds the sequence so the next call to Next returns "<prefix>-1".
func (s *TxIDSequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
}
