package rmcpplus

import (
	"fmt"
)

// MaxSequenceWindow is the largest supported window; the bitmap is 64 bits
// wide and bit 0 tracks the highest sequence number itself.
const MaxSequenceWindow = 63

// DefaultSequenceWindow is the number of sequence numbers behind the highest
// received that are still accepted.
const DefaultSequenceWindow = 16

// SequenceWindow tracks inbound session sequence numbers. Bit i of the bitmap
// records whether highest-i was received. Check never mutates, so a packet
// that later fails integrity verification does not advance the window.
type SequenceWindow struct {
	size    uint32
	highest uint32
	bitmap  uint64
	started bool
}

// NewSequenceWindow returns an empty window accepting size numbers behind the
// highest. A size of zero only accepts strictly increasing numbers.
func NewSequenceWindow(size int) (*SequenceWindow, error) {
	if size < 0 || size > MaxSequenceWindow {
		return nil, fmt.Errorf("%w: sequence window %v outside 0..%v", ErrInvalidConfig, size, MaxSequenceWindow)
	}
	return &SequenceWindow{size: uint32(size)}, nil
}

// Size returns the configured window size.
func (w *SequenceWindow) Size() int {
	return int(w.size)
}

// Highest returns the highest sequence number committed so far.
func (w *SequenceWindow) Highest() uint32 {
	return w.highest
}

// Reset forgets all received numbers.
func (w *SequenceWindow) Reset() {
	w.highest = 0
	w.bitmap = 0
	w.started = false
}

// Check reports whether seq is acceptable without recording it.
func (w *SequenceWindow) Check(seq uint32) error {
	if seq == 0 {
		return fmt.Errorf("%w: sequence number 0 is never valid in a session", ErrOutOfWindow)
	}
	if !w.started {
		return nil
	}
	ahead := seq - w.highest
	if ahead != 0 && ahead < 1<<31 {
		return nil
	}
	back := w.highest - seq
	if back == 0 {
		return fmt.Errorf("%w: %v", ErrReplay, seq)
	}
	if back > w.size {
		return fmt.Errorf("%w: %v is %v behind %v", ErrOutOfWindow, seq, back, w.highest)
	}
	if w.bitmap&(1<<back) != 0 {
		return fmt.Errorf("%w: %v", ErrReplay, seq)
	}
	return nil
}

// Commit records seq as received. It must only be called after Check
// accepted seq and the packet carrying it was verified.
func (w *SequenceWindow) Commit(seq uint32) {
	if !w.started {
		w.started = true
		w.highest = seq
		w.bitmap = 1
		return
	}
	ahead := seq - w.highest
	if ahead != 0 && ahead < 1<<31 {
		if ahead >= 64 {
			w.bitmap = 0
		} else {
			w.bitmap <<= ahead
		}
		w.bitmap |= 1
		w.highest = seq
		return
	}
	back := w.highest - seq
	if back < 64 {
		w.bitmap |= 1 << back
	}
}

// Accept checks and commits seq in one step.
func (w *SequenceWindow) Accept(seq uint32) error {
	if err := w.Check(seq); err != nil {
		return err
	}
	w.Commit(seq)
	return nil
}
