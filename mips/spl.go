package mips

import (
	"sync"
	"sync/atomic"
)

// Spl is an interrupt priority level.
type Spl int

// Interrupt priority levels. The VM system only distinguishes between
// interrupts enabled and all interrupts masked.
const (
	SplLow Spl = iota
	SplHighest
)

// Interrupts is the interrupt mask of the single processor.
//
// Masking interrupts is the only mutual exclusion the VM system relies on.
// It is held by at most one caller at a time, for short and non-blocking
// operations only. Masked sections do not nest: code that runs inside one
// calls AssertMasked instead of raising the level again.
type Interrupts struct {
	mu     sync.Mutex
	masked atomic.Bool
}

// NewInterrupts returns an interrupt mask with interrupts enabled.
func NewInterrupts() *Interrupts {
	return &Interrupts{}
}

// SplHigh masks all interrupts and returns the previous level.
func (it *Interrupts) SplHigh() Spl {
	it.mu.Lock()
	it.masked.Store(true)

	return SplLow
}

// Splx restores the interrupt level returned by SplHigh.
func (it *Interrupts) Splx(old Spl) {
	if old != SplLow {
		return
	}

	if !it.masked.Load() {
		panic("splx without a matching splhigh")
	}

	it.masked.Store(false)
	it.mu.Unlock()
}

// Masked tells if interrupts are currently masked.
func (it *Interrupts) Masked() bool {
	return it.masked.Load()
}

// AssertMasked panics if interrupts are enabled.
func (it *Interrupts) AssertMasked() {
	if !it.masked.Load() {
		panic("interrupts must be masked")
	}
}
