package mips

import (
	"fmt"
	"math/rand"
)

// TLB is the software-managed translation lookaside buffer. Software decides
// what goes into every slot; the hardware only looks entries up.
type TLB interface {
	// Read returns the high and low words stored in a slot.
	Read(slot int) (hi, lo uint32)

	// Write stores an entry into a slot.
	Write(hi, lo uint32, slot int)

	// Random stores an entry into a slot picked by the hardware random
	// register and returns the slot.
	Random(hi, lo uint32) int

	// Probe returns the slot whose virtual page matches hi, or -1.
	Probe(hi uint32) int
}

type tlbEntry struct {
	hi, lo uint32
}

// HardwareTLB is the TLB of the simulated processor.
type HardwareTLB struct {
	entries [NumTLB]tlbEntry
	rng     *rand.Rand
}

// NewTLB creates a TLB with every slot invalid. The seed drives the random
// replacement register.
func NewTLB(seed int64) *HardwareTLB {
	t := &HardwareTLB{
		rng: rand.New(rand.NewSource(seed)),
	}

	for i := range t.entries {
		t.entries[i] = tlbEntry{hi: TLBHiInvalid(i), lo: TLBLoInvalid()}
	}

	return t
}

func (t *HardwareTLB) slotMustBeValid(slot int) {
	if slot < 0 || slot >= NumTLB {
		panic(fmt.Sprintf("tlb slot %d out of range", slot))
	}
}

// Read returns the entry in a slot.
func (t *HardwareTLB) Read(slot int) (hi, lo uint32) {
	t.slotMustBeValid(slot)

	e := t.entries[slot]

	return e.hi, e.lo
}

// Write overwrites a slot.
func (t *HardwareTLB) Write(hi, lo uint32, slot int) {
	t.slotMustBeValid(slot)

	t.entries[slot] = tlbEntry{hi: hi, lo: lo}
}

// Random overwrites a pseudo-randomly selected slot.
func (t *HardwareTLB) Random(hi, lo uint32) int {
	slot := t.rng.Intn(NumTLB)
	t.entries[slot] = tlbEntry{hi: hi, lo: lo}

	return slot
}

// Probe looks for the slot that maps the virtual page of hi.
func (t *HardwareTLB) Probe(hi uint32) int {
	vpage := hi & TLBHiVPage
	for i, e := range t.entries {
		if e.hi&TLBHiVPage == vpage {
			return i
		}
	}

	return -1
}

// NumValid counts the slots that hold a valid translation.
func (t *HardwareTLB) NumValid() int {
	n := 0
	for _, e := range t.entries {
		if e.lo&TLBLoValid != 0 {
			n++
		}
	}

	return n
}
