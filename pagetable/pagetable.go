// Package pagetable implements the two-level page table of a user address
// space. A virtual address splits into a 10 bit level-1 index, a 10 bit
// level-2 index and a 12 bit offset.
package pagetable

import "github.com/sarchlab/mipsvm/mips"

// Geometry of the table.
const (
	NumEntries = 1024

	L1Shift = 22
	L2Shift = mips.PageShift

	L1Mask uint32 = 0xffc00000
	L2Mask uint32 = 0x003ff000
)

// PresentBit marks a PTE that points to a frame.
const PresentBit uint32 = 0x1

// FlagMask selects the flag bits of a PTE.
const FlagMask uint32 = mips.PageMask

// PTE is a page table entry: the physical frame in the upper 20 bits and
// flags in the lower 12 bits. Zero means the page was never touched.
type PTE uint32

// Present tells if the entry points to a frame.
func (p PTE) Present() bool {
	return uint32(p)&PresentBit != 0
}

// Frame returns the physical address of the frame.
func (p PTE) Frame() uint32 {
	return uint32(p) & mips.PageFrame
}

// Flags returns the low 12 bits.
func (p PTE) Flags() uint32 {
	return uint32(p) & FlagMask
}

// Set points the entry to the frame at paddr and marks it present. Flags
// left over from a previous use of the entry are cleared.
func (p *PTE) Set(paddr uint32) {
	*p = PTE(paddr&mips.PageFrame | PresentBit)
}

// Clear makes the entry untouched again.
func (p *PTE) Clear() {
	*p = 0
}

// L2 is a second-level table, covering 4 MiB of address space.
type L2 [NumEntries]PTE

// Table is the root of a page table.
type Table struct {
	l1 [NumEntries]*L2
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// Index splits a virtual address into its level-1 and level-2 indices.
func Index(vaddr uint32) (l1, l2 int) {
	return int((vaddr & L1Mask) >> L1Shift), int((vaddr & L2Mask) >> L2Shift)
}

// VAddr rebuilds the page address from the two indices.
func VAddr(l1, l2 int) uint32 {
	return uint32(l1)<<L1Shift | uint32(l2)<<L2Shift
}

// Entry returns the PTE of vaddr. With create set, a missing second-level
// table is allocated zeroed; otherwise nil is returned for it.
func (t *Table) Entry(vaddr uint32, create bool) *PTE {
	i1, i2 := Index(vaddr)

	l2 := t.l1[i1]
	if l2 == nil {
		if !create {
			return nil
		}

		l2 = new(L2)
		t.l1[i1] = l2
	}

	return &l2[i2]
}

// Lookup returns the PTE of vaddr by value. Untouched pages yield zero.
func (t *Table) Lookup(vaddr uint32) PTE {
	pte := t.Entry(vaddr, false)
	if pte == nil {
		return 0
	}

	return *pte
}

// L2 returns the second-level table at a level-1 index, or nil.
func (t *Table) L2(l1 int) *L2 {
	return t.l1[l1]
}

// SetL2 installs a second-level table at a level-1 index.
func (t *Table) SetL2(l1 int, l2 *L2) {
	t.l1[l1] = l2
}

// Walk calls fn for every present entry in increasing address order.
func (t *Table) Walk(fn func(vaddr uint32, pte *PTE)) {
	for i1, l2 := range t.l1 {
		if l2 == nil {
			continue
		}

		for i2 := range l2 {
			if l2[i2].Present() {
				fn(VAddr(i1, i2), &l2[i2])
			}
		}
	}
}

// NumTables returns the number of second-level tables allocated.
func (t *Table) NumTables() int {
	n := 0
	for _, l2 := range t.l1 {
		if l2 != nil {
			n++
		}
	}

	return n
}

// NumPresent returns the number of present entries.
func (t *Table) NumPresent() int {
	n := 0
	t.Walk(func(uint32, *PTE) { n++ })

	return n
}

// Reset drops every second-level table.
func (t *Table) Reset() {
	for i := range t.l1 {
		t.l1[i] = nil
	}
}
