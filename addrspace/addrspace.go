// Package addrspace describes the layout of a user address space: the
// regions defined by the program loader, the user stack, and the heap.
package addrspace

import (
	"fmt"

	"github.com/sarchlab/mipsvm/mips"
	"github.com/sarchlab/mipsvm/pagetable"
	"github.com/sarchlab/mipsvm/vmerr"
)

// StackPages is the number of pages below UserStack that faults may grow
// the stack into.
const StackPages = 24

// StackBottom is the lowest address of the stack window.
const StackBottom = mips.UserStack - StackPages*mips.PageSize

// MaxBreakStep bounds how far a single heap extension may move the break,
// in either direction. The same distance below the stack top is reserved
// as a guard between heap and stack.
const MaxBreakStep = 96 * 1024

// SegmentKind tells which part of the address space an address belongs to.
type SegmentKind int

// Segment kinds, in the order they are searched.
const (
	SegmentRegion SegmentKind = iota
	SegmentStack
	SegmentHeap
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentRegion:
		return "region"
	case SegmentStack:
		return "stack"
	case SegmentHeap:
		return "heap"
	default:
		return fmt.Sprintf("segment(%d)", int(k))
	}
}

// Segment is the result of looking up an address.
type Segment struct {
	Kind   SegmentKind
	Region int
	Base   uint32
	End    uint32
	Perm   uint32
}

// AddrSpace is the virtual memory of one process.
type AddrSpace struct {
	ID        ID
	Regions   []Region
	HeapStart uint32
	HeapEnd   uint32
	SavedPerm uint32
	PageTable *pagetable.Table
}

// New creates an empty address space.
func New(id ID) *AddrSpace {
	return &AddrSpace{
		ID:        id,
		PageTable: pagetable.New(),
	}
}

// DefineRegion sets up a region that covers [vaddr, vaddr+size), extended
// to whole pages. The end of the second region starts the heap.
func (as *AddrSpace) DefineRegion(
	vaddr, size uint32,
	readable, writeable, executable bool,
) error {
	if size == 0 {
		return fmt.Errorf("%w: empty region at 0x%08x",
			vmerr.ErrBadAddress, vaddr)
	}

	span := uint64(size) + uint64(vaddr&mips.PageMask)
	vaddr = mips.PageAlign(vaddr)

	if uint64(vaddr)+span > uint64(mips.UserTop) {
		return fmt.Errorf("%w: region 0x%08x+0x%x",
			vmerr.ErrBadAddress, vaddr, span)
	}

	numPages := int((span + mips.PageMask) / mips.PageSize)

	var perm uint32
	if readable {
		perm |= mips.PFR
	}
	if writeable {
		perm |= mips.PFW
	}
	if executable {
		perm |= mips.PFX
	}

	region := Region{Base: vaddr, NumPages: numPages, Perm: perm}
	as.Regions = append(as.Regions, region)

	if len(as.Regions) == 2 {
		as.HeapStart = region.End()
		as.HeapEnd = as.HeapStart
	}

	return nil
}

// PrepareLoad opens the first region for reading and writing so that the
// loader can fill it in.
func (as *AddrSpace) PrepareLoad() error {
	if len(as.Regions) == 0 {
		return fmt.Errorf("%w: no region to load", vmerr.ErrInvalidArgument)
	}

	as.SavedPerm = as.Regions[0].Perm
	as.Regions[0].Perm |= mips.PFR | mips.PFW

	return nil
}

// CompleteLoad restores the permissions saved by PrepareLoad.
func (as *AddrSpace) CompleteLoad() error {
	if len(as.Regions) == 0 {
		return fmt.Errorf("%w: no region to load", vmerr.ErrInvalidArgument)
	}

	as.Regions[0].Perm = as.SavedPerm

	return nil
}

// DefineStack returns the initial user stack pointer. Stack pages are created
// by faults inside the stack window.
func (as *AddrSpace) DefineStack() uint32 {
	return mips.UserStack
}

// Lookup finds the segment that vaddr falls into. Regions are searched in
// definition order, then the stack window, then the heap. The first match
// wins.
func (as *AddrSpace) Lookup(vaddr uint32) (Segment, bool) {
	page := mips.PageAlign(vaddr)

	for i, r := range as.Regions {
		if r.Contains(page) {
			return Segment{
				Kind:   SegmentRegion,
				Region: i,
				Base:   r.Base,
				End:    r.End(),
				Perm:   r.Perm,
			}, true
		}
	}

	if page >= StackBottom && page < mips.UserStack {
		return Segment{
			Kind:   SegmentStack,
			Region: -1,
			Base:   StackBottom,
			End:    mips.UserStack,
			Perm:   mips.PFR | mips.PFW,
		}, true
	}

	if page >= as.HeapStart && page < as.HeapEnd {
		return Segment{
			Kind:   SegmentHeap,
			Region: -1,
			Base:   as.HeapStart,
			End:    as.HeapEnd,
			Perm:   mips.PFR | mips.PFW,
		}, true
	}

	return Segment{}, false
}

// NumStackPages counts the pages of the stack window that are backed by
// frames.
func (as *AddrSpace) NumStackPages() int {
	n := 0
	for page := StackBottom; page < mips.UserStack; page += mips.PageSize {
		if as.PageTable.Lookup(page).Present() {
			n++
		}
	}

	return n
}

// HasHeap tells if the heap bounds have been set.
func (as *AddrSpace) HasHeap() bool {
	return len(as.Regions) >= 2
}

// ExtendHeap moves the break by delta bytes and returns the previous break.
func (as *AddrSpace) ExtendHeap(delta int32) (uint32, error) {
	if !as.HasHeap() {
		return 0, fmt.Errorf("%w: heap is not set up", vmerr.ErrInvalidArgument)
	}

	if delta < -MaxBreakStep {
		return 0, fmt.Errorf("%w: break step %d", vmerr.ErrInvalidArgument, delta)
	}

	if delta > MaxBreakStep {
		return 0, fmt.Errorf("%w: break step %d", vmerr.ErrNoMemory, delta)
	}

	newEnd := int64(as.HeapEnd) + int64(delta)
	if newEnd < int64(as.HeapStart) {
		return 0, fmt.Errorf("%w: break below heap start 0x%08x",
			vmerr.ErrInvalidArgument, as.HeapStart)
	}

	if newEnd >= int64(mips.UserStack-MaxBreakStep) {
		return 0, fmt.Errorf("%w: break 0x%08x reaches the stack guard",
			vmerr.ErrNoMemory, newEnd)
	}

	old := as.HeapEnd
	as.HeapEnd = uint32(newEnd)

	return old, nil
}

// Clone copies the layout of as into a new address space with an empty page
// table.
func (as *AddrSpace) Clone(id ID) *AddrSpace {
	clone := New(id)
	clone.Regions = make([]Region, len(as.Regions))
	copy(clone.Regions, as.Regions)
	clone.HeapStart = as.HeapStart
	clone.HeapEnd = as.HeapEnd
	clone.SavedPerm = as.SavedPerm

	return clone
}
