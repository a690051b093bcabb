// Package coremap keeps track of every physical page frame of the machine and
// hands them out to the kernel and to user address spaces.
package coremap

import (
	"fmt"
	"log"

	"github.com/sarchlab/mipsvm/hooking"
	"github.com/sarchlab/mipsvm/mips"
	"github.com/sarchlab/mipsvm/vmerr"
)

// Owner identifies the address space that a frame belongs to. The coremap
// only records the relation; it never dereferences an owner.
type Owner uint64

// NoOwner is the owner of free frames and of frames allocated while no
// address space was active.
const NoOwner Owner = 0

// State is the allocation state of a frame.
type State int

// Frame states.
const (
	Free State = iota
	Fixed
	Mapped
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Fixed:
		return "fixed"
	case Mapped:
		return "mapped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FreeVAddr is the virtual address recorded for frames that are not in use.
const FreeVAddr uint32 = 0xdeadbeef

// EntrySize is the number of bytes one entry occupies in the table that is
// carved out of physical memory at boot.
const EntrySize = 24

// Entry is the metadata of one physical frame.
type Entry struct {
	ID        int
	Owner     Owner
	State     State
	PAddr     uint32
	VAddr     uint32
	RunLength int
	RunStart  int
}

// IsRunHead tells if the entry is the first frame of its run.
func (e Entry) IsRunHead() bool {
	return e.State != Free && e.RunStart == e.ID
}

// KVAddr returns the kseg0 address of the frame.
func (e Entry) KVAddr() uint32 {
	return mips.PaddrToKvaddr(e.PAddr)
}

// Stats summarizes the table.
type Stats struct {
	Total  int
	Free   int
	Fixed  int
	Mapped int
}

// Hook positions.
var (
	HookPosFrameAlloc = &hooking.HookPos{Name: "FrameAlloc"}
	HookPosFrameFree  = &hooking.HookPos{Name: "FrameFree"}
)

// FrameEvent is the detail of the frame hooks. It describes one run of
// frames that was claimed or released.
type FrameEvent struct {
	FirstFrame int
	NumFrames  int
	Owner      Owner
	VAddr      uint32
	PAddr      uint32
	Stolen     bool
}

// Coremap is the frame table together with the physical page allocator.
//
// Every method must be called with interrupts masked. The VM system masks
// interrupts at its entry points; the coremap only asserts.
type Coremap struct {
	hooking.HookableBase

	name       string
	ram        *mips.RAM
	interrupts *mips.Interrupts

	entries      []Entry
	bootstrapped bool
}

// Name returns the name of the coremap.
func (c *Coremap) Name() string {
	return c.name
}

// Bootstrap sizes the table from the memory that has not been stolen yet.
// The frames that hold the table itself are marked Fixed, the others Free.
func (c *Coremap) Bootstrap() {
	c.interrupts.AssertMasked()

	if c.bootstrapped {
		panic("coremap bootstrapped twice")
	}

	first, last := c.ram.GetSize()
	numFrames := int((last - first) / mips.PageSize)
	tablePages := (numFrames*EntrySize + mips.PageSize - 1) / mips.PageSize

	if tablePages >= numFrames {
		log.Panicf("not enough memory for the coremap: %d frames", numFrames)
	}

	c.entries = make([]Entry, numFrames)
	for i := range c.entries {
		e := &c.entries[i]
		e.ID = i
		e.RunStart = i
		e.PAddr = first + uint32(i)*mips.PageSize

		if i < tablePages {
			e.State = Fixed
			e.VAddr = e.KVAddr()
			e.RunLength = 1
		} else {
			e.State = Free
			e.VAddr = FreeVAddr
		}
	}

	c.bootstrapped = true
}

// Bootstrapped tells if Bootstrap has completed.
func (c *Coremap) Bootstrapped() bool {
	return c.bootstrapped
}

func (c *Coremap) mustBeBootstrapped() {
	if !c.bootstrapped {
		panic("coremap used before bootstrap")
	}
}

// AllocKPages claims n contiguous frames for kernel use and returns the kseg0
// address of the first one. Before Bootstrap the pages are stolen from RAM
// and can never be freed.
func (c *Coremap) AllocKPages(owner Owner, n int) (uint32, error) {
	c.interrupts.AssertMasked()

	if n <= 0 {
		return 0, fmt.Errorf("%w: cannot allocate %d pages",
			vmerr.ErrInvalidArgument, n)
	}

	if !c.bootstrapped {
		return c.steal(n)
	}

	var start int
	if n == 1 {
		start = c.firstFree()
	} else {
		start = c.findRun(n)
	}

	if start < 0 {
		return 0, fmt.Errorf("%w: no run of %d free frames",
			vmerr.ErrNoMemory, n)
	}

	for i := start; i < start+n; i++ {
		e := &c.entries[i]
		e.Owner = owner
		e.State = Mapped
		e.VAddr = e.KVAddr()
		e.RunLength = n
		e.RunStart = start
	}

	head := c.entries[start]
	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosFrameAlloc,
		Item:   head,
		Detail: FrameEvent{
			FirstFrame: start,
			NumFrames:  n,
			Owner:      owner,
			VAddr:      head.VAddr,
			PAddr:      head.PAddr,
		},
	})

	return head.KVAddr(), nil
}

func (c *Coremap) steal(n int) (uint32, error) {
	paddr := c.ram.StealMem(n)
	if paddr == 0 {
		return 0, fmt.Errorf("%w: cannot steal %d pages",
			vmerr.ErrNoMemory, n)
	}

	kvaddr := mips.PaddrToKvaddr(paddr)
	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosFrameAlloc,
		Detail: FrameEvent{
			FirstFrame: -1,
			NumFrames:  n,
			VAddr:      kvaddr,
			PAddr:      paddr,
			Stolen:     true,
		},
	})

	return kvaddr, nil
}

// FreeKPages releases the run of frames that starts at the kseg0 address
// kvaddr. Addresses that the table does not know, such as pages stolen
// before Bootstrap, are ignored. So are addresses that do not start a kernel
// run: the middle of a run, or the kseg0 alias of a user frame.
func (c *Coremap) FreeKPages(kvaddr uint32) {
	c.interrupts.AssertMasked()

	if !c.bootstrapped || kvaddr < mips.KSeg0 {
		return
	}

	i, ok := c.index(mips.KvaddrToPaddr(kvaddr))
	if !ok {
		return
	}

	e := c.entries[i]
	if e.State != Mapped || e.VAddr != kvaddr || !e.IsRunHead() {
		return
	}

	c.release(i, c.entries[i].RunLength)
}

// AllocUserPage claims one frame that backs the user page vaddr of owner and
// returns its physical address.
func (c *Coremap) AllocUserPage(owner Owner, vaddr uint32) (uint32, error) {
	c.interrupts.AssertMasked()
	c.mustBeBootstrapped()

	i := c.firstFree()
	if i < 0 {
		return 0, fmt.Errorf("%w: no free frame for page 0x%08x",
			vmerr.ErrNoMemory, vaddr)
	}

	e := &c.entries[i]
	e.Owner = owner
	e.State = Mapped
	e.VAddr = mips.PageAlign(vaddr)
	e.RunLength = 1
	e.RunStart = i

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosFrameAlloc,
		Item:   *e,
		Detail: FrameEvent{
			FirstFrame: i,
			NumFrames:  1,
			Owner:      owner,
			VAddr:      e.VAddr,
			PAddr:      e.PAddr,
		},
	})

	return e.PAddr, nil
}

// FreeFrame releases the single frame at paddr.
func (c *Coremap) FreeFrame(paddr uint32) {
	c.interrupts.AssertMasked()
	c.mustBeBootstrapped()

	i, ok := c.index(paddr)
	if !ok {
		log.Panicf("frame 0x%08x is not managed by the coremap", paddr)
	}

	if c.entries[i].State != Mapped {
		log.Panicf("frame 0x%08x is %s", paddr, c.entries[i].State)
	}

	c.release(i, 1)
}

// ReleaseOwner frees every user frame that belongs to owner and returns the
// number of frames released. Kernel pages are left to FreeKPages.
func (c *Coremap) ReleaseOwner(owner Owner) int {
	c.interrupts.AssertMasked()
	c.mustBeBootstrapped()

	if owner == NoOwner {
		return 0
	}

	released := 0
	for i := range c.entries {
		e := &c.entries[i]
		if e.State != Mapped || e.Owner != owner || !mips.IsUserAddr(e.VAddr) {
			continue
		}

		c.release(i, 1)
		released++
	}

	return released
}

func (c *Coremap) release(start, n int) {
	head := c.entries[start]

	for i := start; i < start+n && i < len(c.entries); i++ {
		e := &c.entries[i]
		if e.State == Fixed {
			log.Panicf("releasing fixed frame %d", i)
		}

		e.Owner = NoOwner
		e.State = Free
		e.VAddr = FreeVAddr
		e.RunLength = 0
		e.RunStart = i
	}

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosFrameFree,
		Item:   head,
		Detail: FrameEvent{
			FirstFrame: start,
			NumFrames:  n,
			Owner:      head.Owner,
			VAddr:      head.VAddr,
			PAddr:      head.PAddr,
		},
	})
}

func (c *Coremap) firstFree() int {
	for i := range c.entries {
		if c.entries[i].State == Free {
			return i
		}
	}

	return -1
}

// findRun returns the lowest index that starts n consecutive free frames.
func (c *Coremap) findRun(n int) int {
	run := 0
	for i := range c.entries {
		if c.entries[i].State != Free {
			run = 0
			continue
		}

		run++
		if run == n {
			return i - n + 1
		}
	}

	return -1
}

func (c *Coremap) index(paddr uint32) (int, bool) {
	if len(c.entries) == 0 || paddr < c.entries[0].PAddr {
		return 0, false
	}

	i := int((paddr - c.entries[0].PAddr) / mips.PageSize)
	if i >= len(c.entries) {
		return 0, false
	}

	return i, true
}

// Lookup returns the entry of the frame that contains paddr.
func (c *Coremap) Lookup(paddr uint32) (Entry, bool) {
	i, ok := c.index(paddr)
	if !ok {
		return Entry{}, false
	}

	return c.entries[i], true
}

// Entry returns a copy of the i-th entry.
func (c *Coremap) Entry(i int) Entry {
	return c.entries[i]
}

// NumFrames returns the number of frames in the table.
func (c *Coremap) NumFrames() int {
	return len(c.entries)
}

// Entries returns a copy of the whole table.
func (c *Coremap) Entries() []Entry {
	entries := make([]Entry, len(c.entries))
	copy(entries, c.entries)

	return entries
}

// Stats counts frames by state.
func (c *Coremap) Stats() Stats {
	s := Stats{Total: len(c.entries)}
	for _, e := range c.entries {
		switch e.State {
		case Free:
			s.Free++
		case Fixed:
			s.Fixed++
		case Mapped:
			s.Mapped++
		}
	}

	return s
}

// FramesOf returns the physical addresses of the user frames owned by owner.
func (c *Coremap) FramesOf(owner Owner) []uint32 {
	var frames []uint32
	for _, e := range c.entries {
		if e.State == Mapped && e.Owner == owner && mips.IsUserAddr(e.VAddr) {
			frames = append(frames, e.PAddr)
		}
	}

	return frames
}
