// Package vm is the virtual memory system of the kernel. It turns TLB faults
// into frame allocations and TLB fills, manages the lifetime of address
// spaces, and duplicates them for fork.
package vm

import (
	"fmt"
	"log"
	"sort"

	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/coremap"
	"github.com/sarchlab/mipsvm/hooking"
	"github.com/sarchlab/mipsvm/mips"
	"github.com/sarchlab/mipsvm/pagetable"
)

// Hook positions of the VM system.
var (
	HookPosFault            = &hooking.HookPos{Name: "Fault"}
	HookPosTLBFill          = &hooking.HookPos{Name: "TLBFill"}
	HookPosTLBEvict         = &hooking.HookPos{Name: "TLBEvict"}
	HookPosAddrSpaceCopy    = &hooking.HookPos{Name: "AddrSpaceCopy"}
	HookPosAddrSpaceDestroy = &hooking.HookPos{Name: "AddrSpaceDestroy"}
)

// FaultEvent is the detail of HookPosFault.
type FaultEvent struct {
	AddrSpace addrspace.ID
	Type      mips.FaultType
	VAddr     uint32
	Segment   addrspace.SegmentKind
	PAddr     uint32
	Err       error
}

// TLBEvent is the detail of HookPosTLBFill and HookPosTLBEvict.
type TLBEvent struct {
	Slot int
	Hi   uint32
	Lo   uint32
}

// AddrSpaceEvent is the detail of the address space hooks.
type AddrSpaceEvent struct {
	AddrSpace addrspace.ID
	Parent    addrspace.ID
	NumPages  int
}

// TLBEntry is a snapshot of one TLB slot.
type TLBEntry struct {
	Slot  int    `json:"slot"`
	Hi    uint32 `json:"hi"`
	Lo    uint32 `json:"lo"`
	Valid bool   `json:"valid"`
	Dirty bool   `json:"dirty"`
}

// System is the physical memory manager of the machine. It is created once at
// boot and passed to everything that needs memory.
type System struct {
	hooking.HookableBase

	name       string
	ram        *mips.RAM
	tlb        mips.TLB
	interrupts *mips.Interrupts
	coremap    *coremap.Coremap
	idGen      addrspace.IDGenerator

	current *addrspace.AddrSpace
	spaces  map[addrspace.ID]*addrspace.AddrSpace
}

// Name returns the name of the system.
func (s *System) Name() string {
	return s.name
}

// RAM returns the physical memory.
func (s *System) RAM() *mips.RAM {
	return s.ram
}

// TLB returns the hardware TLB.
func (s *System) TLB() mips.TLB {
	return s.tlb
}

// Interrupts returns the interrupt mask.
func (s *System) Interrupts() *mips.Interrupts {
	return s.interrupts
}

// Coremap returns the frame table.
func (s *System) Coremap() *coremap.Coremap {
	return s.coremap
}

func (s *System) mask() func() {
	spl := s.interrupts.SplHigh()
	return func() { s.interrupts.Splx(spl) }
}

func idOf(as *addrspace.AddrSpace) addrspace.ID {
	if as == nil {
		return 0
	}

	return as.ID
}

func owner(as *addrspace.AddrSpace) coremap.Owner {
	return coremap.Owner(idOf(as))
}

// Bootstrap sets up the frame table. It must be called exactly once, before
// any allocation other than early kernel page stealing.
func (s *System) Bootstrap() {
	defer s.mask()()

	s.coremap.Bootstrap()
}

// AllocKPages returns the kseg0 address of n contiguous kernel pages.
func (s *System) AllocKPages(n int) (uint32, error) {
	defer s.mask()()

	return s.coremap.AllocKPages(owner(s.current), n)
}

// FreeKPages releases pages obtained from AllocKPages.
func (s *System) FreeKPages(kvaddr uint32) {
	defer s.mask()()

	s.coremap.FreeKPages(kvaddr)
}

// Current returns the address space of the running thread, or nil.
func (s *System) Current() *addrspace.AddrSpace {
	return s.current
}

// SetCurrent changes the address space of the running thread without
// touching the TLB.
func (s *System) SetCurrent(as *addrspace.AddrSpace) {
	defer s.mask()()

	s.current = as
}

// Switch makes as the current address space and activates it, as done on
// every context switch.
func (s *System) Switch(as *addrspace.AddrSpace) {
	defer s.mask()()

	s.current = as
	s.invalidateTLB()
}

// Activate invalidates every TLB entry so that as starts from a clean TLB.
func (s *System) Activate(as *addrspace.AddrSpace) {
	defer s.mask()()

	s.invalidateTLB()
}

func (s *System) invalidateTLB() {
	s.interrupts.AssertMasked()

	for i := 0; i < mips.NumTLB; i++ {
		s.tlb.Write(mips.TLBHiInvalid(i), mips.TLBLoInvalid(), i)
	}
}

func (s *System) invalidatePage(vpage uint32) {
	s.interrupts.AssertMasked()

	slot := s.tlb.Probe(vpage)
	if slot >= 0 {
		s.tlb.Write(mips.TLBHiInvalid(slot), mips.TLBLoInvalid(), slot)
	}
}

// CreateAddrSpace returns a new, empty address space.
func (s *System) CreateAddrSpace() *addrspace.AddrSpace {
	defer s.mask()()

	return s.createAddrSpace()
}

func (s *System) createAddrSpace() *addrspace.AddrSpace {
	as := addrspace.New(s.idGen.Generate())
	s.spaces[as.ID] = as

	return as
}

// DestroyAddrSpace releases every frame owned by as and forgets its layout.
// Destroying the current address space leaves no address space current.
func (s *System) DestroyAddrSpace(as *addrspace.AddrSpace) {
	if as == nil {
		panic("destroying a nil address space")
	}

	defer s.mask()()

	s.destroyAddrSpace(as)
}

func (s *System) destroyAddrSpace(as *addrspace.AddrSpace) {
	released := s.coremap.ReleaseOwner(owner(as))
	as.PageTable.Reset()
	as.Regions = nil
	delete(s.spaces, as.ID)

	if s.current == as {
		s.current = nil
		s.invalidateTLB()
	}

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosAddrSpaceDestroy,
		Item:   as,
		Detail: AddrSpaceEvent{AddrSpace: as.ID, NumPages: released},
	})
}

// DefineRegion adds a region to as. See addrspace.AddrSpace.DefineRegion.
func (s *System) DefineRegion(
	as *addrspace.AddrSpace,
	vaddr, size uint32,
	readable, writeable, executable bool,
) error {
	defer s.mask()()

	return as.DefineRegion(vaddr, size, readable, writeable, executable)
}

// PrepareLoad opens the first region of as for writing by the loader.
func (s *System) PrepareLoad(as *addrspace.AddrSpace) error {
	defer s.mask()()

	return as.PrepareLoad()
}

// CompleteLoad restores the permissions of the first region. Translations
// installed while the region was open are dropped from the TLB so that they
// cannot be used to write it afterwards.
func (s *System) CompleteLoad(as *addrspace.AddrSpace) error {
	defer s.mask()()

	err := as.CompleteLoad()
	if err != nil {
		return err
	}

	if s.current == as {
		s.invalidateTLB()
	}

	return nil
}

// DefineStack returns the initial stack pointer of as.
func (s *System) DefineStack(as *addrspace.AddrSpace) uint32 {
	return as.DefineStack()
}

// ExtendHeap moves the break of as by delta bytes and returns the old break.
// Shrinking releases the frames of the pages that end up wholly above the
// new break.
func (s *System) ExtendHeap(as *addrspace.AddrSpace, delta int32) (uint32, error) {
	defer s.mask()()

	old, err := as.ExtendHeap(delta)
	if err != nil {
		return 0, err
	}

	if delta < 0 {
		s.releaseHeapPages(as, as.HeapEnd, old)
	}

	return old, nil
}

func (s *System) releaseHeapPages(as *addrspace.AddrSpace, from, to uint32) {
	first := (from + mips.PageMask) &^ mips.PageMask
	for page := first; page < to; page += mips.PageSize {
		pte := as.PageTable.Entry(page, false)
		if pte == nil || !pte.Present() {
			continue
		}

		s.coremap.FreeFrame(pte.Frame())
		pte.Clear()

		if s.current == as {
			s.invalidatePage(page)
		}
	}
}

// AddrSpaces returns the live address spaces ordered by ID.
func (s *System) AddrSpaces() []*addrspace.AddrSpace {
	defer s.mask()()

	spaces := make([]*addrspace.AddrSpace, 0, len(s.spaces))
	for _, as := range s.spaces {
		spaces = append(spaces, as)
	}

	sort.Slice(spaces, func(i, j int) bool {
		return spaces[i].ID < spaces[j].ID
	})

	return spaces
}

// AddrSpace returns the live address space with the given ID.
func (s *System) AddrSpace(id addrspace.ID) (*addrspace.AddrSpace, bool) {
	defer s.mask()()

	as, found := s.spaces[id]

	return as, found
}

// TLBEntries returns a snapshot of the TLB.
func (s *System) TLBEntries() []TLBEntry {
	defer s.mask()()

	entries := make([]TLBEntry, mips.NumTLB)
	for i := range entries {
		hi, lo := s.tlb.Read(i)
		entries[i] = TLBEntry{
			Slot:  i,
			Hi:    hi,
			Lo:    lo,
			Valid: lo&mips.TLBLoValid != 0,
			Dirty: lo&mips.TLBLoDirty != 0,
		}
	}

	return entries
}

// CheckInvariants verifies that every present page of every live address
// space is backed by a mapped frame owned by that address space, and that no
// frame backs two pages.
func (s *System) CheckInvariants() error {
	defer s.mask()()

	seen := make(map[uint32]addrspace.ID)
	for _, as := range s.spaces {
		var err error
		as.PageTable.Walk(func(vaddr uint32, pte *pagetable.PTE) {
			if err != nil {
				return
			}
			err = s.checkPage(as, vaddr, *pte, seen)
		})

		if err != nil {
			return err
		}
	}

	for _, e := range s.coremap.Entries() {
		if e.State != coremap.Mapped || !mips.IsUserAddr(e.VAddr) {
			continue
		}

		if _, found := seen[e.PAddr]; !found {
			return fmt.Errorf("frame %d is mapped but no page uses it", e.ID)
		}
	}

	return nil
}

func (s *System) checkPage(
	as *addrspace.AddrSpace,
	vaddr uint32,
	pte pagetable.PTE,
	seen map[uint32]addrspace.ID,
) error {
	frame := pte.Frame()

	if other, found := seen[frame]; found {
		return fmt.Errorf("frame 0x%08x used by address spaces %d and %d",
			frame, other, as.ID)
	}
	seen[frame] = as.ID

	e, found := s.coremap.Lookup(frame)
	if !found {
		return fmt.Errorf("page 0x%08x of %d maps unknown frame 0x%08x",
			vaddr, as.ID, frame)
	}

	if e.State != coremap.Mapped || e.Owner != owner(as) || e.VAddr != vaddr {
		return fmt.Errorf("page 0x%08x of %d maps frame %d (%s, owner %d, 0x%08x)",
			vaddr, as.ID, e.ID, e.State, e.Owner, e.VAddr)
	}

	return nil
}

func (s *System) mustHaveParent(parent *addrspace.AddrSpace) {
	if parent == nil {
		log.Panic("copying a nil address space")
	}
}
