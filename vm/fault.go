package vm

import (
	"fmt"

	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/hooking"
	"github.com/sarchlab/mipsvm/mips"
	"github.com/sarchlab/mipsvm/vmerr"
)

// HandleFault services a TLB exception raised at vaddr. On success a
// translation for the page is in the TLB and the access can be retried. On
// failure the trap layer is expected to kill the faulting process.
func (s *System) HandleFault(faultType mips.FaultType, vaddr uint32) error {
	defer s.mask()()

	event := FaultEvent{
		AddrSpace: idOf(s.current),
		Type:      faultType,
		VAddr:     vaddr,
	}

	err := s.handleFault(faultType, mips.PageAlign(vaddr), &event)
	event.Err = err

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosFault,
		Item:   s.current,
		Detail: event,
	})

	return err
}

func (s *System) handleFault(
	faultType mips.FaultType,
	vpage uint32,
	event *FaultEvent,
) error {
	switch faultType {
	case mips.FaultReadOnly:
		return fmt.Errorf("%w: write to read-only page 0x%08x",
			vmerr.ErrPermission, vpage)
	case mips.FaultRead, mips.FaultWrite:
	default:
		return fmt.Errorf("%w: fault type %d",
			vmerr.ErrInvalidArgument, int(faultType))
	}

	as := s.current
	if as == nil {
		return fmt.Errorf("%w: no address space for fault at 0x%08x",
			vmerr.ErrBadAddress, vpage)
	}

	seg, found := as.Lookup(vpage)
	if !found {
		return fmt.Errorf("%w: 0x%08x is not mapped", vmerr.ErrBadAddress, vpage)
	}
	event.Segment = seg.Kind

	paddr, err := s.resolve(as, vpage)
	if err != nil {
		return err
	}
	event.PAddr = paddr

	s.install(vpage, paddr, seg.Perm)

	return nil
}

// Resolve returns the frame that backs the page of vaddr in as, allocating a
// zeroed frame if the page was never touched.
func (s *System) Resolve(as *addrspace.AddrSpace, vaddr uint32) (uint32, error) {
	defer s.mask()()

	return s.resolve(as, mips.PageAlign(vaddr))
}

func (s *System) resolve(as *addrspace.AddrSpace, vpage uint32) (uint32, error) {
	s.interrupts.AssertMasked()

	pte := as.PageTable.Entry(vpage, true)
	if pte.Present() {
		return pte.Frame(), nil
	}

	paddr, err := s.coremap.AllocUserPage(owner(as), vpage)
	if err != nil {
		return 0, err
	}

	clear(s.ram.Page(paddr))
	pte.Set(paddr)

	return paddr, nil
}

// install puts a translation into the TLB. Writable pages get the dirty bit,
// which is what lets the hardware accept stores. An existing entry for the
// page is replaced; otherwise the first invalid slot is used, and a random
// victim when the TLB is full.
func (s *System) install(vpage, paddr, perm uint32) {
	s.interrupts.AssertMasked()

	hi := vpage & mips.TLBHiVPage
	lo := paddr&mips.TLBLoPPage | mips.TLBLoValid
	if perm&mips.PFW != 0 {
		lo |= mips.TLBLoDirty
	}

	if slot := s.tlb.Probe(hi); slot >= 0 {
		s.fill(slot, hi, lo)
		return
	}

	for i := 0; i < mips.NumTLB; i++ {
		_, oldLo := s.tlb.Read(i)
		if oldLo&mips.TLBLoValid != 0 {
			continue
		}

		s.fill(i, hi, lo)

		return
	}

	slot := s.tlb.Random(hi, lo)
	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosTLBEvict,
		Detail: TLBEvent{Slot: slot, Hi: hi, Lo: lo},
	})
}

func (s *System) fill(slot int, hi, lo uint32) {
	s.tlb.Write(hi, lo, slot)
	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosTLBFill,
		Detail: TLBEvent{Slot: slot, Hi: hi, Lo: lo},
	})
}
