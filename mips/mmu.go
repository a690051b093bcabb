package mips

import (
	"errors"
	"fmt"
)

// FaultType tells what kind of access caused a TLB exception.
type FaultType int

// The fault types raised by the MMU.
const (
	FaultRead FaultType = iota
	FaultWrite
	FaultReadOnly
)

func (t FaultType) String() string {
	switch t {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultReadOnly:
		return "readonly"
	default:
		return fmt.Sprintf("fault(%d)", int(t))
	}
}

// ErrAddressError is raised when a user access targets a kernel address.
var ErrAddressError = errors.New("address error")

// A Fault is the TLB exception raised by a translation.
type Fault struct {
	Type FaultType
	Addr uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("tlb %s fault at 0x%08x", f.Type, f.Addr)
}

// MMU translates user virtual addresses through the TLB.
type MMU struct {
	TLB TLB
}

// Translate returns the physical address of a user access. A TLB miss yields
// a read or write Fault, a write through an entry without the dirty bit
// yields a readonly Fault.
func (m *MMU) Translate(vaddr uint32, write bool) (uint32, error) {
	if !IsUserAddr(vaddr) {
		return 0, fmt.Errorf("%w: 0x%08x", ErrAddressError, vaddr)
	}

	slot := m.TLB.Probe(vaddr & TLBHiVPage)
	if slot < 0 {
		return 0, m.miss(vaddr, write)
	}

	_, lo := m.TLB.Read(slot)
	if lo&TLBLoValid == 0 {
		return 0, m.miss(vaddr, write)
	}

	if write && lo&TLBLoDirty == 0 {
		return 0, &Fault{Type: FaultReadOnly, Addr: vaddr}
	}

	return lo&TLBLoPPage | vaddr&PageMask, nil
}

func (m *MMU) miss(vaddr uint32, write bool) error {
	if write {
		return &Fault{Type: FaultWrite, Addr: vaddr}
	}

	return &Fault{Type: FaultRead, Addr: vaddr}
}
