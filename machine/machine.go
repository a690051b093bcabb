// Package machine drives the VM system the way the trap and system call
// layers of the kernel do. User memory accesses go through the MMU, TLB
// faults are handed to the VM system, and the access is retried.
package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/mips"
	"github.com/sarchlab/mipsvm/vm"
	"github.com/sarchlab/mipsvm/vmerr"
)

// maxFaults bounds the faults one access can take: a miss, then a write to a
// page that was installed read-only.
const maxFaults = 2

// Machine is a user process context on top of the VM system.
type Machine struct {
	vm  *vm.System
	mmu *mips.MMU

	numFaults int
}

// New creates a Machine whose MMU uses the TLB of system.
func New(system *vm.System) *Machine {
	return &Machine{
		vm:  system,
		mmu: &mips.MMU{TLB: system.TLB()},
	}
}

// VM returns the VM system.
func (m *Machine) VM() *vm.System {
	return m.vm
}

// NumFaults returns the number of TLB faults handled so far.
func (m *Machine) NumFaults() int {
	return m.numFaults
}

func (m *Machine) translate(vaddr uint32, write bool) (uint32, error) {
	for faults := 0; ; faults++ {
		paddr, err := m.mmu.Translate(vaddr, write)
		if err == nil {
			return paddr, nil
		}

		var fault *mips.Fault
		if !errors.As(err, &fault) {
			return 0, fmt.Errorf("%w: %w", vmerr.ErrBadAddress, err)
		}

		if faults == maxFaults {
			return 0, err
		}

		m.numFaults++

		err = m.vm.HandleFault(fault.Type, fault.Addr)
		if err != nil {
			return 0, err
		}
	}
}

func (m *Machine) access(vaddr uint32, buf []byte, write bool) error {
	for len(buf) > 0 {
		n := int(mips.PageSize - vaddr&mips.PageMask)
		if n > len(buf) {
			n = len(buf)
		}

		paddr, err := m.translate(vaddr, write)
		if err != nil {
			return err
		}

		page := m.vm.RAM().Page(paddr)[paddr&mips.PageMask:]
		if write {
			copy(page, buf[:n])
		} else {
			copy(buf[:n], page)
		}

		buf = buf[n:]
		vaddr += uint32(n)
	}

	return nil
}

// Load reads len(buf) bytes of user memory starting at vaddr.
func (m *Machine) Load(vaddr uint32, buf []byte) error {
	return m.access(vaddr, buf, false)
}

// Store writes buf into user memory starting at vaddr.
func (m *Machine) Store(vaddr uint32, buf []byte) error {
	return m.access(vaddr, buf, true)
}

// LoadWord reads a big-endian 32-bit word.
func (m *Machine) LoadWord(vaddr uint32) (uint32, error) {
	buf := make([]byte, 4)

	err := m.Load(vaddr, buf)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf), nil
}

// StoreWord writes a big-endian 32-bit word.
func (m *Machine) StoreWord(vaddr, value uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, value)

	return m.Store(vaddr, buf)
}

// Sbrk moves the break of the current address space.
func (m *Machine) Sbrk(delta int32) (uint32, error) {
	as := m.vm.Current()
	if as == nil {
		return 0, fmt.Errorf("%w: no current address space", vmerr.ErrBadAddress)
	}

	return m.vm.ExtendHeap(as, delta)
}

// Fork duplicates the current address space.
func (m *Machine) Fork() (*addrspace.AddrSpace, error) {
	as := m.vm.Current()
	if as == nil {
		return nil, fmt.Errorf("%w: no current address space", vmerr.ErrBadAddress)
	}

	return m.vm.CopyAddrSpace(as)
}
