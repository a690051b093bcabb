package machine

import (
	"github.com/sarchlab/mipsvm/addrspace"
)

// A Segment is a loadable part of a program image. Memory past the end of
// Data up to MemSize is left zero.
type Segment struct {
	VAddr      uint32
	MemSize    uint32
	Data       []byte
	Readable   bool
	Writeable  bool
	Executable bool
}

// Exec replaces the current address space with a new one built from
// segments, copies args onto the user stack, and returns the new address
// space with the initial stack pointer, which also points at argv.
//
// The first segment is the text segment; it is writable only while the
// image is being copied in. The end of the second segment starts the heap.
func (m *Machine) Exec(
	segments []Segment,
	args []string,
) (*addrspace.AddrSpace, uint32, error) {
	if old := m.vm.Current(); old != nil {
		m.vm.DestroyAddrSpace(old)
	}

	as := m.vm.CreateAddrSpace()
	m.vm.Switch(as)

	sp, err := m.load(as, segments, args)
	if err != nil {
		m.vm.DestroyAddrSpace(as)
		return nil, 0, err
	}

	return as, sp, nil
}

func (m *Machine) load(
	as *addrspace.AddrSpace,
	segments []Segment,
	args []string,
) (uint32, error) {
	for _, seg := range segments {
		err := m.vm.DefineRegion(as, seg.VAddr, seg.MemSize,
			seg.Readable, seg.Writeable, seg.Executable)
		if err != nil {
			return 0, err
		}
	}

	err := m.vm.PrepareLoad(as)
	if err != nil {
		return 0, err
	}

	for _, seg := range segments {
		err = m.Store(seg.VAddr, seg.Data)
		if err != nil {
			return 0, err
		}
	}

	err = m.vm.CompleteLoad(as)
	if err != nil {
		return 0, err
	}

	return m.pushArgs(m.vm.DefineStack(as), args)
}

// pushArgs copies every argument string onto the stack, each padded to whole
// words, followed by the NULL-terminated argv array.
func (m *Machine) pushArgs(sp uint32, args []string) (uint32, error) {
	argv := make([]uint32, len(args)+1)

	for i := len(args) - 1; i >= 0; i-- {
		words := 4 * (len(args[i])/4 + 1)
		buf := make([]byte, words)
		copy(buf, args[i])

		sp -= uint32(words)
		err := m.Store(sp, buf)
		if err != nil {
			return 0, err
		}

		argv[i] = sp
	}

	for i := len(argv) - 1; i >= 0; i-- {
		sp -= 4
		err := m.StoreWord(sp, argv[i])
		if err != nil {
			return 0, err
		}
	}

	return sp, nil
}

// ReadString reads a NUL-terminated string of at most limit bytes.
func (m *Machine) ReadString(vaddr uint32, limit int) (string, error) {
	buf := make([]byte, 0, limit)
	b := make([]byte, 1)

	for len(buf) < limit {
		err := m.Load(vaddr+uint32(len(buf)), b)
		if err != nil {
			return "", err
		}

		if b[0] == 0 {
			break
		}

		buf = append(buf, b[0])
	}

	return string(buf), nil
}
