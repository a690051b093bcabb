package vm

import (
	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/coremap"
	"github.com/sarchlab/mipsvm/mips"
)

// A Builder can build the VM system.
type Builder struct {
	ramSize         uint32
	kernelImageSize uint32
	tlbSeed         int64
	ram             *mips.RAM
	tlb             mips.TLB
	interrupts      *mips.Interrupts
	idGen           addrspace.IDGenerator
}

// MakeBuilder returns a Builder with 4 MiB of RAM and a 256 KiB kernel
// image.
func MakeBuilder() Builder {
	return Builder{
		ramSize:         4 << 20,
		kernelImageSize: 256 << 10,
		tlbSeed:         1,
	}
}

// WithRAMSize sets the amount of physical memory in bytes.
func (b Builder) WithRAMSize(size uint32) Builder {
	b.ramSize = size
	return b
}

// WithKernelImageSize sets how much memory the kernel image occupies before
// the VM system starts.
func (b Builder) WithKernelImageSize(size uint32) Builder {
	b.kernelImageSize = size
	return b
}

// WithTLBSeed sets the seed of the random replacement register.
func (b Builder) WithTLBSeed(seed int64) Builder {
	b.tlbSeed = seed
	return b
}

// WithRAM makes the system manage an existing RAM. The RAM size options are
// ignored.
func (b Builder) WithRAM(ram *mips.RAM) Builder {
	b.ram = ram
	return b
}

// WithTLB makes the system program an existing TLB.
func (b Builder) WithTLB(tlb mips.TLB) Builder {
	b.tlb = tlb
	return b
}

// WithInterrupts sets the interrupt mask shared with the rest of the kernel.
func (b Builder) WithInterrupts(interrupts *mips.Interrupts) Builder {
	b.interrupts = interrupts
	return b
}

// WithIDGenerator sets the generator of address space IDs.
func (b Builder) WithIDGenerator(g addrspace.IDGenerator) Builder {
	b.idGen = g
	return b
}

// Build creates the VM system. The coremap is not bootstrapped yet; call
// Bootstrap once early kernel allocations are done.
func (b Builder) Build(name string) *System {
	s := &System{
		name:   name,
		spaces: make(map[addrspace.ID]*addrspace.AddrSpace),
	}

	s.ram = b.ram
	if s.ram == nil {
		s.ram = mips.NewRAM(b.ramSize, b.kernelImageSize)
	}

	s.tlb = b.tlb
	if s.tlb == nil {
		s.tlb = mips.NewTLB(b.tlbSeed)
	}

	s.interrupts = b.interrupts
	if s.interrupts == nil {
		s.interrupts = mips.NewInterrupts()
	}

	s.idGen = b.idGen
	if s.idGen == nil {
		s.idGen = addrspace.NewIDGenerator()
	}

	s.coremap = coremap.MakeBuilder().
		WithRAM(s.ram).
		WithInterrupts(s.interrupts).
		Build(name + ".Coremap")

	return s
}
