package coremap

import "github.com/sarchlab/mipsvm/mips"

// A Builder can build a Coremap.
type Builder struct {
	ram        *mips.RAM
	interrupts *mips.Interrupts
}

// MakeBuilder returns a Builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithRAM sets the physical memory that the coremap manages.
func (b Builder) WithRAM(ram *mips.RAM) Builder {
	b.ram = ram
	return b
}

// WithInterrupts sets the interrupt mask that protects the coremap.
func (b Builder) WithInterrupts(interrupts *mips.Interrupts) Builder {
	b.interrupts = interrupts
	return b
}

// Build creates the coremap. The table stays empty until Bootstrap is
// called; until then kernel allocations steal memory from the RAM.
func (b Builder) Build(name string) *Coremap {
	if b.ram == nil {
		panic("coremap requires a ram")
	}

	if b.interrupts == nil {
		panic("coremap requires an interrupt mask")
	}

	return &Coremap{
		name:       name,
		ram:        b.ram,
		interrupts: b.interrupts,
	}
}
