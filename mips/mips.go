// Package mips models the parts of a 32-bit MIPS machine that the virtual
// memory system programs directly: physical RAM, the software-managed TLB,
// the interrupt mask, and the address translation performed on every user
// memory access.
package mips

// Page geometry.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageFrame = 0xfffff000
	PageMask  = PageSize - 1
)

// Address space layout. User programs live in kuseg, below KSeg0. Kernel
// code reaches physical memory through the direct-mapped kseg0 window.
const (
	KSeg0     uint32 = 0x80000000
	UserTop   uint32 = KSeg0
	UserStack uint32 = UserTop
)

// NumTLB is the number of entries in the hardware TLB.
const NumTLB = 64

// Bits of the TLB low word.
const (
	TLBLoPPage   uint32 = 0xfffff000
	TLBLoNoCache uint32 = 0x00000800
	TLBLoDirty   uint32 = 0x00000400
	TLBLoValid   uint32 = 0x00000200
	TLBLoGlobal  uint32 = 0x00000100
)

// TLBHiVPage selects the virtual page number in a TLB high word.
const TLBHiVPage uint32 = 0xfffff000

// Segment permission bits, as found in ELF program headers.
const (
	PFX uint32 = 0x1
	PFW uint32 = 0x2
	PFR uint32 = 0x4
)

// TLBHiInvalid returns a high word that can never match a user address. Each
// slot gets a distinct value so that invalidated entries never collide.
func TLBHiInvalid(slot int) uint32 {
	return uint32(0x80000+slot) << PageShift
}

// TLBLoInvalid returns the low word of an invalid entry.
func TLBLoInvalid() uint32 {
	return 0
}

// PaddrToKvaddr converts a physical address to its kseg0 alias.
func PaddrToKvaddr(paddr uint32) uint32 {
	return paddr + KSeg0
}

// KvaddrToPaddr converts a kseg0 address back to the physical address.
func KvaddrToPaddr(kvaddr uint32) uint32 {
	return kvaddr - KSeg0
}

// PageAlign rounds addr down to the start of its page.
func PageAlign(addr uint32) uint32 {
	return addr & PageFrame
}

// IsUserAddr tells if the address belongs to kuseg.
func IsUserAddr(addr uint32) bool {
	return addr < UserTop
}
