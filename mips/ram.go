package mips

import (
	"fmt"
	"log"
)

// RAM is the physical memory of the machine.
//
// Memory below the watermark belongs to the kernel image and to pages stolen
// during early boot. Once GetSize is called, everything above the watermark
// is handed over to the coremap and stealing is no longer allowed.
type RAM struct {
	data      []byte
	firstFree uint32
	frozen    bool
}

// NewRAM creates a RAM of the given size in bytes. The first reserved bytes
// (rounded up to whole pages, at least one page) hold the kernel image.
func NewRAM(size, reserved uint32) *RAM {
	if size%PageSize != 0 {
		log.Panicf("ram size %d is not page aligned", size)
	}

	reserved = (reserved + PageMask) &^ PageMask
	if reserved == 0 {
		reserved = PageSize
	}

	if reserved >= size {
		log.Panicf("kernel image (%d bytes) does not fit in %d bytes of ram",
			reserved, size)
	}

	return &RAM{
		data:      make([]byte, size),
		firstFree: reserved,
	}
}

// Size returns the total amount of physical memory in bytes.
func (r *RAM) Size() uint32 {
	return uint32(len(r.data))
}

// StealMem takes npages pages off the watermark. It returns the physical
// address of the first page, or 0 if memory is exhausted. Stolen pages are
// never returned.
func (r *RAM) StealMem(npages int) uint32 {
	if r.frozen {
		panic("ram_stealmem called after ram_getsize")
	}

	if npages <= 0 {
		return 0
	}

	size := uint64(npages) * PageSize
	if uint64(r.firstFree)+size > uint64(len(r.data)) {
		return 0
	}

	paddr := r.firstFree
	r.firstFree += uint32(size)

	return paddr
}

// GetSize reports the physical range [first, last) that has not been stolen
// yet, and freezes the watermark.
func (r *RAM) GetSize() (first, last uint32) {
	r.frozen = true
	return r.firstFree, uint32(len(r.data))
}

// Page returns the bytes of the frame that contains paddr.
func (r *RAM) Page(paddr uint32) []byte {
	start := PageAlign(paddr)
	if uint64(start)+PageSize > uint64(len(r.data)) {
		panic(fmt.Sprintf("physical address 0x%08x out of range", paddr))
	}

	return r.data[start : start+PageSize : start+PageSize]
}

// Kernel returns the bytes of the frame that the kseg0 address kvaddr
// aliases.
func (r *RAM) Kernel(kvaddr uint32) []byte {
	if kvaddr < KSeg0 {
		panic(fmt.Sprintf("0x%08x is not a kseg0 address", kvaddr))
	}

	return r.Page(KvaddrToPaddr(kvaddr))
}
