package addrspace

import (
	"fmt"
	"strings"

	"github.com/sarchlab/mipsvm/mips"
)

// A Region is a contiguous range of pages with one set of permissions,
// usually an ELF segment.
type Region struct {
	Base     uint32 `json:"base"`
	NumPages int    `json:"num_pages"`
	Perm     uint32 `json:"perm"`
}

// End returns the first address after the region.
func (r Region) End() uint32 {
	return r.Base + uint32(r.NumPages)*mips.PageSize
}

// Contains tells if vaddr falls inside the region.
func (r Region) Contains(vaddr uint32) bool {
	return vaddr >= r.Base && vaddr < r.End()
}

// Writable tells if the region allows writes.
func (r Region) Writable() bool {
	return r.Perm&mips.PFW != 0
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%08x, 0x%08x) %s", r.Base, r.End(), PermString(r.Perm))
}

// PermString renders permission bits as "rwx".
func PermString(perm uint32) string {
	var b strings.Builder

	flags := []struct {
		bit  uint32
		char byte
	}{
		{mips.PFR, 'r'},
		{mips.PFW, 'w'},
		{mips.PFX, 'x'},
	}

	for _, f := range flags {
		if perm&f.bit != 0 {
			b.WriteByte(f.char)
		} else {
			b.WriteByte('-')
		}
	}

	return b.String()
}
