package vm

import (
	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/coremap"
)

// AddrSpaceInfo summarizes an address space.
type AddrSpaceInfo struct {
	ID         addrspace.ID       `json:"id"`
	Current    bool               `json:"current"`
	Regions    []addrspace.Region `json:"regions"`
	HeapStart  uint32             `json:"heap_start"`
	HeapEnd    uint32             `json:"heap_end"`
	NumPages   int                `json:"num_pages"`
	NumTables  int                `json:"num_tables"`
	StackPages int                `json:"stack_pages"`
}

// Stats counts the frames of the coremap by state.
func (s *System) Stats() coremap.Stats {
	defer s.mask()()

	return s.coremap.Stats()
}

// Frames returns a copy of the coremap.
func (s *System) Frames() []coremap.Entry {
	defer s.mask()()

	return s.coremap.Entries()
}

// Frame returns a copy of the i-th coremap entry.
func (s *System) Frame(i int) (coremap.Entry, bool) {
	defer s.mask()()

	if i < 0 || i >= s.coremap.NumFrames() {
		return coremap.Entry{}, false
	}

	return s.coremap.Entry(i), true
}

// Describe summarizes the live address space with the given ID.
func (s *System) Describe(id addrspace.ID) (AddrSpaceInfo, bool) {
	defer s.mask()()

	as, found := s.spaces[id]
	if !found {
		return AddrSpaceInfo{}, false
	}

	return s.describe(as), true
}

// DescribeAll summarizes every live address space, ordered by ID.
func (s *System) DescribeAll() []AddrSpaceInfo {
	spaces := s.AddrSpaces()

	defer s.mask()()

	infos := make([]AddrSpaceInfo, 0, len(spaces))
	for _, as := range spaces {
		if _, alive := s.spaces[as.ID]; alive {
			infos = append(infos, s.describe(as))
		}
	}

	return infos
}

func (s *System) describe(as *addrspace.AddrSpace) AddrSpaceInfo {
	info := AddrSpaceInfo{
		ID:         as.ID,
		Current:    s.current == as,
		Regions:    append([]addrspace.Region(nil), as.Regions...),
		HeapStart:  as.HeapStart,
		HeapEnd:    as.HeapEnd,
		NumPages:   as.PageTable.NumPresent(),
		NumTables:  as.PageTable.NumTables(),
		StackPages: as.NumStackPages(),
	}

	return info
}
