package vm

import (
	"fmt"

	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/hooking"
	"github.com/sarchlab/mipsvm/pagetable"
)

// CopyAddrSpace duplicates parent for fork. The child gets its own copy of
// the regions and heap bounds, and a private copy of every present page.
// Pages the parent never touched stay untouched in the child.
//
// The whole copy runs with interrupts masked. If frames run out, the partial
// child is destroyed and the error is returned.
func (s *System) CopyAddrSpace(parent *addrspace.AddrSpace) (*addrspace.AddrSpace, error) {
	s.mustHaveParent(parent)

	defer s.mask()()

	child := parent.Clone(s.idGen.Generate())
	s.spaces[child.ID] = child

	copied, err := s.copyPages(child, parent)
	if err != nil {
		s.destroyAddrSpace(child)
		return nil, fmt.Errorf("copying address space %d: %w", parent.ID, err)
	}

	s.invalidateTLB()

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosAddrSpaceCopy,
		Item:   child,
		Detail: AddrSpaceEvent{
			AddrSpace: child.ID,
			Parent:    parent.ID,
			NumPages:  copied,
		},
	})

	return child, nil
}

func (s *System) copyPages(child, parent *addrspace.AddrSpace) (int, error) {
	copied := 0

	for i1 := 0; i1 < pagetable.NumEntries; i1++ {
		src := parent.PageTable.L2(i1)
		if src == nil {
			continue
		}

		dst := new(pagetable.L2)
		child.PageTable.SetL2(i1, dst)

		for i2 := range src {
			if !src[i2].Present() {
				continue
			}

			vaddr := pagetable.VAddr(i1, i2)
			paddr, err := s.coremap.AllocUserPage(owner(child), vaddr)
			if err != nil {
				return copied, err
			}

			copy(s.ram.Page(paddr), s.ram.Page(src[i2].Frame()))
			dst[i2].Set(paddr)
			copied++
		}
	}

	return copied, nil
}
