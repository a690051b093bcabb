package addrspace

import "sync/atomic"

// ID identifies an address space. The zero ID is never generated.
type ID uint64

// IDGenerator produces address space IDs.
type IDGenerator interface {
	Generate() ID
}

// NewIDGenerator returns a sequential generator whose first ID is 1.
func NewIDGenerator() IDGenerator {
	return &sequentialIDGenerator{}
}

type sequentialIDGenerator struct {
	next uint64
}

func (g *sequentialIDGenerator) Generate() ID {
	return ID(atomic.AddUint64(&g.next, 1))
}
