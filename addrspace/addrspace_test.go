package addrspace

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mipsvm/mips"
	"github.com/sarchlab/mipsvm/vmerr"
)

var _ = Describe("AddrSpace", func() {
	var as *AddrSpace

	BeforeEach(func() {
		as = New(1)
	})

	Context("define region", func() {
		It("should round regions to whole pages", func() {
			err := as.DefineRegion(0x00400010, 0x1ff0, true, false, true)

			Expect(err).NotTo(HaveOccurred())
			Expect(as.Regions).To(Equal([]Region{
				{Base: 0x00400000, NumPages: 2, Perm: mips.PFR | mips.PFX},
			}))
		})

		It("should cover a page touched by a single byte", func() {
			Expect(as.DefineRegion(0x00400fff, 2, true, true, false)).To(Succeed())

			Expect(as.Regions[0].Base).To(Equal(uint32(0x00400000)))
			Expect(as.Regions[0].NumPages).To(Equal(2))
		})

		It("should start the heap after the second region", func() {
			Expect(as.DefineRegion(0x00400000, 0x3000, true, false, true)).To(Succeed())
			Expect(as.HasHeap()).To(BeFalse())

			Expect(as.DefineRegion(0x10000000, 0x1800, true, true, false)).To(Succeed())

			Expect(as.HasHeap()).To(BeTrue())
			Expect(as.HeapStart).To(Equal(uint32(0x10002000)))
			Expect(as.HeapEnd).To(Equal(as.HeapStart))

			Expect(as.DefineRegion(0x20000000, 0x1000, true, true, false)).To(Succeed())
			Expect(as.HeapStart).To(Equal(uint32(0x10002000)))
		})

		It("should reject regions in kernel space", func() {
			err := as.DefineRegion(0x7ffff000, 0x2000, true, true, false)

			Expect(err).To(MatchError(vmerr.ErrBadAddress))
		})

		It("should reject sizes that wrap around with the page offset", func() {
			err := as.DefineRegion(0x00400fff, 0xfffff002, true, false, false)

			Expect(err).To(MatchError(vmerr.ErrBadAddress))
			Expect(as.Regions).To(BeEmpty())
		})

		It("should reject empty regions", func() {
			Expect(as.DefineRegion(0x00400000, 0, true, true, false)).
				To(MatchError(vmerr.ErrBadAddress))
		})
	})

	Context("load", func() {
		It("should fail without regions", func() {
			Expect(as.PrepareLoad()).To(MatchError(vmerr.ErrInvalidArgument))
			Expect(as.CompleteLoad()).To(MatchError(vmerr.ErrInvalidArgument))
		})

		It("should open the first region while loading", func() {
			Expect(as.DefineRegion(0x00400000, 0x3000, true, false, true)).To(Succeed())
			Expect(as.DefineRegion(0x10000000, 0x1000, true, true, false)).To(Succeed())

			Expect(as.PrepareLoad()).To(Succeed())
			Expect(as.Regions[0].Perm).To(Equal(mips.PFR | mips.PFW | mips.PFX))
			Expect(as.SavedPerm).To(Equal(mips.PFR | mips.PFX))

			Expect(as.CompleteLoad()).To(Succeed())
			Expect(as.Regions[0].Perm).To(Equal(mips.PFR | mips.PFX))
			Expect(as.Regions[1].Perm).To(Equal(mips.PFR | mips.PFW))
		})
	})

	Context("lookup", func() {
		BeforeEach(func() {
			Expect(as.DefineRegion(0x00400000, 0x3000, true, false, true)).To(Succeed())
			Expect(as.DefineRegion(0x10000000, 0x1000, true, true, false)).To(Succeed())
			_, err := as.ExtendHeap(0x2000)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should find regions", func() {
			seg, found := as.Lookup(0x00400fff)

			Expect(found).To(BeTrue())
			Expect(seg.Kind).To(Equal(SegmentRegion))
			Expect(seg.Region).To(Equal(0))
			Expect(seg.Perm).To(Equal(mips.PFR | mips.PFX))
		})

		It("should not find the page after a region", func() {
			_, found := as.Lookup(0x00403000)

			Expect(found).To(BeFalse())
		})

		It("should find the stack window", func() {
			seg, found := as.Lookup(mips.UserStack - 4)
			Expect(found).To(BeTrue())
			Expect(seg.Kind).To(Equal(SegmentStack))
			Expect(seg.Perm).To(Equal(mips.PFR | mips.PFW))

			seg, found = as.Lookup(StackBottom)
			Expect(found).To(BeTrue())
			Expect(seg.Kind).To(Equal(SegmentStack))

			_, found = as.Lookup(StackBottom - 1)
			Expect(found).To(BeFalse())
		})

		It("should find the heap", func() {
			seg, found := as.Lookup(0x10001000)
			Expect(found).To(BeTrue())
			Expect(seg.Kind).To(Equal(SegmentHeap))
			Expect(seg.Perm).To(Equal(mips.PFR | mips.PFW))

			_, found = as.Lookup(0x10003000)
			Expect(found).To(BeFalse())
		})

		It("should prefer regions over the heap", func() {
			Expect(as.DefineRegion(0x10001000, 0x1000, true, false, false)).To(Succeed())

			seg, found := as.Lookup(0x10001000)

			Expect(found).To(BeTrue())
			Expect(seg.Kind).To(Equal(SegmentRegion))
			Expect(seg.Region).To(Equal(2))
		})
	})

	Context("extend heap", func() {
		BeforeEach(func() {
			Expect(as.DefineRegion(0x00400000, 0x1000, true, false, true)).To(Succeed())
			Expect(as.DefineRegion(0x10000000, 0x1000, true, true, false)).To(Succeed())
		})

		It("should return the previous break", func() {
			old, err := as.ExtendHeap(4096)
			Expect(err).NotTo(HaveOccurred())
			Expect(old).To(Equal(uint32(0x10001000)))

			old, err = as.ExtendHeap(-4096)
			Expect(err).NotTo(HaveOccurred())
			Expect(old).To(Equal(uint32(0x10002000)))
			Expect(as.HeapEnd).To(Equal(uint32(0x10001000)))
		})

		It("should report zero as a query", func() {
			old, err := as.ExtendHeap(0)

			Expect(err).NotTo(HaveOccurred())
			Expect(old).To(Equal(as.HeapEnd))
		})

		It("should reject going below the heap start", func() {
			_, err := as.ExtendHeap(-1)

			Expect(err).To(MatchError(vmerr.ErrInvalidArgument))
			Expect(as.HeapEnd).To(Equal(as.HeapStart))
		})

		It("should bound the step", func() {
			_, err := as.ExtendHeap(MaxBreakStep + 1)
			Expect(err).To(MatchError(vmerr.ErrNoMemory))

			_, err = as.ExtendHeap(-MaxBreakStep - 1)
			Expect(err).To(MatchError(vmerr.ErrInvalidArgument))

			_, err = as.ExtendHeap(MaxBreakStep)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should keep the heap out of the stack guard", func() {
			as.HeapEnd = mips.UserStack - MaxBreakStep - 0x1000

			_, err := as.ExtendHeap(0x1000)
			Expect(err).To(MatchError(vmerr.ErrNoMemory))

			old, err := as.ExtendHeap(0xfff)
			Expect(err).NotTo(HaveOccurred())
			Expect(old).To(Equal(mips.UserStack - MaxBreakStep - 0x1000))
		})

		It("should fail without a heap", func() {
			single := New(2)
			Expect(single.DefineRegion(0x00400000, 0x1000, true, false, true)).To(Succeed())

			_, err := single.ExtendHeap(4096)
			Expect(err).To(MatchError(vmerr.ErrInvalidArgument))
		})
	})

	It("should clone the layout but not the pages", func() {
		Expect(as.DefineRegion(0x00400000, 0x3000, true, false, true)).To(Succeed())
		Expect(as.DefineRegion(0x10000000, 0x1000, true, true, false)).To(Succeed())
		_, _ = as.ExtendHeap(0x3000)
		as.SavedPerm = mips.PFR
		as.PageTable.Entry(0x00400000, true).Set(0x5000)

		clone := as.Clone(9)

		Expect(clone.ID).To(Equal(ID(9)))
		Expect(clone.Regions).To(Equal(as.Regions))
		Expect(clone.HeapStart).To(Equal(as.HeapStart))
		Expect(clone.HeapEnd).To(Equal(as.HeapEnd))
		Expect(clone.SavedPerm).To(Equal(as.SavedPerm))
		Expect(clone.PageTable.NumTables()).To(Equal(0))

		clone.Regions[0].Perm = 0
		Expect(as.Regions[0].Perm).To(Equal(mips.PFR | mips.PFX))
	})

	It("should generate sequential IDs", func() {
		gen := NewIDGenerator()

		Expect(gen.Generate()).To(Equal(ID(1)))
		Expect(gen.Generate()).To(Equal(ID(2)))
	})

	It("should render permissions", func() {
		Expect(PermString(mips.PFR | mips.PFX)).To(Equal("r-x"))
		Expect(Region{Base: 0x1000, NumPages: 1, Perm: mips.PFW}.String()).
			To(Equal("[0x00001000, 0x00002000) -w-"))
	})
})
