package mips

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("TLB", func() {
	var tlb *HardwareTLB

	BeforeEach(func() {
		tlb = NewTLB(1)
	})

	It("should start with every slot invalid", func() {
		for i := 0; i < NumTLB; i++ {
			hi, lo := tlb.Read(i)
			Expect(hi).To(Equal(TLBHiInvalid(i)))
			Expect(lo & TLBLoValid).To(BeZero())
		}
		Expect(tlb.NumValid()).To(Equal(0))
	})

	It("should write and probe entries", func() {
		tlb.Write(0x00400000, 0x00012000|TLBLoValid, 5)

		Expect(tlb.Probe(0x00400abc)).To(Equal(5))
		Expect(tlb.Probe(0x00401000)).To(Equal(-1))
		Expect(tlb.NumValid()).To(Equal(1))
	})

	It("should replace a slot in range on random writes", func() {
		slot := tlb.Random(0x00400000, 0x00012000|TLBLoValid)

		Expect(slot).To(BeNumerically(">=", 0))
		Expect(slot).To(BeNumerically("<", NumTLB))

		hi, _ := tlb.Read(slot)
		Expect(hi).To(Equal(uint32(0x00400000)))
	})

	It("should panic on bad slots", func() {
		Expect(func() { tlb.Read(NumTLB) }).To(Panic())
		Expect(func() { tlb.Write(0, 0, -1) }).To(Panic())
	})
})

var _ = Describe("MMU", func() {
	var (
		tlb *HardwareTLB
		mmu *MMU
	)

	BeforeEach(func() {
		tlb = NewTLB(1)
		mmu = &MMU{TLB: tlb}
	})

	It("should raise a read fault on a miss", func() {
		_, err := mmu.Translate(0x00400010, false)

		var fault *Fault
		Expect(err).To(BeAssignableToTypeOf(fault))
		Expect(err.(*Fault).Type).To(Equal(FaultRead))
		Expect(err.(*Fault).Addr).To(Equal(uint32(0x00400010)))
	})

	It("should raise a write fault on a miss", func() {
		_, err := mmu.Translate(0x00400010, true)

		Expect(err.(*Fault).Type).To(Equal(FaultWrite))
	})

	It("should translate through a valid entry", func() {
		tlb.Write(0x00400000, 0x00012000|TLBLoValid, 0)

		paddr, err := mmu.Translate(0x00400010, false)

		Expect(err).NotTo(HaveOccurred())
		Expect(paddr).To(Equal(uint32(0x00012010)))
	})

	It("should raise a readonly fault when writing a clean entry", func() {
		tlb.Write(0x00400000, 0x00012000|TLBLoValid, 0)

		_, err := mmu.Translate(0x00400010, true)

		Expect(err.(*Fault).Type).To(Equal(FaultReadOnly))
	})

	It("should allow writing a dirty entry", func() {
		tlb.Write(0x00400000, 0x00012000|TLBLoValid|TLBLoDirty, 0)

		_, err := mmu.Translate(0x00400010, true)

		Expect(err).NotTo(HaveOccurred())
	})

	It("should reject kernel addresses", func() {
		_, err := mmu.Translate(KSeg0+0x10, false)

		Expect(err).To(MatchError(ErrAddressError))
	})
})

var _ = Describe("Interrupts", func() {
	It("should mask and restore", func() {
		it := NewInterrupts()
		Expect(it.Masked()).To(BeFalse())
		Expect(func() { it.AssertMasked() }).To(Panic())

		spl := it.SplHigh()
		Expect(it.Masked()).To(BeTrue())
		Expect(func() { it.AssertMasked() }).NotTo(Panic())

		it.Splx(spl)
		Expect(it.Masked()).To(BeFalse())
	})

	It("should panic when restoring twice", func() {
		it := NewInterrupts()
		spl := it.SplHigh()
		it.Splx(spl)

		Expect(func() { it.Splx(spl) }).To(Panic())
	})
})
