package vm

import (
	"bytes"
	"errors"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/coremap"
	"github.com/sarchlab/mipsvm/hooking"
	"github.com/sarchlab/mipsvm/mips"
	"github.com/sarchlab/mipsvm/vmerr"
)

const textBase = uint32(0x00400000)

type hookRecord struct {
	pos    *hooking.HookPos
	detail interface{}
}

func recordHooks(h hooking.Hookable) *[]hookRecord {
	records := &[]hookRecord{}
	h.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
		*records = append(*records, hookRecord{pos: ctx.Pos, detail: ctx.Detail})
	}))

	return records
}

func countPos(records []hookRecord, pos *hooking.HookPos) int {
	n := 0
	for _, r := range records {
		if r.pos == pos {
			n++
		}
	}

	return n
}

var _ = Describe("Fault handling", func() {
	var (
		s   *System
		tlb *mips.HardwareTLB
		mmu *mips.MMU
		as  *addrspace.AddrSpace
	)

	BeforeEach(func() {
		s = MakeBuilder().
			WithRAMSize(256 * mips.PageSize).
			WithKernelImageSize(16 * mips.PageSize).
			Build("VM")
		s.Bootstrap()

		tlb = s.TLB().(*mips.HardwareTLB)
		mmu = &mips.MMU{TLB: tlb}

		as = s.CreateAddrSpace()
		Expect(s.DefineRegion(as, textBase, 3*mips.PageSize,
			true, false, true)).To(Succeed())
		s.Switch(as)
	})

	It("should map a read-only text page on a read miss", func() {
		err := s.HandleFault(mips.FaultRead, 0x00400FFF)

		Expect(err).NotTo(HaveOccurred())
		Expect(s.Coremap().Stats().Mapped).To(Equal(1))

		slot := tlb.Probe(textBase)
		Expect(slot).To(BeNumerically(">=", 0))
		_, lo := tlb.Read(slot)
		Expect(lo & mips.TLBLoValid).NotTo(BeZero())
		Expect(lo & mips.TLBLoDirty).To(BeZero())

		frames := s.Coremap().FramesOf(coremap.Owner(as.ID))
		Expect(frames).To(HaveLen(1))
		Expect(lo & mips.TLBLoPPage).To(Equal(frames[0]))
	})

	It("should reject a write to the text page", func() {
		Expect(s.HandleFault(mips.FaultRead, textBase)).To(Succeed())

		_, err := mmu.Translate(textBase+8, true)
		var fault *mips.Fault
		Expect(errors.As(err, &fault)).To(BeTrue())
		Expect(fault.Type).To(Equal(mips.FaultReadOnly))

		err = s.HandleFault(fault.Type, fault.Addr)
		Expect(err).To(MatchError(vmerr.ErrPermission))
		Expect(vmerr.Errno(err)).To(Equal(vmerr.EFAULT))
	})

	It("should be idempotent", func() {
		Expect(s.HandleFault(mips.FaultRead, textBase)).To(Succeed())
		Expect(s.HandleFault(mips.FaultRead, textBase+4)).To(Succeed())

		Expect(s.Coremap().Stats().Mapped).To(Equal(1))
		Expect(tlb.NumValid()).To(Equal(1))
		Expect(s.CheckInvariants()).To(Succeed())
	})

	It("should zero fill new pages", func() {
		paddr, err := s.Resolve(as, textBase)
		Expect(err).NotTo(HaveOccurred())

		Expect(s.RAM().Page(paddr)).To(Equal(make([]byte, mips.PageSize)))
	})

	It("should reject unmapped addresses", func() {
		err := s.HandleFault(mips.FaultRead, 0x10000000)

		Expect(err).To(MatchError(vmerr.ErrBadAddress))
		Expect(s.Coremap().Stats().Mapped).To(Equal(0))
	})

	It("should reject faults without an address space", func() {
		s.SetCurrent(nil)

		err := s.HandleFault(mips.FaultRead, textBase)

		Expect(err).To(MatchError(vmerr.ErrBadAddress))
	})

	It("should reject unknown fault types", func() {
		err := s.HandleFault(mips.FaultType(7), textBase)

		Expect(err).To(MatchError(vmerr.ErrInvalidArgument))
		Expect(vmerr.Errno(err)).To(Equal(vmerr.EINVAL))
	})

	It("should grow the stack on demand", func() {
		Expect(s.DefineStack(as)).To(Equal(mips.UserStack))

		Expect(s.HandleFault(mips.FaultWrite, mips.UserStack-4)).To(Succeed())

		_, lo := tlb.Read(tlb.Probe(mips.UserStack - mips.PageSize))
		Expect(lo & mips.TLBLoDirty).NotTo(BeZero())

		paddr, err := mmu.Translate(mips.UserStack-4, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(paddr & mips.PageMask).To(Equal(uint32(mips.PageSize - 4)))
	})

	It("should not grow the stack past its window", func() {
		err := s.HandleFault(mips.FaultWrite, addrspace.StackBottom-1)

		Expect(err).To(MatchError(vmerr.ErrBadAddress))
	})

	It("should let the loader write the text region", func() {
		Expect(s.PrepareLoad(as)).To(Succeed())
		Expect(s.HandleFault(mips.FaultWrite, textBase)).To(Succeed())
		_, err := mmu.Translate(textBase, true)
		Expect(err).NotTo(HaveOccurred())

		Expect(s.CompleteLoad(as)).To(Succeed())
		Expect(tlb.NumValid()).To(BeZero())

		Expect(s.HandleFault(mips.FaultRead, textBase)).To(Succeed())
		_, err = mmu.Translate(textBase, true)
		Expect(err).To(HaveOccurred())
		Expect(s.Coremap().Stats().Mapped).To(Equal(1))
	})

	It("should evict when the TLB is full", func() {
		data := s.CreateAddrSpace()
		Expect(s.DefineRegion(data, 0x10000000, 100*mips.PageSize,
			true, true, false)).To(Succeed())
		s.Switch(data)
		records := recordHooks(s)

		for i := uint32(0); i < mips.NumTLB+1; i++ {
			Expect(s.HandleFault(mips.FaultWrite,
				0x10000000+i*mips.PageSize)).To(Succeed())
		}

		Expect(tlb.NumValid()).To(Equal(mips.NumTLB))
		Expect(countPos(*records, HookPosTLBFill)).To(Equal(mips.NumTLB))
		Expect(countPos(*records, HookPosTLBEvict)).To(Equal(1))
		Expect(tlb.Probe(0x10000000 + mips.NumTLB*mips.PageSize)).
			To(BeNumerically(">=", 0))
		Expect(s.CheckInvariants()).To(Succeed())
	})

	It("should report faults to hooks", func() {
		records := recordHooks(s)

		_ = s.HandleFault(mips.FaultRead, textBase)
		_ = s.HandleFault(mips.FaultRead, 0x20000000)

		Expect(countPos(*records, HookPosFault)).To(Equal(2))

		var events []FaultEvent
		for _, r := range *records {
			if e, ok := r.detail.(FaultEvent); ok {
				events = append(events, e)
			}
		}
		Expect(events[0].Err).To(BeNil())
		Expect(events[0].Segment).To(Equal(addrspace.SegmentRegion))
		Expect(events[0].AddrSpace).To(Equal(as.ID))
		Expect(events[1].Err).To(MatchError(vmerr.ErrBadAddress))
	})

	It("should log events", func() {
		buf := new(bytes.Buffer)
		s.AcceptHook(NewEventLogger(log.New(buf, "", 0)))

		Expect(s.HandleFault(mips.FaultRead, 0x00400FFF)).To(Succeed())

		Expect(buf.String()).To(ContainSubstring("fault read 0x00400fff"))
		Expect(buf.String()).To(ContainSubstring("TLBFill slot=0"))
	})

	It("should count events", func() {
		counter := NewEventCounter()
		s.AcceptHook(counter)
		s.Coremap().AcceptHook(counter)

		Expect(s.HandleFault(mips.FaultRead, textBase)).To(Succeed())
		Expect(s.HandleFault(mips.FaultRead, textBase+4)).To(Succeed())
		_ = s.HandleFault(mips.FaultRead, 0x20000000)

		Expect(counter.Count("Fault")).To(Equal(uint64(3)))
		Expect(counter.Count("Fault/read/region")).To(Equal(uint64(2)))
		Expect(counter.Count("Fault/read/error")).To(Equal(uint64(1)))
		Expect(counter.Count("FrameAlloc")).To(BeNumerically(">=", 1))
		Expect(counter.Names()[0]).To(Equal("FrameAlloc"))
		Expect(counter.Counts()).To(HaveLen(len(counter.Names())))
	})
})

var _ = Describe("TLB programming", func() {
	var (
		mockCtrl *gomock.Controller
		tlb      *MockTLB
		s        *System
		as       *addrspace.AddrSpace
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		tlb = NewMockTLB(mockCtrl)
		s = MakeBuilder().
			WithRAMSize(64 * mips.PageSize).
			WithKernelImageSize(mips.PageSize).
			WithTLB(tlb).
			Build("VM")
		s.Bootstrap()

		as = s.CreateAddrSpace()
		Expect(s.DefineRegion(as, textBase, mips.PageSize,
			true, false, true)).To(Succeed())
		s.SetCurrent(as)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should invalidate every slot on activate", func() {
		for i := 0; i < mips.NumTLB; i++ {
			tlb.EXPECT().Write(mips.TLBHiInvalid(i), mips.TLBLoInvalid(), i)
		}

		s.Activate(as)
	})

	It("should replace an existing entry for the page", func() {
		tlb.EXPECT().Probe(textBase).Return(9)
		tlb.EXPECT().Write(textBase, gomock.Any(), 9)

		Expect(s.HandleFault(mips.FaultRead, textBase)).To(Succeed())
	})

	It("should use the first invalid slot", func() {
		tlb.EXPECT().Probe(textBase).Return(-1)
		tlb.EXPECT().Read(0).Return(uint32(0x00001000), mips.TLBLoValid)
		tlb.EXPECT().Read(1).Return(mips.TLBHiInvalid(1), mips.TLBLoInvalid())
		tlb.EXPECT().Write(textBase, gomock.Any(), 1).
			Do(func(hi, lo uint32, slot int) {
				Expect(lo & mips.TLBLoValid).NotTo(BeZero())
				Expect(lo & mips.TLBLoDirty).To(BeZero())
			})

		Expect(s.HandleFault(mips.FaultRead, textBase)).To(Succeed())
	})

	It("should pick a random victim when no slot is free", func() {
		records := recordHooks(s)
		tlb.EXPECT().Probe(textBase).Return(-1)
		tlb.EXPECT().Read(gomock.Any()).
			Return(uint32(0), mips.TLBLoValid).
			Times(mips.NumTLB)
		tlb.EXPECT().Random(textBase, gomock.Any()).Return(17)

		Expect(s.HandleFault(mips.FaultRead, textBase)).To(Succeed())

		Expect(*records).To(HaveLen(2))
		Expect((*records)[0].pos).To(Equal(HookPosTLBEvict))
		Expect((*records)[0].detail.(TLBEvent).Slot).To(Equal(17))
		Expect((*records)[1].pos).To(Equal(HookPosFault))
	})
})
