package vm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mipsvm/coremap"
	"github.com/sarchlab/mipsvm/mips"
)

var _ = Describe("Inspection", func() {
	var s *System

	BeforeEach(func() {
		s = MakeBuilder().
			WithRAMSize(64 * mips.PageSize).
			WithKernelImageSize(mips.PageSize).
			Build("VM")
		s.Bootstrap()
	})

	It("should describe address spaces", func() {
		as := s.CreateAddrSpace()
		other := s.CreateAddrSpace()
		Expect(s.DefineRegion(as, textBase, 2*mips.PageSize,
			true, false, true)).To(Succeed())
		s.Switch(as)
		Expect(s.HandleFault(mips.FaultRead, textBase)).To(Succeed())
		Expect(s.HandleFault(mips.FaultWrite, mips.UserStack-4)).To(Succeed())

		info, found := s.Describe(as.ID)
		Expect(found).To(BeTrue())
		Expect(info.Current).To(BeTrue())
		Expect(info.Regions).To(HaveLen(1))
		Expect(info.NumPages).To(Equal(2))
		Expect(info.NumTables).To(Equal(2))
		Expect(info.StackPages).To(Equal(1))

		all := s.DescribeAll()
		Expect(all).To(HaveLen(2))
		Expect(all[1].ID).To(Equal(other.ID))
		Expect(all[1].Current).To(BeFalse())

		_, found = s.Describe(99)
		Expect(found).To(BeFalse())
	})

	It("should expose the coremap", func() {
		frames := s.Frames()
		Expect(frames).To(HaveLen(63))

		frame, found := s.Frame(0)
		Expect(found).To(BeTrue())
		Expect(frame.State).To(Equal(coremap.Fixed))

		_, found = s.Frame(63)
		Expect(found).To(BeFalse())

		Expect(s.Stats().Free).To(Equal(62))
	})
})
