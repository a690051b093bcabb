package monitoring

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/mips"
	"github.com/sarchlab/mipsvm/vm"
)

var _ = Describe("Monitor", func() {
	var (
		m      *Monitor
		system *vm.System
		as     *addrspace.AddrSpace
	)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		m.router().ServeHTTP(rec, req)

		return rec
	}

	BeforeEach(func() {
		system = vm.MakeBuilder().
			WithRAMSize(64 * mips.PageSize).
			WithKernelImageSize(mips.PageSize).
			Build("VM")
		system.Bootstrap()

		as = system.CreateAddrSpace()
		Expect(system.DefineRegion(as, 0x00400000, mips.PageSize,
			true, false, true)).To(Succeed())
		system.Switch(as)
		Expect(system.HandleFault(mips.FaultRead, 0x00400000)).To(Succeed())

		m = NewMonitor()
		m.profileTime = 10 * time.Millisecond
		m.RegisterVM(system)
	})

	It("should list the coremap", func() {
		rec := get("/api/coremap")
		Expect(rec.Code).To(Equal(http.StatusOK))

		rsp := coremapRsp{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.Name).To(Equal("VM.Coremap"))
		Expect(rsp.Total).To(Equal(63))
		Expect(rsp.Mapped).To(Equal(1))
		Expect(rsp.Frames).To(HaveLen(63))
	})

	It("should filter frames by state", func() {
		rsp := coremapRsp{}
		Expect(json.Unmarshal(get("/api/coremap?state=mapped").Body.Bytes(),
			&rsp)).To(Succeed())

		Expect(rsp.Frames).To(HaveLen(1))
		Expect(rsp.Frames[0].Owner).To(Equal(uint64(as.ID)))
		Expect(rsp.Frames[0].VAddr).To(Equal(uint32(0x00400000)))
	})

	It("should show one frame", func() {
		frame := frameBrief{}
		Expect(json.Unmarshal(get("/api/coremap/0").Body.Bytes(),
			&frame)).To(Succeed())
		Expect(frame.State).To(Equal("fixed"))

		Expect(get("/api/coremap/1000").Code).To(Equal(http.StatusNotFound))
	})

	It("should list valid TLB entries", func() {
		var entries []vm.TLBEntry
		Expect(json.Unmarshal(get("/api/tlb?valid=true").Body.Bytes(),
			&entries)).To(Succeed())

		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Hi).To(Equal(uint32(0x00400000)))
		Expect(entries[0].Dirty).To(BeFalse())

		Expect(json.Unmarshal(get("/api/tlb").Body.Bytes(),
			&entries)).To(Succeed())
		Expect(entries).To(HaveLen(mips.NumTLB))
	})

	It("should list address spaces", func() {
		var infos []vm.AddrSpaceInfo
		Expect(json.Unmarshal(get("/api/addrspaces").Body.Bytes(),
			&infos)).To(Succeed())

		Expect(infos).To(HaveLen(1))
		Expect(infos[0].ID).To(Equal(as.ID))
		Expect(infos[0].NumPages).To(Equal(1))
	})

	It("should serialize one address space", func() {
		rec := get("/api/addrspace/1")

		Expect(rec.Code).To(Equal(http.StatusOK))
		body, _ := io.ReadAll(rec.Body)
		Expect(body).NotTo(BeEmpty())

		Expect(get("/api/addrspace/7").Code).To(Equal(http.StatusNotFound))
		Expect(get("/api/addrspace/abc").Code).To(Equal(http.StatusNotFound))
	})

	It("should track progress bars", func() {
		bar := m.CreateProgressBar("Workload", 10)
		bar.IncrementInProgress(3)
		bar.MoveInProgressToFinished(2)

		var bars []ProgressSnapshot
		Expect(json.Unmarshal(get("/api/progress").Body.Bytes(),
			&bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Finished).To(Equal(uint64(2)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))

		m.CompleteProgressBar(bar)
		Expect(json.Unmarshal(get("/api/progress").Body.Bytes(),
			&bars)).To(Succeed())
		Expect(bars).To(BeEmpty())
	})

	It("should serve event counts", func() {
		counts := map[string]uint64{}
		Expect(json.Unmarshal(get("/api/counters").Body.Bytes(),
			&counts)).To(Succeed())
		Expect(counts).To(BeEmpty())

		counter := vm.NewEventCounter()
		system.AcceptHook(counter)
		m.RegisterCounter(counter)
		Expect(system.HandleFault(mips.FaultRead, 0x00400000)).To(Succeed())

		Expect(json.Unmarshal(get("/api/counters").Body.Bytes(),
			&counts)).To(Succeed())
		Expect(counts).To(HaveKeyWithValue("Fault/read/region", uint64(1)))
	})

	It("should report resources", func() {
		rsp := resourceRsp{}
		Expect(json.Unmarshal(get("/api/resource").Body.Bytes(),
			&rsp)).To(Succeed())

		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should collect a profile", func() {
		rec := get("/api/profile")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
	})

	It("should list the routes", func() {
		var routes []string
		Expect(json.Unmarshal(get("/").Body.Bytes(), &routes)).To(Succeed())

		Expect(routes).To(ContainElement("/api/tlb"))
	})

	It("should serve over TCP", func() {
		url := m.WithPortNumber(10).StartServer()
		defer m.StopServer()

		rsp, err := http.Get(url + "/api/addrspaces")
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		Expect(rsp.StatusCode).To(Equal(http.StatusOK))
	})
})
