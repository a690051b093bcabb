// Package monitoring serves the state of a running VM system over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/vm"
)

// Monitor turns a VM system into a server that can be inspected while the
// workload runs.
type Monitor struct {
	system      *vm.System
	counter     *vm.EventCounter
	portNumber  int
	profileTime time.Duration
	listener    net.Listener

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		profileTime: time.Second,
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterVM registers the VM system to be monitored.
func (m *Monitor) RegisterVM(system *vm.System) {
	m.system = system
}

// RegisterCounter registers the event counter served under /api/counters.
func (m *Monitor) RegisterCounter(counter *vm.EventCounter) {
	m.counter = counter
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := NewProgressBar(name, total)

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the list.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/coremap", m.listFrames)
	r.HandleFunc("/api/coremap/{id:[0-9]+}", m.frameDetails)
	r.HandleFunc("/api/tlb", m.listTLB)
	r.HandleFunc("/api/addrspaces", m.listAddrSpaces)
	r.HandleFunc("/api/addrspace/{id:[0-9]+}", m.addrSpaceDetails)
	r.HandleFunc("/api/counters", m.listCounters)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.HandleFunc("/", m.index)

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.listener = listener
	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	fmt.Fprintf(os.Stderr, "Monitoring VM with %s\n", url)

	r := m.router()
	go func() {
		err := http.Serve(listener, r)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Panic(err)
		}
	}()

	return url
}

// OpenBrowser shows the monitor in the default web browser.
func (m *Monitor) OpenBrowser(url string) {
	err := browser.OpenURL(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
	}
}

// StopServer stops accepting connections.
func (m *Monitor) StopServer() {
	if m.listener != nil {
		m.listener.Close()
		m.listener = nil
	}
}

func (m *Monitor) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, []string{
		"/api/coremap",
		"/api/coremap/{id}",
		"/api/tlb",
		"/api/addrspaces",
		"/api/addrspace/{id}",
		"/api/counters",
		"/api/progress",
		"/api/resource",
		"/api/profile",
	})
}

type coremapRsp struct {
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Free   int          `json:"free"`
	Fixed  int          `json:"fixed"`
	Mapped int          `json:"mapped"`
	Frames []frameBrief `json:"frames"`
}

type frameBrief struct {
	ID        int    `json:"id"`
	State     string `json:"state"`
	Owner     uint64 `json:"owner"`
	PAddr     uint32 `json:"paddr"`
	VAddr     uint32 `json:"vaddr"`
	RunLength int    `json:"run_length"`
}

func (m *Monitor) listFrames(w http.ResponseWriter, r *http.Request) {
	stats := m.system.Stats()
	rsp := coremapRsp{
		Name:   m.system.Coremap().Name(),
		Total:  stats.Total,
		Free:   stats.Free,
		Fixed:  stats.Fixed,
		Mapped: stats.Mapped,
	}

	state := r.URL.Query().Get("state")
	for _, e := range m.system.Frames() {
		if state != "" && e.State.String() != state {
			continue
		}

		rsp.Frames = append(rsp.Frames, frameBrief{
			ID:        e.ID,
			State:     e.State.String(),
			Owner:     uint64(e.Owner),
			PAddr:     e.PAddr,
			VAddr:     e.VAddr,
			RunLength: e.RunLength,
		})
	}

	writeJSON(w, rsp)
}

func (m *Monitor) frameDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e, found := m.system.Frame(id)
	if !found {
		http.Error(w, "Frame not found", http.StatusNotFound)
		return
	}

	writeJSON(w, frameBrief{
		ID:        e.ID,
		State:     e.State.String(),
		Owner:     uint64(e.Owner),
		PAddr:     e.PAddr,
		VAddr:     e.VAddr,
		RunLength: e.RunLength,
	})
}

func (m *Monitor) listTLB(w http.ResponseWriter, r *http.Request) {
	entries := m.system.TLBEntries()

	if r.URL.Query().Get("valid") == "true" {
		valid := entries[:0]
		for _, e := range entries {
			if e.Valid {
				valid = append(valid, e)
			}
		}

		entries = valid
	}

	writeJSON(w, entries)
}

func (m *Monitor) listAddrSpaces(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.system.DescribeAll())
}

func (m *Monitor) addrSpaceDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, found := m.system.Describe(addrspace.ID(id))
	if !found {
		http.Error(w, "Address space not found", http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&info)
	serializer.SetMaxDepth(2)

	if field := r.URL.Query().Get("field"); field != "" {
		err = serializer.SetEntryPoint(strings.Split(field, "."))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) listCounters(w http.ResponseWriter, _ *http.Request) {
	if m.counter == nil {
		writeJSON(w, map[string]uint64{})
		return
	}

	writeJSON(w, m.counter.Counts())
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]ProgressSnapshot, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.Snapshot())
	}

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(m.profileTime)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
