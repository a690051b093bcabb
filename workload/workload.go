// Package workload exercises a VM system the way a small user program would:
// it loads an image, grows the heap and the stack, forks and checks that
// every child sees exactly what its parent saw.
package workload

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/coremap"
	"github.com/sarchlab/mipsvm/machine"
	"github.com/sarchlab/mipsvm/mips"
)

// Layout of the program image.
const (
	TextBase = uint32(0x00400000)
	DataBase = uint32(0x10000000)

	TextPages = 3
	DataPages = 2
)

// ErrMismatch is returned when a read does not return what was written.
var ErrMismatch = errors.New("memory mismatch")

// Progress receives one tick per finished step.
type Progress interface {
	IncrementFinished(amount uint64)
}

type noProgress struct{}

func (noProgress) IncrementFinished(uint64) {}

// Config sizes the workload.
type Config struct {
	HeapPages  int
	StackPages int
	Forks      int
	Args       []string
}

// DefaultConfig is a workload that fits in one megabyte of RAM.
func DefaultConfig() Config {
	return Config{
		HeapPages:  32,
		StackPages: 8,
		Forks:      4,
		Args:       []string{"mipsvm", "workload"},
	}
}

// NumSteps returns the number of progress ticks Run reports.
func (c Config) NumSteps() uint64 {
	return uint64(4 + c.Forks)
}

// Report summarizes a run.
type Report struct {
	Faults     int
	Forks      int
	HeapPages  int
	StackPages int
	Released   int
	Stats      coremap.Stats
}

// A Runner runs the workload on a machine.
type Runner struct {
	m        *machine.Machine
	cfg      Config
	progress Progress
}

// NewRunner creates a Runner. A nil progress is allowed.
func NewRunner(m *machine.Machine, cfg Config, progress Progress) *Runner {
	if progress == nil {
		progress = noProgress{}
	}

	return &Runner{m: m, cfg: cfg, progress: progress}
}

// Image returns the program image that Run executes.
func Image() []machine.Segment {
	text := make([]byte, TextPages*mips.PageSize-1024)
	for i := range text {
		text[i] = byte(i * 7)
	}

	return []machine.Segment{
		{
			VAddr:      TextBase,
			MemSize:    TextPages * mips.PageSize,
			Data:       text,
			Readable:   true,
			Executable: true,
		},
		{
			VAddr:     DataBase,
			MemSize:   DataPages * mips.PageSize,
			Data:      []byte("initialized data"),
			Readable:  true,
			Writeable: true,
		},
	}
}

// Run executes the workload and returns what it did.
func (r *Runner) Run() (Report, error) {
	report := Report{}

	as, sp, err := r.m.Exec(Image(), r.cfg.Args)
	if err != nil {
		return report, fmt.Errorf("exec: %w", err)
	}
	r.progress.IncrementFinished(1)

	brk, err := r.growHeap(as)
	if err != nil {
		return report, fmt.Errorf("heap: %w", err)
	}
	report.HeapPages = r.cfg.HeapPages
	r.progress.IncrementFinished(1)

	err = r.growStack(sp)
	if err != nil {
		return report, fmt.Errorf("stack: %w", err)
	}
	report.StackPages = as.NumStackPages()
	r.progress.IncrementFinished(1)

	for i := 0; i < r.cfg.Forks; i++ {
		err = r.forkAndCompare(as, brk, byte(i))
		if err != nil {
			return report, fmt.Errorf("fork %d: %w", i, err)
		}

		report.Forks++
		r.progress.IncrementFinished(1)
	}

	released, err := r.shrinkHeap(as)
	if err != nil {
		return report, fmt.Errorf("shrink: %w", err)
	}
	report.Released = released
	r.progress.IncrementFinished(1)

	err = r.m.VM().CheckInvariants()
	if err != nil {
		return report, err
	}

	report.Faults = r.m.NumFaults()
	report.Stats = r.m.VM().Stats()

	return report, nil
}

func pattern(vaddr uint32, seed byte) []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = byte(vaddr>>12) ^ byte(i) ^ seed
	}

	return b
}

func (r *Runner) writeAndCheck(vaddr uint32, seed byte) error {
	want := pattern(vaddr, seed)

	err := r.m.Store(vaddr, want)
	if err != nil {
		return err
	}

	return r.check(vaddr, want)
}

func (r *Runner) check(vaddr uint32, want []byte) error {
	got := make([]byte, len(want))

	err := r.m.Load(vaddr, got)
	if err != nil {
		return err
	}

	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w at 0x%08x", ErrMismatch, vaddr)
	}

	return nil
}

// growHeap extends the break page by page in steps the kernel accepts and
// writes every new page. It returns the start of the heap.
func (r *Runner) growHeap(as *addrspace.AddrSpace) (uint32, error) {
	start := as.HeapStart
	remaining := r.cfg.HeapPages * mips.PageSize

	for remaining > 0 {
		step := remaining
		if step > addrspace.MaxBreakStep {
			step = addrspace.MaxBreakStep
		}

		_, err := r.m.Sbrk(int32(step))
		if err != nil {
			return 0, err
		}

		remaining -= step
	}

	for i := 0; i < r.cfg.HeapPages; i++ {
		err := r.writeAndCheck(start+uint32(i)*mips.PageSize, 0)
		if err != nil {
			return 0, err
		}
	}

	return start, nil
}

func (r *Runner) growStack(sp uint32) error {
	top := mips.PageAlign(sp)

	for i := 1; i < r.cfg.StackPages; i++ {
		err := r.writeAndCheck(top-uint32(i)*mips.PageSize, 0)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) snapshot(as *addrspace.AddrSpace) ([]byte, error) {
	size := int(as.HeapEnd - DataBase)
	buf := make([]byte, size)

	err := r.m.Load(DataBase, buf)

	return buf, err
}

func (r *Runner) forkAndCompare(
	parent *addrspace.AddrSpace,
	brk uint32,
	seed byte,
) error {
	system := r.m.VM()

	before, err := r.snapshot(parent)
	if err != nil {
		return err
	}

	child, err := r.m.Fork()
	if err != nil {
		return err
	}
	defer system.DestroyAddrSpace(child)

	system.Switch(child)
	defer system.Switch(parent)

	inChild, err := r.snapshot(child)
	if err != nil {
		return err
	}

	if !bytes.Equal(inChild, before) {
		return fmt.Errorf("%w: child %d differs from parent %d",
			ErrMismatch, child.ID, parent.ID)
	}

	err = r.writeAndCheck(brk, seed+1)
	if err != nil {
		return err
	}

	system.Switch(parent)

	return r.check(brk, pattern(brk, 0))
}

// shrinkHeap gives back the upper half of the heap.
func (r *Runner) shrinkHeap(as *addrspace.AddrSpace) (int, error) {
	before := r.m.VM().Stats().Mapped
	pages := r.cfg.HeapPages / 2

	for pages > 0 {
		step := pages
		if step*mips.PageSize > addrspace.MaxBreakStep {
			step = addrspace.MaxBreakStep / mips.PageSize
		}

		_, err := r.m.Sbrk(-int32(step * mips.PageSize))
		if err != nil {
			return 0, err
		}

		pages -= step
	}

	return before - r.m.VM().Stats().Mapped, nil
}
