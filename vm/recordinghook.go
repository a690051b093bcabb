package vm

import (
	"github.com/sarchlab/mipsvm/coremap"
	"github.com/sarchlab/mipsvm/datarecording"
	"github.com/sarchlab/mipsvm/hooking"
)

// Tables written by RecordingHook.
const (
	FaultTable     = "fault"
	TLBTable       = "tlb"
	FrameTable     = "frame"
	AddrSpaceTable = "addrspace"
)

// FaultRow is a row of the fault table.
type FaultRow struct {
	Seq       uint64
	AddrSpace uint64
	Type      string
	VAddr     uint32
	Segment   string
	PAddr     uint32
	Error     string
}

// TLBRow is a row of the tlb table.
type TLBRow struct {
	Seq   uint64
	Event string
	Slot  int
	Hi    uint32
	Lo    uint32
}

// FrameRow is a row of the frame table.
type FrameRow struct {
	Seq        uint64
	Event      string
	FirstFrame int
	NumFrames  int
	Owner      uint64
	VAddr      uint32
	PAddr      uint32
	Stolen     bool
}

// AddrSpaceRow is a row of the addrspace table.
type AddrSpaceRow struct {
	Seq       uint64
	Event     string
	AddrSpace uint64
	Parent    uint64
	NumPages  int
}

// RecordingHook stores every VM event into a DataRecorder. Rows are numbered
// in the order the events happen, across all tables.
//
// Hooks run with interrupts masked, so Func only keeps rows in memory. They
// reach the recorder, and the database, on Flush.
type RecordingHook struct {
	recorder datarecording.DataRecorder
	seq      uint64
	pending  []pendingRow
}

type pendingRow struct {
	table string
	row   any
}

// NewRecordingHook creates the event tables in recorder.
func NewRecordingHook(recorder datarecording.DataRecorder) *RecordingHook {
	recorder.CreateTable(FaultTable, FaultRow{})
	recorder.CreateTable(TLBTable, TLBRow{})
	recorder.CreateTable(FrameTable, FrameRow{})
	recorder.CreateTable(AddrSpaceTable, AddrSpaceRow{})

	return &RecordingHook{recorder: recorder}
}

func (h *RecordingHook) buffer(table string, row any) {
	h.pending = append(h.pending, pendingRow{table: table, row: row})
}

// Pending returns the number of rows not yet handed to the recorder.
func (h *RecordingHook) Pending() int {
	return len(h.pending)
}

// Func buffers one row for the event.
func (h *RecordingHook) Func(ctx hooking.HookCtx) {
	h.seq++

	switch detail := ctx.Detail.(type) {
	case FaultEvent:
		row := FaultRow{
			Seq:       h.seq,
			AddrSpace: uint64(detail.AddrSpace),
			Type:      detail.Type.String(),
			VAddr:     detail.VAddr,
			PAddr:     detail.PAddr,
		}

		if detail.Err != nil {
			row.Error = detail.Err.Error()
		} else {
			row.Segment = detail.Segment.String()
		}

		h.buffer(FaultTable, row)
	case TLBEvent:
		h.buffer(TLBTable, TLBRow{
			Seq:   h.seq,
			Event: ctx.Pos.Name,
			Slot:  detail.Slot,
			Hi:    detail.Hi,
			Lo:    detail.Lo,
		})
	case coremap.FrameEvent:
		h.buffer(FrameTable, FrameRow{
			Seq:        h.seq,
			Event:      ctx.Pos.Name,
			FirstFrame: detail.FirstFrame,
			NumFrames:  detail.NumFrames,
			Owner:      uint64(detail.Owner),
			VAddr:      detail.VAddr,
			PAddr:      detail.PAddr,
			Stolen:     detail.Stolen,
		})
	case AddrSpaceEvent:
		h.buffer(AddrSpaceTable, AddrSpaceRow{
			Seq:       h.seq,
			Event:     ctx.Pos.Name,
			AddrSpace: uint64(detail.AddrSpace),
			Parent:    uint64(detail.Parent),
			NumPages:  detail.NumPages,
		})
	default:
		h.seq--
	}
}

// Flush hands the buffered rows to the recorder and writes them. It must be
// called with interrupts enabled, never from inside a hook.
func (h *RecordingHook) Flush() {
	for _, p := range h.pending {
		h.recorder.InsertData(p.table, p.row)
	}
	h.pending = nil

	h.recorder.Flush()
}
