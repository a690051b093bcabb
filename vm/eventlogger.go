package vm

import (
	"log"

	"github.com/sarchlab/mipsvm/coremap"
	"github.com/sarchlab/mipsvm/hooking"
)

// EventLogger is a hook that prints VM events. It can be attached to the
// System and to its Coremap.
type EventLogger struct {
	*log.Logger
}

// NewEventLogger returns an EventLogger that writes into logger.
func NewEventLogger(logger *log.Logger) *EventLogger {
	return &EventLogger{Logger: logger}
}

// Func writes one line per event.
func (h *EventLogger) Func(ctx hooking.HookCtx) {
	switch detail := ctx.Detail.(type) {
	case FaultEvent:
		if detail.Err != nil {
			h.Printf("fault %s 0x%08x as=%d: %v",
				detail.Type, detail.VAddr, detail.AddrSpace, detail.Err)
			return
		}

		h.Printf("fault %s 0x%08x as=%d %s -> 0x%08x",
			detail.Type, detail.VAddr, detail.AddrSpace,
			detail.Segment, detail.PAddr)
	case TLBEvent:
		h.Printf("%s slot=%d hi=0x%08x lo=0x%08x",
			ctx.Pos.Name, detail.Slot, detail.Hi, detail.Lo)
	case AddrSpaceEvent:
		h.Printf("%s as=%d parent=%d pages=%d",
			ctx.Pos.Name, detail.AddrSpace, detail.Parent, detail.NumPages)
	case coremap.FrameEvent:
		h.Printf("%s frame=%d n=%d owner=%d vaddr=0x%08x stolen=%t",
			ctx.Pos.Name, detail.FirstFrame, detail.NumFrames,
			detail.Owner, detail.VAddr, detail.Stolen)
	}
}
