package vm

import (
	"sync"

	"github.com/sarchlab/mipsvm/hooking"
)

// EventCounter is a hook that counts events by name. A fault is counted once
// under its hook position and once under "Fault/<type>/<segment>", or
// "Fault/<type>/error" when it failed.
//
// Counts can be read while the VM system runs.
type EventCounter struct {
	lock   sync.Mutex
	names  []string
	counts map[string]uint64
}

// NewEventCounter creates an EventCounter with no counts.
func NewEventCounter() *EventCounter {
	return &EventCounter{
		counts: make(map[string]uint64),
	}
}

// Func counts the event.
func (c *EventCounter) Func(ctx hooking.HookCtx) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.count(ctx.Pos.Name)

	detail, ok := ctx.Detail.(FaultEvent)
	if !ok {
		return
	}

	if detail.Err != nil {
		c.count("Fault/" + detail.Type.String() + "/error")
		return
	}

	c.count("Fault/" + detail.Type.String() + "/" + detail.Segment.String())
}

func (c *EventCounter) count(name string) {
	if _, ok := c.counts[name]; !ok {
		c.names = append(c.names, name)
	}

	c.counts[name]++
}

// Names returns the counted names in the order they first appeared.
func (c *EventCounter) Names() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]string(nil), c.names...)
}

// Count returns how many times name was seen.
func (c *EventCounter) Count(name string) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.counts[name]
}

// Counts returns a copy of all counts.
func (c *EventCounter) Counts() map[string]uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}

	return out
}
