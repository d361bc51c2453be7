//go:build linux || darwin

package engine

import (
	"time"
)

// State is the lifecycle stage of a slot.
type State uint8

const (
	// StateUnused slots hold no descriptor, and may be acquired.
	StateUnused State = iota
	// StateConnecting slots have a connect in flight.
	StateConnecting
	// StateEstablished slots are connected, and have sent their request.
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "Unused"
	case StateConnecting:
		return "Connecting"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

type slot struct {
	connectingAt  time.Time
	connectedAt   time.Time
	requestNumber int64
	index         int
	fd            int
	endpoint      int
	state         State
}

// slotTable is a fixed-capacity arena of connection slots. Acquire always
// returns the lowest-indexed unused slot.
type slotTable struct {
	slots []slot
	// every slot below lowFree is in use
	lowFree int
	live    int
}

func newSlotTable(capacity int) *slotTable {
	x := &slotTable{slots: make([]slot, capacity)}
	for i := range x.slots {
		x.slots[i] = slot{index: i, fd: -1}
	}
	return x
}

func (x *slotTable) capacity() int { return len(x.slots) }

// acquire returns the lowest-indexed unused slot, or nil if every slot is in
// use. The slot stays unused until the caller assigns it a state.
func (x *slotTable) acquire() *slot {
	if x.live == len(x.slots) {
		return nil
	}
	for i := x.lowFree; i < len(x.slots); i++ {
		if x.slots[i].state == StateUnused {
			x.lowFree = i
			return &x.slots[i]
		}
	}
	return nil
}

// occupy marks s as in use, with the given descriptor.
func (x *slotTable) occupy(s *slot, fd int, state State) {
	if s.state == StateUnused {
		x.live++
	}
	s.fd = fd
	s.state = state
	if s.index == x.lowFree {
		x.lowFree++
	}
}

// release closes the descriptor of s, if any, and marks it unused. Calling
// it again is a no-op.
func (x *slotTable) release(s *slot) {
	if s.state == StateUnused {
		return
	}
	if s.fd >= 0 {
		_ = closeFD(s.fd)
	}
	*s = slot{index: s.index, fd: -1}
	x.live--
	x.lowFree = min(x.lowFree, s.index)
}

// counts samples the number of connecting and established slots.
func (x *slotTable) counts() (pending, established int) {
	for i := range x.slots {
		switch x.slots[i].state {
		case StateConnecting:
			pending++
		case StateEstablished:
			established++
		}
	}
	return
}
