package frames

import "time"

const (
	DefaultCapacity      = 512
	DefaultFrameInterval = 250 * time.Millisecond
	DefaultIntervalStep  = 50 * time.Millisecond
	DefaultMaxInterval   = 2 * time.Second
)

// Timing controls the cycling cadence of a multi-frame payload.
type Timing struct {
	// Base is the per-frame delay of the first cycle.
	Base time.Duration
	// Step is added to the delay every time the cycle wraps to frame 0.
	Step time.Duration
	// Max caps the delay. Zero means no cap.
	Max time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Base: DefaultFrameInterval,
		Step: DefaultIntervalStep,
		Max:  DefaultMaxInterval,
	}
}

func (t Timing) normalized() Timing {
	if t.Base <= 0 {
		t.Base = DefaultFrameInterval
	}
	if t.Step < 0 {
		t.Step = 0
	}
	if t.Max > 0 && t.Max < t.Base {
		t.Max = t.Base
	}

	return t
}

// Player yields the WireStrings of one payload in display order. It is not
// safe for concurrent use; a Sequencer drives it from a single goroutine.
type Player struct {
	wires    []string
	timing   Timing
	index    int
	interval time.Duration
}

func NewPlayer(wires []string, timing Timing) *Player {
	p := &Player{
		wires:  wires,
		timing: timing.normalized(),
	}
	p.Restart()

	return p
}

// Len returns the number of frames in the cycle.
func (p *Player) Len() int {
	return len(p.wires)
}

// Restart rewinds to frame 0 and the base interval.
func (p *Player) Restart() {
	p.index = 0
	p.interval = p.timing.Base
}

// Interval returns the delay applied to the frames of the current cycle.
func (p *Player) Interval() time.Duration {
	return p.interval
}

// Next returns the frame to show now, its index and how long to show it. A
// zero delay means the frame is static and no timer is needed.
func (p *Player) Next() (wire string, index int, delay time.Duration) {
	switch len(p.wires) {
	case 0:
		return "", 0, 0
	case 1:
		return p.wires[0], 0, 0
	}

	wire, index, delay = p.wires[p.index], p.index, p.interval
	p.index++
	if p.index == len(p.wires) {
		p.index = 0
		p.interval += p.timing.Step
		if p.timing.Max > 0 && p.interval > p.timing.Max {
			p.interval = p.timing.Max
		}
	}

	return wire, index, delay
}
