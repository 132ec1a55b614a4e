package frames

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/qrlink/internal/bus"
	"github.com/skobkin/qrlink/internal/events"
	"github.com/skobkin/qrlink/internal/wire"
)

var newTimer = time.NewTimer

// SequencerOptions configures the display side.
type SequencerOptions struct {
	Mode     Mode
	Capacity int
	Timing   Timing
}

// playback is swapped as a whole when the payload changes so the display
// loop never observes a partially replaced frame set.
type playback struct {
	fingerprint Fingerprint
	player      *Player
	first       events.DisplayFrame
}

// Sequencer turns the current payload into a cycle of WireStrings and drives
// the display timer.
type Sequencer struct {
	logger *slog.Logger
	bus    bus.MessageBus
	opts   SequencerOptions

	mu      sync.Mutex
	state   atomic.Pointer[playback]
	current atomic.Pointer[events.DisplayFrame]
	restart chan struct{}
}

func NewSequencer(logger *slog.Logger, b bus.MessageBus, opts SequencerOptions) *Sequencer {
	if logger == nil {
		logger = slog.Default().With("component", "frames.sequencer")
	}
	if opts.Mode == "" {
		opts.Mode = ModeSigning
	}
	opts.Capacity = clampCapacity(opts.Capacity)
	opts.Timing = opts.Timing.normalized()

	return &Sequencer{
		logger:  logger,
		bus:     b,
		opts:    opts,
		restart: make(chan struct{}, 1),
	}
}

// SetPayload replaces the displayed payload. It reports false and keeps the
// running cycle when the payload fingerprint is unchanged.
func (s *Sequencer) SetPayload(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := FingerprintOf(payload)
	if prev := s.state.Load(); prev != nil && prev.fingerprint == fp {
		return false
	}

	wires := s.render(payload)
	pb := &playback{
		fingerprint: fp,
		player:      NewPlayer(wires, s.opts.Timing),
		first: events.DisplayFrame{
			Wire:        wires[0],
			Index:       0,
			Total:       len(wires),
			Fingerprint: fp.String(),
			Interval:    s.opts.Timing.Base,
			MultiFrame:  len(wires) > 1,
		},
	}
	if len(wires) == 1 {
		pb.first.Interval = 0
	}
	s.state.Store(pb)
	first := pb.first
	s.current.Store(&first)

	s.logger.Debug("payload changed", "fingerprint", fp.String(), "size", len(payload), "frames", len(wires))
	select {
	case s.restart <- struct{}{}:
	default:
	}

	return true
}

func (s *Sequencer) render(payload []byte) []string {
	if s.opts.Mode == ModeAddress && len(payload) > wire.MaxPayloadLen {
		s.logger.Warn("address payload does not fit one code, using frames", "size", len(payload))
	}

	return Render(s.opts.Mode, payload, s.opts.Capacity)
}

// Render returns the WireStrings a sequencer in mode cycles through for
// payload. Address payloads are a single bare code unless they are too large
// for one, in which case they are framed like signing payloads.
func Render(mode Mode, payload []byte, capacity int) []string {
	if mode == ModeAddress {
		if encoded, err := wire.Encode(payload); err == nil {
			return []string{encoded}
		}
	}

	parts := Split(payload, clampCapacity(capacity))
	wires := make([]string, 0, len(parts))
	for _, f := range parts {
		wires = append(wires, wire.MustEncode(MarshalFrame(f)))
	}

	return wires
}

// Current returns the WireString to render, or an empty string before the
// first payload.
func (s *Sequencer) Current() string {
	return s.Snapshot().Wire
}

// IsMultiFrame reports whether the current payload cycles through frames.
func (s *Sequencer) IsMultiFrame() bool {
	return s.Snapshot().MultiFrame
}

// Snapshot returns the frame currently on display.
func (s *Sequencer) Snapshot() events.DisplayFrame {
	if cur := s.current.Load(); cur != nil {
		return *cur
	}

	return events.DisplayFrame{}
}

// Run drives the display cycle until ctx is done. Single-frame payloads are
// shown once and no timer is armed for them. Run must not be called
// concurrently with itself.
func (s *Sequencer) Run(ctx context.Context) {
	for {
		pb := s.state.Load()
		if pb == nil {
			if !s.wait(ctx, nil, nil) {
				return
			}
			continue
		}

		w, index, delay := pb.player.Next()
		frame := events.DisplayFrame{
			Wire:        w,
			Index:       index,
			Total:       pb.player.Len(),
			Fingerprint: pb.fingerprint.String(),
			Interval:    delay,
			MultiFrame:  pb.player.Len() > 1,
		}
		s.current.Store(&frame)
		if s.bus != nil {
			s.bus.Publish(events.TopicDisplayFrame, frame)
		}

		if delay == 0 {
			if !s.wait(ctx, pb, nil) {
				return
			}
			continue
		}

		timer := newTimer(delay)
		ok := s.wait(ctx, pb, timer.C)
		timer.Stop()
		if !ok {
			return
		}
	}
}

// wait blocks until the timer fires, the playback is replaced, or ctx ends.
// A nil timer channel waits for a payload change only.
func (s *Sequencer) wait(ctx context.Context, pb *playback, timerC <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.restart:
			if s.state.Load() != pb {
				return true
			}
		case <-timerC:
			return true
		}
	}
}

// clampCapacity keeps every framed chunk encodable as one WireString.
func clampCapacity(capacity int) int {
	if capacity <= 0 {
		return DefaultCapacity
	}
	if limit := wire.MaxPayloadLen - HeaderLen; capacity > limit {
		return limit
	}

	return capacity
}
