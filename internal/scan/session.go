// Package scan drives a scanning session: it filters repeated camera reads,
// decodes WireStrings and feeds frames to the assembler until a payload is
// complete, the session times out or the caller cancels.
package scan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/skobkin/qrlink/internal/assembly"
	"github.com/skobkin/qrlink/internal/bus"
	"github.com/skobkin/qrlink/internal/events"
	"github.com/skobkin/qrlink/internal/frames"
	"github.com/skobkin/qrlink/internal/wire"
)

var (
	ErrSessionNotIdle = errors.New("scan session is not idle")
	ErrNotAddress     = errors.New("scanned code is not a plain address")
	ErrTimedOut       = errors.New("no complete payload before the session timeout")
)

// State is the lifecycle position of a Session.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateComplete  State = "complete"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions except cancel can happen.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// Result tells the caller what happened to one raw read.
type Result int

const (
	// ResultIgnored means the session was not scanning.
	ResultIgnored Result = iota
	// ResultDuplicate means the read repeated the previous one.
	ResultDuplicate
	// ResultUnreadable means the read could not be decoded; keep scanning.
	ResultUnreadable
	// ResultWarning means the frame was rejected by the assembler.
	ResultWarning
	// ResultAccepted means a new frame was stored.
	ResultAccepted
	// ResultComplete means the payload was delivered.
	ResultComplete
)

func (r Result) String() string {
	switch r {
	case ResultIgnored:
		return "ignored"
	case ResultDuplicate:
		return "duplicate"
	case ResultUnreadable:
		return "unreadable"
	case ResultWarning:
		return "warning"
	case ResultAccepted:
		return "accepted"
	case ResultComplete:
		return "complete"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Options configures a Session.
type Options struct {
	Mode frames.Mode
	// Timeout bounds the whole session. Zero disables it.
	Timeout time.Duration
	// OnPayload receives the reassembled payload exactly once.
	OnPayload func(payload []byte)
}

type publication struct {
	topic string
	msg   any
}

// Session is safe for concurrent use.
type Session struct {
	id        string
	mode      frames.Mode
	timeout   time.Duration
	onPayload func([]byte)
	logger    *slog.Logger
	bus       bus.MessageBus

	mu        sync.Mutex
	state     State
	assembler *assembly.Assembler
	lastRaw   string
	hasLast   bool
	timer     *time.Timer
	done      chan struct{}
	finished  bool
}

func NewSession(logger *slog.Logger, b bus.MessageBus, opts Options) *Session {
	if opts.Mode == "" {
		opts.Mode = frames.ModeSigning
	}
	id := uuid.NewString()
	if logger == nil {
		logger = slog.Default().With("component", "scan.session")
	}

	return &Session{
		id:        id,
		mode:      opts.Mode,
		timeout:   opts.Timeout,
		onPayload: opts.OnPayload,
		logger:    logger.With("session_id", id, "mode", string(opts.Mode)),
		bus:       b,
		state:     StateIdle,
		assembler: assembly.New(),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Mode() frames.Mode {
	return s.mode
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Progress returns the received and total frame counts of the payload being
// assembled.
func (s *Session) Progress() (received, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.assembler.Progress()
}

// Start moves an idle session to scanning and arms the session timeout.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotIdle, state)
	}
	s.state = StateScanning
	if s.timeout > 0 {
		s.timer = time.AfterFunc(s.timeout, s.expire)
	}
	s.mu.Unlock()

	s.logger.Info("scan session started", "timeout", s.timeout)
	s.publish([]publication{s.stateChange(StateScanning, nil)})

	return nil
}

// OnRawScan processes one raw read from the scanner.
func (s *Session) OnRawScan(raw string) Result {
	s.mu.Lock()
	if s.state != StateScanning {
		s.mu.Unlock()
		return ResultIgnored
	}
	if s.hasLast && raw == s.lastRaw {
		s.mu.Unlock()
		return ResultDuplicate
	}
	s.lastRaw = raw
	s.hasLast = true

	result, pubs, payload := s.handle(raw)
	s.mu.Unlock()

	s.publish(pubs)
	if result == ResultComplete && s.onPayload != nil {
		s.onPayload(payload)
	}

	return result
}

// handle runs with s.mu held.
func (s *Session) handle(raw string) (Result, []publication, []byte) {
	decoded, err := wire.Decode(raw)
	if err != nil {
		s.logger.Debug("unreadable code", "error", err, "len", len(raw))
		return ResultUnreadable, []publication{s.warning(err, 0)}, nil
	}

	if s.mode == frames.ModeAddress {
		if err := checkAddress(decoded); err != nil {
			s.logger.Debug("unreadable address", "error", err)
			return ResultUnreadable, []publication{s.warning(err, 0)}, nil
		}
		return s.complete(decoded, frames.FingerprintOf(decoded), 1)
	}

	frame, err := frames.UnmarshalFrame(decoded)
	if err != nil {
		s.logger.Debug("unreadable frame", "error", err)
		return ResultUnreadable, []publication{s.warning(err, 0)}, nil
	}

	out := s.assembler.Ingest(frame)
	switch out.Status {
	case assembly.StatusComplete:
		return s.complete(out.Payload, out.Fingerprint, out.Total)
	case assembly.StatusRejected:
		if errors.Is(out.Reason, assembly.ErrDifferentPayloadInProgress) {
			s.logger.Warn("frame from a different payload", "fingerprint", out.Fingerprint.String())
		} else {
			s.logger.Warn("frame rejected", "fingerprint", out.Fingerprint.String(), "reason", out.Reason)
		}
		return ResultWarning, []publication{s.warning(out.Reason, out.Fingerprint)}, nil
	default:
		if out.Duplicate() {
			return ResultDuplicate, nil, nil
		}
		received, total := s.assembler.Progress()
		s.logger.Debug("frame accepted", "index", frame.Index, "received", received, "total", total)
		return ResultAccepted, []publication{{
			topic: events.TopicScanProgress,
			msg: events.ScanProgress{
				SessionID:   s.id,
				Fingerprint: out.Fingerprint.String(),
				Received:    received,
				Total:       total,
				Missing:     s.assembler.MissingIndices(),
			},
		}}, nil
	}
}

// complete runs with s.mu held.
func (s *Session) complete(payload []byte, fp frames.Fingerprint, total int) (Result, []publication, []byte) {
	s.finish(StateComplete)
	s.logger.Info("payload received", "fingerprint", fp.String(), "size", len(payload), "frames", total)

	return ResultComplete, []publication{
		{
			topic: events.TopicScanPayload,
			msg: events.PayloadReceived{
				SessionID:   s.id,
				Mode:        string(s.mode),
				Fingerprint: fp.String(),
				Frames:      total,
				Payload:     payload,
				ReceivedAt:  time.Now(),
			},
		},
		s.stateChange(StateComplete, nil),
	}, payload
}

// Cancel moves the session to cancelled from any state and drops partial
// frames. Reads delivered after Cancel are ignored.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	partial := s.assembler.InProgress()
	received, total := s.assembler.Progress()
	s.assembler.Reset()
	s.finish(StateCancelled)
	s.mu.Unlock()

	if partial {
		s.logger.Info("scan session cancelled, partial payload discarded", "received", received, "total", total)
	} else {
		s.logger.Info("scan session cancelled")
	}
	s.publish([]publication{s.stateChange(StateCancelled, nil)})
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.state != StateScanning {
		s.mu.Unlock()
		return
	}
	received, total := s.assembler.Progress()
	s.assembler.Reset()
	s.finish(StateTimedOut)
	s.mu.Unlock()

	s.logger.Warn("scan session timed out", "received", received, "total", total)
	s.publish([]publication{s.stateChange(StateTimedOut, ErrTimedOut)})
}

// finish runs with s.mu held.
func (s *Session) finish(state State) {
	s.state = state
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.finished {
		s.finished = true
		close(s.done)
	}
}

func (s *Session) stateChange(state State, err error) publication {
	change := events.ScanStateChange{
		SessionID: s.id,
		Mode:      string(s.mode),
		State:     string(state),
		Timestamp: time.Now(),
	}
	if err != nil {
		change.Err = err.Error()
	}

	return publication{topic: events.TopicScanState, msg: change}
}

func (s *Session) warning(reason error, fp frames.Fingerprint) publication {
	w := events.ScanWarning{SessionID: s.id, Reason: reason.Error()}
	if fp != 0 {
		w.Fingerprint = fp.String()
	}

	return publication{topic: events.TopicScanWarning, msg: w}
}

func (s *Session) publish(pubs []publication) {
	if s.bus == nil {
		return
	}
	for _, p := range pubs {
		s.bus.Publish(p.topic, p.msg)
	}
}

func checkAddress(b []byte) error {
	if _, err := frames.UnmarshalFrame(b); err == nil {
		return fmt.Errorf("%w: got a multi-frame envelope", ErrNotAddress)
	}
	if !utf8.Valid(b) {
		return fmt.Errorf("%w: invalid UTF-8", ErrNotAddress)
	}

	return nil
}
