// Package assembly reassembles multi-frame payloads scanned in any order.
package assembly

import (
	"errors"
	"fmt"

	"github.com/skobkin/qrlink/internal/frames"
)

var (
	ErrDifferentPayloadInProgress = errors.New("different payload in progress")
	ErrInconsistentTotal          = errors.New("inconsistent frame total")
	ErrInvalidFrame               = errors.New("invalid frame")
	ErrFingerprintMismatch        = errors.New("reassembled payload fingerprint mismatch")
)

// Status is the kind of result returned by Ingest.
type Status int

const (
	StatusInProgress Status = iota
	StatusComplete
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusComplete:
		return "complete"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the result of ingesting one frame.
type Outcome struct {
	Status      Status
	Fingerprint frames.Fingerprint
	// Missing is the number of frames still needed while in progress.
	Missing int
	// Total is the frame count of the tracked payload, if any.
	Total int
	// Payload is set when Status is StatusComplete.
	Payload []byte
	// Reason is set when Status is StatusRejected.
	Reason error

	duplicate bool
}

// Duplicate reports whether the frame index had already been received.
func (o Outcome) Duplicate() bool {
	return o.duplicate
}

const (
	// maxPrealloc bounds allocations sized from an untrusted frame total.
	maxPrealloc = 1024
	// MaxMissingIndices caps the list returned by MissingIndices.
	MaxMissingIndices = 256
)

type state struct {
	fingerprint frames.Fingerprint
	total       uint32
	chunks      map[uint32][]byte
}

// Assembler tracks exactly one logical transmission at a time. It is not safe
// for concurrent use; callers serialize access.
type Assembler struct {
	cur *state
}

func New() *Assembler {
	return &Assembler{}
}

// Ingest adds a frame to the in-progress payload.
func (a *Assembler) Ingest(f frames.Frame) Outcome {
	if err := f.Validate(); err != nil {
		return rejected(f.Fingerprint, fmt.Errorf("%w: %v", ErrInvalidFrame, err))
	}

	if a.cur == nil {
		a.cur = &state{
			fingerprint: f.Fingerprint,
			total:       f.Total,
			chunks:      make(map[uint32][]byte, min(f.Total, maxPrealloc)),
		}
	}
	cur := a.cur

	if cur.fingerprint != f.Fingerprint {
		return rejected(f.Fingerprint, ErrDifferentPayloadInProgress)
	}
	if cur.total != f.Total {
		return rejected(f.Fingerprint, fmt.Errorf("%w: have %d, frame says %d", ErrInconsistentTotal, cur.total, f.Total))
	}

	if _, seen := cur.chunks[f.Index]; seen {
		out := a.inProgress()
		out.duplicate = true
		return out
	}
	cur.chunks[f.Index] = append([]byte{}, f.Bytes...)

	if len(cur.chunks) < int(cur.total) {
		return a.inProgress()
	}

	payload := cur.join()
	a.cur = nil
	if got := frames.FingerprintOf(payload); got != cur.fingerprint {
		return rejected(cur.fingerprint, fmt.Errorf("%w: frames say %s, payload hashes to %s", ErrFingerprintMismatch, cur.fingerprint, got))
	}

	return Outcome{
		Status:      StatusComplete,
		Fingerprint: cur.fingerprint,
		Total:       int(cur.total),
		Payload:     payload,
	}
}

// Reset drops any in-progress payload.
func (a *Assembler) Reset() {
	a.cur = nil
}

// InProgress reports whether a payload is partially assembled.
func (a *Assembler) InProgress() bool {
	return a.cur != nil
}

// Progress returns the received and total frame counts of the tracked
// payload, or zeros when idle.
func (a *Assembler) Progress() (received, total int) {
	if a.cur == nil {
		return 0, 0
	}

	return len(a.cur.chunks), int(a.cur.total)
}

// MissingIndices lists the lowest frame indices not yet received, in order,
// at most MaxMissingIndices of them. Outcome.Missing carries the full count.
func (a *Assembler) MissingIndices() []uint32 {
	if a.cur == nil {
		return nil
	}

	want := min(a.cur.total-uint32(len(a.cur.chunks)), MaxMissingIndices)
	missing := make([]uint32, 0, want)
	for i := uint32(0); i < a.cur.total && uint32(len(missing)) < want; i++ {
		if _, ok := a.cur.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}

	return missing
}

func (a *Assembler) inProgress() Outcome {
	return Outcome{
		Status:      StatusInProgress,
		Fingerprint: a.cur.fingerprint,
		Missing:     int(a.cur.total) - len(a.cur.chunks),
		Total:       int(a.cur.total),
	}
}

// join concatenates chunks in index order; callers ensure all are present.
func (s *state) join() []byte {
	size := 0
	for _, chunk := range s.chunks {
		size += len(chunk)
	}

	out := make([]byte, 0, size)
	for i := uint32(0); i < s.total; i++ {
		out = append(out, s.chunks[i]...)
	}

	return out
}

func rejected(fp frames.Fingerprint, reason error) Outcome {
	return Outcome{
		Status:      StatusRejected,
		Fingerprint: fp,
		Reason:      reason,
	}
}
