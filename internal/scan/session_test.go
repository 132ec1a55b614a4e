package scan

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/qrlink/internal/assembly"
	"github.com/skobkin/qrlink/internal/bus"
	"github.com/skobkin/qrlink/internal/events"
	"github.com/skobkin/qrlink/internal/frames"
	"github.com/skobkin/qrlink/internal/wire"
)

type published struct {
	topic string
	msg   any
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *fakeBus) Publish(topic string, msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic: topic, msg: msg})
}

func (b *fakeBus) Subscribe(...string) bus.Subscription { return make(bus.Subscription) }

func (b *fakeBus) Unsubscribe(bus.Subscription, ...string) {}

func (b *fakeBus) Close() {}

func (b *fakeBus) topic(topic string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []any
	for _, m := range b.msgs {
		if m.topic == topic {
			out = append(out, m.msg)
		}
	}
	return out
}

func encodeFrames(t *testing.T, payload []byte, capacity int) []string {
	t.Helper()
	var wires []string
	for _, f := range frames.Split(payload, capacity) {
		w, err := wire.Encode(frames.MarshalFrame(f))
		if err != nil {
			t.Fatalf("encode frame: %v", err)
		}
		wires = append(wires, w)
	}
	return wires
}

type payloadRecorder struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *payloadRecorder) record(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *payloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func startSession(t *testing.T, b bus.MessageBus, opts Options) *Session {
	t.Helper()
	s := NewSession(nil, b, opts)
	if err := s.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(s.Cancel)
	return s
}

func TestSessionReassemblesSigningPayload(t *testing.T) {
	payload := []byte("unsigned transaction bytes that span frames")
	wires := encodeFrames(t, payload, 8)

	rec := &payloadRecorder{}
	b := &fakeBus{}
	s := startSession(t, b, Options{OnPayload: rec.record})

	for i := len(wires) - 1; i > 0; i-- {
		if got := s.OnRawScan(wires[i]); got != ResultAccepted {
			t.Fatalf("frame %d: expected accepted, got %s", i, got)
		}
		if got := s.OnRawScan(wires[i]); got != ResultDuplicate {
			t.Fatalf("frame %d: expected repeated read to be dropped, got %s", i, got)
		}
	}
	if received, total := s.Progress(); received != len(wires)-1 || total != len(wires) {
		t.Fatalf("unexpected progress %d/%d", received, total)
	}

	if got := s.OnRawScan(wires[0]); got != ResultComplete {
		t.Fatalf("expected completion, got %s", got)
	}
	if s.State() != StateComplete {
		t.Fatalf("expected complete state, got %s", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done channel not closed after completion")
	}

	if got := s.OnRawScan(wires[1]); got != ResultIgnored {
		t.Fatalf("expected reads after completion to be ignored, got %s", got)
	}
	if rec.count() != 1 || !bytes.Equal(rec.payloads[0], payload) {
		t.Fatalf("expected one delivery of the payload, got %q", rec.payloads)
	}

	delivered := b.topic(events.TopicScanPayload)
	if len(delivered) != 1 {
		t.Fatalf("expected one payload event, got %d", len(delivered))
	}
	ev := delivered[0].(events.PayloadReceived)
	if ev.SessionID != s.ID() || ev.Frames != len(wires) || ev.Fingerprint != frames.FingerprintOf(payload).String() {
		t.Fatalf("unexpected payload event: %+v", ev)
	}
	if progress := b.topic(events.TopicScanProgress); len(progress) != len(wires)-1 {
		t.Fatalf("expected %d progress events, got %d", len(wires)-1, len(progress))
	}
}

func TestSessionIgnoresScansWhenNotScanning(t *testing.T) {
	s := NewSession(nil, nil, Options{})
	w := encodeFrames(t, []byte("x"), 10)[0]

	if got := s.OnRawScan(w); got != ResultIgnored {
		t.Fatalf("expected idle session to ignore scans, got %s", got)
	}
	if s.State() != StateIdle {
		t.Fatalf("idle session changed state to %s", s.State())
	}
}

func TestSessionUnreadableKeepsScanning(t *testing.T) {
	b := &fakeBus{}
	s := startSession(t, b, Options{})

	for _, raw := range []string{"garbage", "4020", "402zz0", wire.MustEncode([]byte("no envelope"))} {
		if got := s.OnRawScan(raw); got != ResultUnreadable {
			t.Fatalf("%q: expected unreadable, got %s", raw, got)
		}
	}
	if s.State() != StateScanning {
		t.Fatalf("expected session to keep scanning, got %s", s.State())
	}
	if warnings := b.topic(events.TopicScanWarning); len(warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %d", len(warnings))
	}
}

func TestSessionDifferentPayloadIsWarning(t *testing.T) {
	first := encodeFrames(t, []byte("first request payload"), 6)
	second := encodeFrames(t, []byte("second request payload"), 6)

	b := &fakeBus{}
	rec := &payloadRecorder{}
	s := startSession(t, b, Options{OnPayload: rec.record})

	s.OnRawScan(first[0])
	if got := s.OnRawScan(second[1]); got != ResultWarning {
		t.Fatalf("expected warning, got %s", got)
	}
	if s.State() != StateScanning {
		t.Fatalf("warning changed state to %s", s.State())
	}
	warnings := b.topic(events.TopicScanWarning)
	if len(warnings) != 1 {
		t.Fatalf("expected one warning event, got %d", len(warnings))
	}

	for _, w := range first[1:] {
		s.OnRawScan(w)
	}
	if s.State() != StateComplete || rec.count() != 1 || string(rec.payloads[0]) != "first request payload" {
		t.Fatalf("original payload did not complete: state %s, payloads %q", s.State(), rec.payloads)
	}
}

func TestSessionDedupesOnlyConsecutiveReads(t *testing.T) {
	wires := encodeFrames(t, []byte("abcdefghijkl"), 4)
	s := startSession(t, nil, Options{})

	s.OnRawScan(wires[0])
	s.OnRawScan(wires[1])
	if got := s.OnRawScan(wires[0]); got != ResultDuplicate {
		t.Fatalf("expected assembler-level duplicate, got %s", got)
	}
	if received, _ := s.Progress(); received != 2 {
		t.Fatalf("duplicate changed progress to %d", received)
	}
}

func TestSessionHugeFrameTotalStaysCheap(t *testing.T) {
	b := &fakeBus{}
	s := startSession(t, b, Options{})
	forged := wire.MustEncode(frames.MarshalFrame(frames.Frame{
		Index:       0,
		Total:       math.MaxUint32,
		Fingerprint: frames.FingerprintOf([]byte("forged")),
		Bytes:       []byte("x"),
	}))

	start := time.Now()
	if got := s.OnRawScan(forged); got != ResultAccepted {
		t.Fatalf("expected accepted, got %s", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("forged total took %s to process", elapsed)
	}

	progress := b.topic(events.TopicScanProgress)
	if len(progress) != 1 {
		t.Fatalf("expected one progress event, got %d", len(progress))
	}
	ev := progress[0].(events.ScanProgress)
	if ev.Total != math.MaxUint32 || len(ev.Missing) != assembly.MaxMissingIndices || ev.Missing[0] != 1 {
		t.Fatalf("unexpected progress event: total %d, %d missing", ev.Total, len(ev.Missing))
	}
}

func TestSessionAddressMode(t *testing.T) {
	address := "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	rec := &payloadRecorder{}
	s := startSession(t, nil, Options{Mode: frames.ModeAddress, OnPayload: rec.record})

	if s.Mode() != frames.ModeAddress {
		t.Fatalf("unexpected mode %s", s.Mode())
	}
	if got := s.OnRawScan(wire.MustEncode([]byte{0xff, 0xfe})); got != ResultUnreadable {
		t.Fatalf("expected invalid UTF-8 to be unreadable, got %s", got)
	}
	if got := s.OnRawScan(encodeFrames(t, []byte(address), 8)[0]); got != ResultUnreadable {
		t.Fatalf("expected framed payload to be unreadable in address mode, got %s", got)
	}
	if got := s.OnRawScan(wire.MustEncode([]byte(address))); got != ResultComplete {
		t.Fatalf("expected address to complete, got %s", got)
	}
	if rec.count() != 1 || string(rec.payloads[0]) != address {
		t.Fatalf("unexpected delivered address %q", rec.payloads)
	}
}

func TestSessionTimeout(t *testing.T) {
	b := &fakeBus{}
	s := startSession(t, b, Options{Timeout: 20 * time.Millisecond})
	wires := encodeFrames(t, []byte("never finished"), 4)
	s.OnRawScan(wires[0])

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not time out")
	}

	if s.State() != StateTimedOut {
		t.Fatalf("expected timed out, got %s", s.State())
	}
	if received, total := s.Progress(); received != 0 || total != 0 {
		t.Fatalf("expected assembly to be reset on timeout, got %d/%d", received, total)
	}
	if got := s.OnRawScan(wires[1]); got != ResultIgnored {
		t.Fatalf("expected scans after timeout to be ignored, got %s", got)
	}

	var sawTimeout bool
	for _, m := range b.topic(events.TopicScanState) {
		if change := m.(events.ScanStateChange); change.State == string(StateTimedOut) {
			sawTimeout = change.Err != ""
		}
	}
	if !sawTimeout {
		t.Fatalf("expected timed out state event with an error message")
	}
}

func TestSessionCancel(t *testing.T) {
	wires := encodeFrames(t, []byte("cancel me please"), 4)
	rec := &payloadRecorder{}
	s := startSession(t, nil, Options{OnPayload: rec.record})

	s.OnRawScan(wires[0])
	s.Cancel()
	if s.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", s.State())
	}
	if received, _ := s.Progress(); received != 0 {
		t.Fatalf("expected cancel to reset assembly, got %d received", received)
	}
	for _, w := range wires {
		if got := s.OnRawScan(w); got != ResultIgnored {
			t.Fatalf("expected scan after cancel to be a no-op, got %s", got)
		}
	}
	if rec.count() != 0 {
		t.Fatalf("payload delivered after cancel")
	}
	s.Cancel()
}

func TestSessionCancelLogsDiscardedPartialPayload(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	wires := encodeFrames(t, []byte("partial payload"), 4)

	s := NewSession(logger, nil, Options{})
	if err := s.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}
	s.OnRawScan(wires[1])
	s.Cancel()

	out := logs.String()
	if !strings.Contains(out, "partial payload discarded") || !strings.Contains(out, "received=1") {
		t.Fatalf("expected partial discard to be logged, got %q", out)
	}

	logs.Reset()
	idle := NewSession(logger, nil, Options{})
	idle.Cancel()
	if strings.Contains(logs.String(), "partial payload discarded") {
		t.Fatalf("idle cancel must not report a partial payload: %q", logs.String())
	}
}

func TestSessionCancelFromIdleAndComplete(t *testing.T) {
	idle := NewSession(nil, nil, Options{})
	idle.Cancel()
	if idle.State() != StateCancelled {
		t.Fatalf("expected idle session to cancel, got %s", idle.State())
	}
	if err := idle.Start(); !errors.Is(err, ErrSessionNotIdle) {
		t.Fatalf("expected ErrSessionNotIdle, got %v", err)
	}

	done := startSession(t, nil, Options{})
	done.OnRawScan(encodeFrames(t, []byte("tiny"), 16)[0])
	if done.State() != StateComplete {
		t.Fatalf("expected complete, got %s", done.State())
	}
	done.Cancel()
	if done.State() != StateCancelled {
		t.Fatalf("expected complete session to cancel, got %s", done.State())
	}
}

func TestSessionConcurrentCancelDeliversAtMostOnce(t *testing.T) {
	wires := encodeFrames(t, bytes.Repeat([]byte("race"), 64), 16)

	for iter := 0; iter < 50; iter++ {
		rec := &payloadRecorder{}
		s := startSession(t, nil, Options{OnPayload: rec.record})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, w := range wires {
				s.OnRawScan(w)
			}
		}()
		go func() {
			defer wg.Done()
			s.Cancel()
		}()
		wg.Wait()

		if rec.count() > 1 {
			t.Fatalf("iter %d: payload delivered %d times", iter, rec.count())
		}
		if s.State() != StateCancelled && s.State() != StateComplete {
			t.Fatalf("iter %d: unexpected state %s", iter, s.State())
		}
	}
}

func TestResultAndStateStrings(t *testing.T) {
	if ResultComplete.String() != "complete" || Result(42).String() != "result(42)" {
		t.Fatalf("unexpected result strings")
	}
	if !StateTimedOut.Terminal() || StateScanning.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}
