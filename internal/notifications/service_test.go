package notifications

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/qrlink/internal/bus"
	"github.com/skobkin/qrlink/internal/events"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Payload
	ch   chan Payload
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan Payload, 16)}
}

func (r *recordingSender) Send(p Payload) {
	r.mu.Lock()
	r.sent = append(r.sent, p)
	r.mu.Unlock()
	r.ch <- p
}

func (r *recordingSender) next(t *testing.T) Payload {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notification")
		return Payload{}
	}
}

func (r *recordingSender) expectNone(t *testing.T) {
	t.Helper()
	select {
	case p := <-r.ch:
		t.Fatalf("unexpected notification: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func startService(t *testing.T, enabled func() bool) (*bus.PubSubBus, *recordingSender) {
	t.Helper()
	b := bus.New(nil)
	sender := newRecordingSender()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		b.Close()
	})

	NewService(b, enabled, sender, nil).Start(ctx)
	return b, sender
}

func TestServiceNotifiesOnSigningPayload(t *testing.T) {
	b, sender := startService(t, nil)

	b.Publish(events.TopicScanPayload, events.PayloadReceived{
		SessionID:   "s1",
		Mode:        "signing",
		Fingerprint: "00112233aabbccdd",
		Frames:      3,
		Payload:     make([]byte, 1500),
	})

	got := sender.next(t)
	if got.Title != titlePayloadReceived || got.Content != "1500 bytes in 3 frames (00112233aabbccdd)" {
		t.Fatalf("unexpected notification: %+v", got)
	}
}

func TestServiceNotifiesOnAddress(t *testing.T) {
	b, sender := startService(t, nil)

	b.Publish(events.TopicScanPayload, events.PayloadReceived{Mode: "address", Frames: 1, Payload: []byte(" 5Grwva ")})

	got := sender.next(t)
	if got.Title != titleAddressScanned || got.Content != "5Grwva" {
		t.Fatalf("unexpected notification: %+v", got)
	}
}

func TestServiceNotifiesOnceOnTimeout(t *testing.T) {
	b, sender := startService(t, nil)

	timedOut := events.ScanStateChange{SessionID: "s1", State: "timed_out", Err: "no complete payload before the session timeout"}
	b.Publish(events.TopicScanState, events.ScanStateChange{SessionID: "s1", State: "scanning"})
	b.Publish(events.TopicScanState, timedOut)
	b.Publish(events.TopicScanState, timedOut)

	got := sender.next(t)
	if got.Title != titleScanTimedOut || !strings.HasPrefix(got.Content, "no complete payload") {
		t.Fatalf("unexpected notification: %+v", got)
	}
	sender.expectNone(t)
}

func TestServiceRespectsDisabledPreference(t *testing.T) {
	b, sender := startService(t, func() bool { return false })

	b.Publish(events.TopicScanPayload, events.PayloadReceived{Mode: "signing", Frames: 1, Payload: []byte("x")})
	b.Publish(events.TopicScanState, events.ScanStateChange{SessionID: "s1", State: "timed_out"})

	sender.expectNone(t)
}

func TestAddressPreview(t *testing.T) {
	long := strings.Repeat("a", maxAddressPreview+10)
	if got := addressPreview([]byte(long)); got != strings.Repeat("a", maxAddressPreview)+"…" {
		t.Fatalf("unexpected long preview: %q", got)
	}
	if got := addressPreview([]byte{0xff}); got != "1 bytes" {
		t.Fatalf("unexpected invalid utf8 preview: %q", got)
	}
}

func TestBeeepSenderLogsFailures(t *testing.T) {
	var gotTitle, gotIcon string
	s := NewBeeepSender("", "icon.png", nil)
	s.notify = func(title, _ string, icon string) error {
		gotTitle, gotIcon = title, icon
		return errors.New("no notification daemon")
	}

	s.Send(Payload{Title: "Payload received", Content: "3 bytes"})
	if gotTitle != "Payload received" || gotIcon != "icon.png" {
		t.Fatalf("unexpected notify call: %q %q", gotTitle, gotIcon)
	}
}
