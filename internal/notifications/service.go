package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/skobkin/qrlink/internal/bus"
	"github.com/skobkin/qrlink/internal/events"
)

const (
	titlePayloadReceived = "Payload received"
	titleAddressScanned  = "Address scanned"
	titleScanTimedOut    = "Scan timed out"

	maxAddressPreview = 64
)

// Service listens to scan events and emits user-facing notifications.
type Service struct {
	bus     bus.MessageBus
	enabled func() bool
	sender  Sender
	logger  *slog.Logger

	stateMu   sync.Mutex
	lastState map[string]string
}

// NewService builds a notification service. enabled is consulted on every
// event so preference changes apply without a restart; nil means always on.
func NewService(messageBus bus.MessageBus, enabled func() bool, sender Sender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default().With("component", "notifications")
	}

	return &Service{
		bus:       messageBus,
		enabled:   enabled,
		sender:    sender,
		logger:    logger,
		lastState: make(map[string]string),
	}
}

func (s *Service) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	payloadSub := s.bus.Subscribe(events.TopicScanPayload)
	stateSub := s.bus.Subscribe(events.TopicScanState)

	go func() {
		defer s.bus.Unsubscribe(payloadSub, events.TopicScanPayload)
		defer s.bus.Unsubscribe(stateSub, events.TopicScanState)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-payloadSub:
				if !ok {
					return
				}
				event, ok := raw.(events.PayloadReceived)
				if !ok {
					continue
				}
				s.handlePayload(event)
			case raw, ok := <-stateSub:
				if !ok {
					return
				}
				change, ok := raw.(events.ScanStateChange)
				if !ok {
					continue
				}
				s.handleState(change)
			}
		}
	}()
}

func (s *Service) handlePayload(event events.PayloadReceived) {
	if !s.isEnabled() {
		return
	}

	if event.Mode == "address" {
		s.send(Payload{
			Title:   titleAddressScanned,
			Content: addressPreview(event.Payload),
		})
		return
	}

	frames := "1 frame"
	if event.Frames != 1 {
		frames = fmt.Sprintf("%d frames", event.Frames)
	}
	s.send(Payload{
		Title:   titlePayloadReceived,
		Content: fmt.Sprintf("%d bytes in %s (%s)", len(event.Payload), frames, event.Fingerprint),
	})
}

func (s *Service) handleState(change events.ScanStateChange) {
	if change.State == "" {
		return
	}

	s.stateMu.Lock()
	if s.lastState[change.SessionID] == change.State {
		s.stateMu.Unlock()
		return
	}
	s.lastState[change.SessionID] = change.State
	s.stateMu.Unlock()

	if change.State != "timed_out" || !s.isEnabled() {
		return
	}

	details := "No complete payload was received"
	if errText := strings.TrimSpace(change.Err); errText != "" {
		details = errText
	}
	s.send(Payload{
		Title:   titleScanTimedOut,
		Content: details + ". Try scanning again.",
	})
}

func (s *Service) isEnabled() bool {
	return s.enabled == nil || s.enabled()
}

func (s *Service) send(notification Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title)
	s.sender.Send(Payload{
		Title:   title,
		Content: content,
	})
}

func addressPreview(raw []byte) string {
	if !utf8.Valid(raw) {
		return fmt.Sprintf("%d bytes", len(raw))
	}
	address := strings.TrimSpace(string(raw))
	if utf8.RuneCountInString(address) <= maxAddressPreview {
		return address
	}

	return string([]rune(address)[:maxAddressPreview]) + "…"
}
