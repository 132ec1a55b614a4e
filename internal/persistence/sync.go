package persistence

import (
	"context"
	"log/slog"

	"github.com/skobkin/qrlink/internal/bus"
	"github.com/skobkin/qrlink/internal/events"
)

const storedBuffer = 16

// WriteQueue serializes persistence writes from async bus events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

// PayloadStore is the write side of PayloadRepo.
type PayloadStore interface {
	Save(ctx context.Context, rec PayloadRecord) (string, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

// PayloadSync stores every completed payload published on the bus and trims
// the table to keepLast rows after each insert.
type PayloadSync struct {
	bus      bus.MessageBus
	queue    WriteQueue
	store    PayloadStore
	keepLast int
	logger   *slog.Logger
	stored   chan PayloadRecord
}

func NewPayloadSync(b bus.MessageBus, queue WriteQueue, store PayloadStore, keepLast int, logger *slog.Logger) *PayloadSync {
	if logger == nil {
		logger = slog.Default().With("component", "persistence")
	}

	return &PayloadSync{
		bus:      b,
		queue:    queue,
		store:    store,
		keepLast: keepLast,
		logger:   logger,
		stored:   make(chan PayloadRecord, storedBuffer),
	}
}

// Stored yields records after they are written. Records are dropped when
// nobody drains the channel.
func (s *PayloadSync) Stored() <-chan PayloadRecord {
	return s.stored
}

func (s *PayloadSync) Start(ctx context.Context) {
	sub := s.bus.Subscribe(events.TopicScanPayload)

	go func() {
		defer s.bus.Unsubscribe(sub, events.TopicScanPayload)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				event, ok := raw.(events.PayloadReceived)
				if !ok {
					continue
				}
				s.enqueue(event)
			}
		}
	}()
}

func (s *PayloadSync) enqueue(event events.PayloadReceived) {
	rec := PayloadRecord{
		SessionID:   event.SessionID,
		Mode:        event.Mode,
		Fingerprint: event.Fingerprint,
		Frames:      event.Frames,
		ReceivedAt:  event.ReceivedAt,
		Body:        event.Payload,
	}

	s.queue.Enqueue("save_payload", func(writeCtx context.Context) error {
		id, err := s.store.Save(writeCtx, rec)
		if err != nil {
			return err
		}
		s.logger.Info("payload stored", "id", id, "session_id", rec.SessionID, "size", len(rec.Body))

		if s.keepLast > 0 {
			removed, err := s.store.Prune(writeCtx, s.keepLast)
			if err != nil {
				s.logger.Warn("prune payloads", "error", err)
			} else if removed > 0 {
				s.logger.Debug("pruned payloads", "removed", removed, "keep", s.keepLast)
			}
		}

		stored := rec
		stored.ID = id
		stored.Size = len(rec.Body)
		select {
		case s.stored <- stored:
		default:
		}

		return nil
	})
}
