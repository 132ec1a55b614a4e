package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/qrlink/internal/bus"
	"github.com/skobkin/qrlink/internal/events"
	"github.com/skobkin/qrlink/internal/scan"
)

const previewLen = 32

var (
	initialBackoff = time.Second
	maxBackoff     = 15 * time.Second
)

// Sink consumes raw scans. *scan.Session implements it.
type Sink interface {
	OnRawScan(raw string) scan.Result
}

// Service pumps scans from a Source into a Sink, reconnecting with backoff
// when the source fails.
type Service struct {
	logger *slog.Logger
	bus    bus.MessageBus
	source Source
	sink   Sink
}

func NewService(logger *slog.Logger, b bus.MessageBus, src Source, sink Sink) *Service {
	if logger == nil {
		logger = slog.Default().With("component", "scanner")
	}

	return &Service{
		logger: logger,
		bus:    b,
		source: src,
		sink:   sink,
	}
}

func (s *Service) Start(ctx context.Context) {
	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("scanner stopped", "error", err)
		}
	}()
}

// Run blocks until ctx ends or the source reports io.EOF, in which case it
// returns nil.
func (s *Service) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.publishStatus(events.SourceConnecting, nil)
		if err := s.source.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.publishStatus(events.SourceReconnecting, err)
			s.logger.Error("scanner connect failed", "source", s.source.Name(), "error", err)
			if !sleepWithContext(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		s.publishStatus(events.SourceConnected, nil)
		s.logger.Info("scanner connected", "source", s.source.Name())

		err := s.runReader(ctx)
		_ = s.source.Close()
		if errors.Is(err, io.EOF) {
			s.publishStatus(events.SourceClosed, nil)
			s.logger.Info("scanner input ended", "source", s.source.Name())
			return nil
		}
		if ctx.Err() != nil {
			s.publishStatus(events.SourceClosed, nil)
			return ctx.Err()
		}

		s.publishStatus(events.SourceReconnecting, err)
		s.logger.Warn("scanner read failed", "source", s.source.Name(), "error", err)
		if !sleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Service) runReader(ctx context.Context) error {
	for {
		raw, err := s.source.ReadScan(ctx)
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				s.logger.Warn("dropped oversized scan", "error", err)
				continue
			}
			return err
		}

		if s.bus != nil {
			s.bus.Publish(events.TopicScanRaw, events.RawScan{
				Source:  s.source.Name(),
				Len:     len(raw),
				Preview: preview(raw),
				At:      time.Now(),
			})
		}
		result := s.sink.OnRawScan(raw)
		s.logger.Debug("scan processed", "result", result.String(), "len", len(raw))
	}
}

func (s *Service) publishStatus(state events.SourceState, err error) {
	if s.bus == nil {
		return
	}
	status := events.SourceStatus{
		Source:    s.source.Name(),
		State:     state,
		Timestamp: time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	s.bus.Publish(events.TopicSourceStatus, status)
}

func preview(raw string) string {
	if len(raw) <= previewLen {
		return raw
	}
	return raw[:previewLen] + "..."
}

func nextBackoff(d time.Duration) time.Duration {
	if d*2 > maxBackoff {
		return maxBackoff
	}
	return d * 2
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
