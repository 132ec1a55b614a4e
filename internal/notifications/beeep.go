package notifications

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

// BeeepSender shows desktop notifications through the OS notification
// daemon.
type BeeepSender struct {
	icon   string
	logger *slog.Logger
	notify func(title, message, icon string) error
}

func NewBeeepSender(appName, icon string, logger *slog.Logger) *BeeepSender {
	if logger == nil {
		logger = slog.Default().With("component", "notifications.beeep")
	}
	if appName != "" {
		beeep.AppName = appName
	}

	return &BeeepSender{
		icon:   icon,
		logger: logger,
		notify: notifyDesktop,
	}
}

func (s *BeeepSender) Send(payload Payload) {
	if err := s.notify(payload.Title, payload.Content, s.icon); err != nil {
		s.logger.Warn("desktop notification failed", "title", payload.Title, "error", err)
	}
}

func notifyDesktop(title, message, icon string) error {
	return beeep.Notify(title, message, icon)
}
