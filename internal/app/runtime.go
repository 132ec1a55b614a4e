package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/qrlink/internal/bus"
	"github.com/skobkin/qrlink/internal/config"
	"github.com/skobkin/qrlink/internal/frames"
	"github.com/skobkin/qrlink/internal/logging"
	"github.com/skobkin/qrlink/internal/notifications"
	"github.com/skobkin/qrlink/internal/persistence"
	"github.com/skobkin/qrlink/internal/scan"
	"github.com/skobkin/qrlink/internal/scanner"
)

const (
	writerQueueCapacity = 64
	closeFlushTimeout   = 3 * time.Second
)

// Options selects which optional runtime parts a command needs.
type Options struct {
	// Storage opens the payload history when it is enabled in config.
	Storage bool
	// Notifications starts desktop notifications when enabled in config.
	Notifications bool
	// Override adjusts the loaded config before validation, e.g. from flags.
	Override func(*config.AppConfig)
	// Console receives log output; nil means stderr.
	Console io.Writer
	// Sender replaces the desktop notification sender.
	Sender notifications.Sender
}

// Runtime wires config, logging, the event bus and the optional payload
// history and notification services shared by the commands.
type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	Payloads      *persistence.PayloadRepo
	WriterQueue   *persistence.WriterQueue
	PayloadSync   *persistence.PayloadSync
	Notifications *notifications.Service

	closeOnce sync.Once
}

func Initialize(parent context.Context, paths Paths, opts Options) (*Runtime, error) {
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(&cfg)
		cfg.FillMissingDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", paths.ConfigFile, err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if opts.Console != nil {
		logMgr = logging.NewManagerWithConsole(opts.Console)
	}
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting runtime", "build", CurrentBuild().String(), "config", paths.ConfigFile)

	rt.Bus = bus.New(logMgr.Logger("bus"))

	if opts.Storage && cfg.Storage.Enabled {
		db, err := persistence.Open(ctx, paths.DBFile)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.DB = db
		rt.Payloads = persistence.NewPayloadRepo(db)

		rt.WriterQueue = persistence.NewWriterQueue(logMgr.Logger("persistence"), writerQueueCapacity)
		rt.WriterQueue.Start(ctx)
		rt.PayloadSync = persistence.NewPayloadSync(rt.Bus, rt.WriterQueue, rt.Payloads, cfg.Storage.KeepLast, logMgr.Logger("persistence"))
		rt.PayloadSync.Start(ctx)
	}

	if opts.Notifications && cfg.Notifications.Enabled {
		sender := opts.Sender
		if sender == nil {
			sender = notifications.NewBeeepSender(Name, "", logMgr.Logger("notifications"))
		}
		rt.Notifications = notifications.NewService(rt.Bus, nil, sender, logMgr.Logger("notifications"))
		rt.Notifications.Start(ctx)
	}

	return rt, nil
}

func (r *Runtime) Logger(component string) *slog.Logger {
	return r.LogManager.Logger(component)
}

// NewSequencer builds a display-side sequencer from the display config.
func (r *Runtime) NewSequencer() (*frames.Sequencer, error) {
	mode, err := frames.ParseMode(r.Config.Display.Mode)
	if err != nil {
		return nil, err
	}

	return frames.NewSequencer(r.Logger("display.sequencer"), r.Bus, frames.SequencerOptions{
		Mode:     mode,
		Capacity: r.Config.Display.FrameCapacity,
		Timing:   r.Config.Display.FrameTiming(),
	}), nil
}

// NewScanSession builds an idle session from the scan config.
func (r *Runtime) NewScanSession(onPayload func([]byte)) (*scan.Session, error) {
	mode, err := frames.ParseMode(r.Config.Scan.Mode)
	if err != nil {
		return nil, err
	}

	return scan.NewSession(r.Logger("scan.session"), r.Bus, scan.Options{
		Mode:      mode,
		Timeout:   r.Config.Scan.Timeout(),
		OnPayload: onPayload,
	}), nil
}

// NewScannerSource returns the configured source. stdin backs the stdin
// source and is ignored for serial ports.
func (r *Runtime) NewScannerSource(stdin io.Reader) (scanner.Source, error) {
	switch r.Config.Scan.Source {
	case config.SourceStdin:
		return scanner.NewReaderSource("stdin", stdin), nil
	case config.SourceSerial:
		return scanner.NewSerialSource(r.Config.Scan.SerialPort, r.Config.Scan.SerialBaud), nil
	default:
		return nil, fmt.Errorf("unsupported scan source: %q", r.Config.Scan.Source)
	}
}

// WaitStored blocks until the payload history has written sessionID's
// payload, timeout passes or storage is disabled.
func (r *Runtime) WaitStored(sessionID string, timeout time.Duration) (persistence.PayloadRecord, bool) {
	if r.PayloadSync == nil {
		return persistence.PayloadRecord{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case rec := <-r.PayloadSync.Stored():
			if rec.SessionID == sessionID {
				return rec, true
			}
		case <-timer.C:
			return persistence.PayloadRecord{}, false
		case <-r.Ctx.Done():
			return persistence.PayloadRecord{}, false
		}
	}
}

func (r *Runtime) ClearDatabase() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := persistence.ClearDatabase(ctx, r.DB); err != nil {
		return err
	}
	slog.Info("payload history cleared")

	return nil
}

func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.WriterQueue != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
			if err := r.WriterQueue.Flush(ctx); err != nil {
				r.Logger("app").Warn("pending history writes not flushed", "error", err)
			}
			cancel()
		}
		if r.cancel != nil {
			r.cancel()
		}
		if r.Bus != nil {
			r.Bus.Close()
		}
		if r.DB != nil {
			_ = r.DB.Close()
		}
		if r.LogManager != nil {
			_ = r.LogManager.Close()
		}
	})

	return nil
}
