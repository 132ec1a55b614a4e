package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/skobkin/qrlink/internal/app"
	"github.com/skobkin/qrlink/internal/config"
	"github.com/skobkin/qrlink/internal/display"
	"github.com/skobkin/qrlink/internal/events"
	"github.com/skobkin/qrlink/internal/frames"
)

type options struct {
	File     string
	Text     bool
	Print    bool
	Follow   bool
	Mode     string
	Capacity int
	Interval time.Duration
	Listen   string
	Version  bool
	Payload  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		slog.Error("qrshow", "error", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet("qrshow", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.File, "file", "", "read raw payload bytes from a file, - for stdin")
	fs.BoolVar(&opts.Text, "text", false, "treat the payload argument or stdin as text instead of hex")
	fs.BoolVar(&opts.Print, "print", false, "print the frame codes and exit")
	fs.BoolVar(&opts.Follow, "follow", false, "print every frame code as it is shown")
	fs.StringVar(&opts.Mode, "mode", "", "display mode: signing or address (default from config)")
	fs.IntVar(&opts.Capacity, "capacity", 0, "payload bytes per frame (default from config)")
	fs.DurationVar(&opts.Interval, "interval", 0, "base frame interval (default from config)")
	fs.StringVar(&opts.Listen, "listen", "", "display server address (default from config)")
	fs.BoolVar(&opts.Version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		opts.Payload = fs.Arg(0)
	default:
		return options{}, fmt.Errorf("expected at most one payload argument, got %d", fs.NArg())
	}
	if opts.Payload != "" && opts.File != "" {
		return options{}, errors.New("payload argument and -file are mutually exclusive")
	}
	if opts.Capacity < 0 || opts.Interval < 0 {
		return options{}, errors.New("capacity and interval must not be negative")
	}

	return opts, nil
}

func (o options) apply(cfg *config.AppConfig) {
	if o.Mode != "" {
		cfg.Display.Mode = o.Mode
	}
	if o.Capacity > 0 {
		cfg.Display.FrameCapacity = o.Capacity
	}
	if o.Interval > 0 {
		cfg.Display.FrameIntervalMS = max(1, int(o.Interval/time.Millisecond))
		if cfg.Display.MaxIntervalMS > 0 && cfg.Display.MaxIntervalMS < cfg.Display.FrameIntervalMS {
			cfg.Display.MaxIntervalMS = cfg.Display.FrameIntervalMS
		}
	}
	if o.Listen != "" {
		cfg.Display.ListenAddr = o.Listen
	}
}

// readPayload resolves the payload from the argument, -file or stdin, in
// that order.
func readPayload(opts options, stdin io.Reader) ([]byte, error) {
	switch {
	case opts.Payload != "":
		return decodeText(opts.Payload, opts.Text)
	case opts.File == "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw, nil
	case opts.File != "":
		// #nosec G304 -- the file is chosen by the user on the command line.
		raw, err := os.ReadFile(filepath.Clean(opts.File))
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return raw, nil
	}

	raw, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}

	return decodeText(string(raw), opts.Text)
}

func decodeText(raw string, text bool) ([]byte, error) {
	if text {
		return []byte(strings.TrimRight(raw, "\r\n")), nil
	}

	cleaned := strings.Join(strings.Fields(raw), "")
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "0x"), "0X")
	payload, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("decode hex payload: %w", err)
	}

	return payload, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	if opts.Version {
		_, err := fmt.Fprintln(stdout, app.CurrentBuild().String())
		return err
	}

	payload, err := readPayload(opts, stdin)
	if err != nil {
		return err
	}

	paths, err := app.ResolvePaths()
	if err != nil {
		return err
	}
	rt, err := app.Initialize(ctx, paths, app.Options{Override: opts.apply})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	mode, err := frames.ParseMode(rt.Config.Display.Mode)
	if err != nil {
		return err
	}
	if opts.Print {
		for _, w := range frames.Render(mode, payload, rt.Config.Display.FrameCapacity) {
			if _, err := fmt.Fprintln(stdout, w); err != nil {
				return err
			}
		}
		return nil
	}

	return serve(rt, payload, opts.Follow, stdout)
}

func serve(rt *app.Runtime, payload []byte, follow bool, stdout io.Writer) error {
	logger := rt.Logger("cli")

	seq, err := rt.NewSequencer()
	if err != nil {
		return err
	}
	hub := display.NewHub(rt.Logger("display.hub"), rt.Bus)
	server := display.NewServer(rt.Logger("display.server"), seq, hub)

	ln, err := net.Listen("tcp", rt.Config.Display.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", rt.Config.Display.ListenAddr, err)
	}

	if follow {
		sub := rt.Bus.Subscribe(events.TopicDisplayFrame)
		go func() {
			defer rt.Bus.Unsubscribe(sub, events.TopicDisplayFrame)
			for {
				select {
				case <-rt.Ctx.Done():
					return
				case raw, ok := <-sub:
					if !ok {
						return
					}
					if frame, ok := raw.(events.DisplayFrame); ok {
						_, _ = fmt.Fprintln(stdout, frame.Wire)
					}
				}
			}
		}()
	}

	seq.SetPayload(payload)
	snap := seq.Snapshot()
	logger.Info("showing payload", "fingerprint", snap.Fingerprint, "size", len(payload), "frames", snap.Total, "url", "http://"+ln.Addr().String()+"/ws")

	go hub.Run(rt.Ctx)
	go seq.Run(rt.Ctx)

	return server.Serve(rt.Ctx, ln)
}
