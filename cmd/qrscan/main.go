package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skobkin/qrlink/internal/app"
	"github.com/skobkin/qrlink/internal/config"
	"github.com/skobkin/qrlink/internal/frames"
	"github.com/skobkin/qrlink/internal/persistence"
	"github.com/skobkin/qrlink/internal/scan"
	"github.com/skobkin/qrlink/internal/scanner"
)

const (
	exitFailure  = 1
	exitTimedOut = 2

	storeWaitTimeout = 3 * time.Second
)

var errInputEnded = errors.New("scanner input ended before the payload was complete")

type options struct {
	Mode         string
	Timeout      time.Duration
	Source       string
	Port         string
	Baud         int
	NoStore      bool
	History      int
	Show         string
	ClearHistory bool
	ListPorts    bool
	Version      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		slog.Error("qrscan", "error", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, scan.ErrTimedOut) {
		return exitTimedOut
	}

	return exitFailure
}

func parseOptions(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet("qrscan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.Mode, "mode", "", "scan mode: signing or address (default from config)")
	fs.DurationVar(&opts.Timeout, "timeout", -1, "give up after this long, 0 waits forever (default from config)")
	fs.StringVar(&opts.Source, "source", "", "scanner source: stdin or serial (default from config)")
	fs.StringVar(&opts.Port, "port", "", "serial port of the scanner, implies -source serial")
	fs.IntVar(&opts.Baud, "baud", 0, "serial baud rate (default from config)")
	fs.BoolVar(&opts.NoStore, "no-store", false, "do not record the payload in the history")
	fs.IntVar(&opts.History, "history", 0, "list the N most recent payloads and exit")
	fs.StringVar(&opts.Show, "show", "", "print the stored payload with this id and exit")
	fs.BoolVar(&opts.ClearHistory, "clear-history", false, "delete all stored payloads and exit")
	fs.BoolVar(&opts.ListPorts, "list-ports", false, "list serial ports and exit")
	fs.BoolVar(&opts.Version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected positional arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.History < 0 {
		return options{}, fmt.Errorf("history count must not be negative")
	}

	return opts, nil
}

func (o options) storageCommand() bool {
	return o.History > 0 || o.Show != "" || o.ClearHistory
}

func (o options) apply(cfg *config.AppConfig) {
	if o.Mode != "" {
		cfg.Scan.Mode = o.Mode
	}
	if o.Timeout >= 0 {
		cfg.Scan.TimeoutSec = int(o.Timeout.Round(time.Second) / time.Second)
		if o.Timeout > 0 && cfg.Scan.TimeoutSec == 0 {
			cfg.Scan.TimeoutSec = 1
		}
	}
	if o.Port != "" {
		cfg.Scan.Source = config.SourceSerial
		cfg.Scan.SerialPort = o.Port
	}
	if o.Source != "" {
		cfg.Scan.Source = config.SourceType(o.Source)
	}
	if o.Baud > 0 {
		cfg.Scan.SerialBaud = o.Baud
	}
	if o.NoStore {
		cfg.Storage.Enabled = false
	}
	if o.storageCommand() {
		cfg.Storage.Enabled = true
	}
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
	if opts.ListPorts {
		return listPorts(stdout)
	}

	paths, err := app.ResolvePaths()
	if err != nil {
		return err
	}
	rt, err := app.Initialize(ctx, paths, app.Options{
		Storage:       true,
		Notifications: !opts.storageCommand(),
		Override:      opts.apply,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	switch {
	case opts.ClearHistory:
		return rt.ClearDatabase()
	case opts.Show != "":
		return showPayload(rt, opts.Show, stdout)
	case opts.History > 0:
		return listHistory(rt, opts.History, stdout)
	}

	return scanPayload(rt, stdin, stdout)
}

func scanPayload(rt *app.Runtime, stdin io.Reader, stdout io.Writer) error {
	logger := rt.Logger("cli")

	delivered := make(chan []byte, 1)
	session, err := rt.NewScanSession(func(payload []byte) {
		delivered <- payload
	})
	if err != nil {
		return err
	}
	src, err := rt.NewScannerSource(stdin)
	if err != nil {
		return err
	}

	if err := session.Start(); err != nil {
		return err
	}
	defer func() {
		if !session.State().Terminal() {
			session.Cancel()
		}
	}()
	logger.Info("scanning", "session_id", session.ID(), "mode", session.Mode(), "source", src.Name(), "timeout", rt.Config.Scan.Timeout())

	readCtx, stopReading := context.WithCancel(rt.Ctx)
	defer stopReading()
	readDone := make(chan error, 1)
	go func() {
		readDone <- scanner.NewService(rt.Logger("scanner"), rt.Bus, src, session).Run(readCtx)
	}()

	finish := func(payload []byte) error {
		stopReading()
		if err := printPayload(stdout, session.Mode(), payload); err != nil {
			return err
		}
		if rec, ok := rt.WaitStored(session.ID(), storeWaitTimeout); ok {
			logger.Info("payload recorded", "id", rec.ID)
		}

		return nil
	}

	select {
	case payload := <-delivered:
		return finish(payload)
	case <-session.Done():
		// The payload callback always follows completion.
		if session.State() == scan.StateComplete {
			return finish(<-delivered)
		}
		if session.State() == scan.StateTimedOut {
			return scan.ErrTimedOut
		}
		return fmt.Errorf("scan session ended: %s", session.State())
	case err := <-readDone:
		select {
		case payload := <-delivered:
			return finish(payload)
		default:
		}
		if err != nil {
			return err
		}
		return errInputEnded
	case <-rt.Ctx.Done():
		return rt.Ctx.Err()
	}
}

func printPayload(w io.Writer, mode frames.Mode, payload []byte) error {
	if mode == frames.ModeAddress {
		_, err := fmt.Fprintln(w, string(payload))
		return err
	}
	_, err := fmt.Fprintln(w, hex.EncodeToString(payload))

	return err
}

func showPayload(rt *app.Runtime, id string, stdout io.Writer) error {
	rec, err := rt.Payloads.Get(rt.Ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	ok, err := persistence.VerifyPayloadID(rec.ID, rec.Body)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("stored payload %s does not match its id", rec.ID)
	}
	mode, err := frames.ParseMode(rec.Mode)
	if err != nil {
		return err
	}

	return printPayload(stdout, mode, rec.Body)
}

func listHistory(rt *app.Runtime, limit int, stdout io.Writer) error {
	records, err := rt.Payloads.ListRecent(rt.Ctx, limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := fmt.Fprintf(stdout, "%s\t%s\t%s\t%d bytes\t%d frames\t%s\n",
			rec.ID,
			rec.ReceivedAt.Format(time.RFC3339),
			rec.Mode,
			rec.Size,
			rec.Frames,
			rec.Fingerprint,
		); err != nil {
			return err
		}
	}

	return nil
}

func listPorts(stdout io.Writer) error {
	ports, err := scanner.ListPorts()
	if err != nil {
		return err
	}
	for _, port := range ports {
		if _, err := fmt.Fprintln(stdout, port); err != nil {
			return err
		}
	}

	return nil
}
