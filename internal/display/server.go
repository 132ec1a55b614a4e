// Package display serves the current QR frame to renderers over HTTP and
// websocket.
package display

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/skobkin/qrlink/internal/app"
	"github.com/skobkin/qrlink/internal/events"
	"github.com/skobkin/qrlink/internal/frames"
	"github.com/skobkin/qrlink/internal/wire"
)

const shutdownTimeout = 5 * time.Second

// Display is the part of frames.Sequencer the server drives.
type Display interface {
	SetPayload(payload []byte) bool
	Snapshot() events.DisplayFrame
}

type Server struct {
	logger   *slog.Logger
	display  Display
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewServer(logger *slog.Logger, display Display, hub *Hub) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "display.server")
	}

	return &Server{
		logger:  logger,
		display: display,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameHostOrigin,
		},
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Clients int    `json:"clients"`
}

type payloadResponse struct {
	Changed     bool   `json:"changed"`
	Fingerprint string `json:"fingerprint"`
	Frames      int    `json:"frames"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/frame", s.handleFrame).Methods(http.MethodGet)
	r.HandleFunc("/payload", s.handlePayload).Methods(http.MethodPut)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("display server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve display: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown display server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve display: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	build := app.CurrentBuild()
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Name:    build.Name,
		Version: build.Version,
		Clients: clients,
	})
}

func (s *Server) handleFrame(w http.ResponseWriter, _ *http.Request) {
	frame := s.display.Snapshot()
	if frame.Wire == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

// handlePayload accepts raw bytes for application/octet-stream bodies and
// hex text otherwise.
func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2*wire.MaxPayloadLen+2))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		return
	}

	payload := body
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/octet-stream") {
		payload, err = hex.DecodeString(strings.TrimSpace(string(body)))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be hex encoded"})
			return
		}
	}
	if len(payload) > wire.MaxPayloadLen {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		return
	}

	changed := s.display.SetPayload(payload)
	frame := s.display.Snapshot()
	s.logger.Info("payload updated via http", "changed", changed, "size", len(payload), "frames", frame.Total)
	writeJSON(w, http.StatusOK, payloadResponse{
		Changed:     changed,
		Fingerprint: frames.FingerprintOf(payload).String(),
		Frames:      frame.Total,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "websocket streaming disabled", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	var initial []byte
	if frame := s.display.Snapshot(); frame.Wire != "" {
		if initial, err = encodeFrame(frame); err != nil {
			s.logger.Warn("encode display frame", "error", err)
		}
	}
	s.hub.Serve(conn, initial)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sameHostOrigin admits non-browser clients and pages served from the same
// host as the display server.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	return strings.EqualFold(host, r.Host)
}
