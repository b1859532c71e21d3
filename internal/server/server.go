package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/shaunagostinho/motorlink/internal/app"
	"github.com/shaunagostinho/motorlink/internal/buffer"
	"github.com/shaunagostinho/motorlink/internal/command"
	"github.com/shaunagostinho/motorlink/internal/link"
	"github.com/shaunagostinho/motorlink/internal/packet"
	"github.com/shaunagostinho/motorlink/internal/recorder"
	"github.com/shaunagostinho/motorlink/internal/telemetry"
)

// Server exposes the application context over HTTP and streams telemetry
// snapshots to WebSocket clients.
type Server struct {
	cfg *Config
	app *app.App
	rec *recorder.Recorder
	log zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Telemetry telemetry.Snapshot `json:"telemetry,omitempty"`
	Status    *app.Status        `json:"status,omitempty"`
	Recording *bool              `json:"recording,omitempty"`
	Stamp     int64              `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, a *app.App, log zerolog.Logger) *Server {
	snap := cfg.Snapshot()
	return &Server{
		cfg:     cfg,
		app:     a,
		rec:     recorder.New(snap.Recording, log),
		log:     log.With().Str("component", "server").Logger(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Recorder returns the CSV recorder fed by the broadcast loop.
func (s *Server) Recorder() *recorder.Recorder { return s.rec }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Connection API
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/open", s.handleOpen)
	mux.HandleFunc("/api/close", s.handleClose)

	// Commands and telemetry
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/commands", s.handleCommands)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run starts the HTTP server, the dispatch tick and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	snap := s.cfg.Snapshot()

	go s.app.Run(ctx, hzInterval(snap.Telemetry.DispatchHz))
	go s.broadcastLoop(ctx, hzInterval(snap.Server.BroadcastHz))

	srv := &http.Server{
		Addr:              snap.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", snap.Server.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func hzInterval(hz int) time.Duration {
	if hz <= 0 {
		hz = 20
	}
	return time.Second / time.Duration(hz)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info().Str("client", client.id).Int("clients", n).Msg("websocket client connected")

	// Initial status so the UI can render before the first tick
	if data, err := json.Marshal(s.frame()); err == nil {
		client.send <- data
	} else {
		s.log.Error().Err(err).Str("client", client.id).Msg("encode initial frame")
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive and close detection)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info().Str("client", client.id).Int("clients", n).Msg("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) frame() Frame {
	st := s.app.Status()
	rec := s.rec.IsEnabled()
	return Frame{
		Telemetry: s.app.Snapshot(),
		Status:    &st,
		Recording: &rec,
		Stamp:     time.Now().UnixMilli(),
	}
}

// broadcastLoop sends the latest snapshot to every client and records it.
func (s *Server) broadcastLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.rec.Close()
			return
		case now := <-ticker.C:
			f := s.frame()
			s.broadcast(f)
			s.rec.Record(now, f.Telemetry)
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("encode broadcast frame")
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		zlog.Error().Err(err).Msg("encode response")
		http.Error(w, "encode response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, buffer.ErrFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, command.ErrUnknownCommand), errors.Is(err, telemetry.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, packet.ErrPayloadTooLong):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, link.ErrAlreadyOpen), errors.Is(err, link.ErrNotOpen):
		return http.StatusConflict
	case errors.Is(err, link.ErrOpenFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	eps, err := s.app.Available()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		app.Status
		Recording bool `json:"recording"`
	}{s.app.Status(), s.rec.IsEnabled()})
}

type openRequest struct {
	Endpoint  string `json:"endpoint"`
	Transport string `json:"transport,omitempty"`
	BaudRate  int    `json:"baudRate,omitempty"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req openRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}

	snap := s.cfg.Snapshot()
	current := s.app.Status().Transport
	if req.Transport != "" && req.Transport != current {
		writeError(w, http.StatusBadRequest, errors.New("transport is "+current+"; change link.transport and restart"))
		return
	}
	if req.Endpoint == "" {
		req.Endpoint = snap.Link.Endpoint
	}
	params := snap.Link.Params()
	if req.BaudRate > 0 {
		params.BaudRate = req.BaudRate
	}

	if err := s.app.Open(req.Endpoint, params); err != nil {
		s.log.Warn().Err(err).Str("endpoint", req.Endpoint).Msg("open failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.app.Close(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Status())
}

type commandRequest struct {
	Name  string `json:"name"`
	Extra string `json:"extra,omitempty"` // hex, spaces allowed
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	extra, err := hex.DecodeString(strings.ReplaceAll(req.Extra, " ", ""))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.app.SendCommand(req.Name, extra...); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "txLen": s.app.Status().TxLen})
}

type commandInfo struct {
	Name  string `json:"name"`
	Class string `json:"class"`
	Bytes string `json:"bytes"`
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	list := command.List()
	out := make([]commandInfo, 0, len(list))
	for _, d := range list {
		class := "data_transfer"
		if d.Class == command.ClassVehicleControl {
			class = "vehicle_control"
		}
		out = append(out, commandInfo{Name: d.Name, Class: class, Bytes: hex.EncodeToString(d.Bytes())})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	name := q.Get("channel")
	if name == "" {
		writeJSON(w, http.StatusOK, s.app.Snapshot())
		return
	}
	n := -1
	if v := q.Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad n", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	vals, err := s.app.ReadRecent(name, n)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": name, "values": telemetry.Values(vals)})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Error().Err(err).Msg("config save failed")
		}
		s.rec.SetEnabled(s.cfg.Snapshot().Recording.Enabled)
		s.broadcast(s.frame())

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}
