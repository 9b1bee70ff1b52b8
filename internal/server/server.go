// Package server accepts the client call connection and binds it to one
// transcript pipeline instance: recognizer link, debounce dispatcher,
// dialogue engine, and call log. Exactly one call is admitted at a time;
// a second concurrent client is refused outright rather than queued.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/spikeclinical/spikebot/internal/observe"
	"github.com/spikeclinical/spikebot/pkg/calllog"
	"github.com/spikeclinical/spikebot/pkg/callstate"
	"github.com/spikeclinical/spikebot/pkg/provider/llm"
	"github.com/spikeclinical/spikebot/pkg/provider/recognizer"
)

// ErrClientRejected indicates a connection attempt was refused because a
// call is already in progress.
var ErrClientRejected = errors.New("server: a call is already in progress")

// Server owns call admission and constructs a fresh session pipeline for
// each accepted client.
type Server struct {
	recognizer recognizer.Provider
	llm        llm.Provider
	patient    callstate.PatientInfo
	store      calllog.Store
	log        *slog.Logger
	metrics    *observe.Metrics

	stream            recognizer.StreamConfig
	keepaliveInterval time.Duration
	tick              time.Duration
	staleness         time.Duration
	historyWindow     int
	maxTokens         int

	mu   sync.Mutex
	busy bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithStore sets the call log store. Defaults to calllog.Nop.
func WithStore(store calllog.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithPatient sets the patient identity spoken on calls.
// Defaults to callstate.DefaultPatientInfo().
func WithPatient(p callstate.PatientInfo) Option {
	return func(s *Server) {
		s.patient = p
	}
}

// WithStreamConfig overrides the recognizer audio format.
func WithStreamConfig(cfg recognizer.StreamConfig) Option {
	return func(s *Server) {
		s.stream = cfg
	}
}

// WithKeepaliveInterval overrides the recognizer heartbeat period.
// Zero keeps the speech package default.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(s *Server) {
		s.keepaliveInterval = d
	}
}

// WithTick overrides the dispatcher debounce period.
// Zero keeps the dispatch package default.
func WithTick(d time.Duration) Option {
	return func(s *Server) {
		s.tick = d
	}
}

// WithStalenessWindow overrides the transcript staleness window.
// Zero keeps the dispatch package default.
func WithStalenessWindow(d time.Duration) Option {
	return func(s *Server) {
		s.staleness = d
	}
}

// WithHistoryWindow overrides the per-prompt history cap.
// Zero keeps the dialogue package default.
func WithHistoryWindow(n int) Option {
	return func(s *Server) {
		s.historyWindow = n
	}
}

// WithMaxTokens overrides the per-reply token cap.
// Zero keeps the dialogue package default.
func WithMaxTokens(n int) Option {
	return func(s *Server) {
		s.maxTokens = n
	}
}

// New creates a Server relaying calls between clients, the recognizer
// backend, and the dialogue backend.
func New(rec recognizer.Provider, dialogueLLM llm.Provider, opts ...Option) *Server {
	s := &Server{
		recognizer: rec,
		llm:        dialogueLLM,
		patient:    callstate.DefaultPatientInfo(),
		store:      calllog.Nop{},
		stream: recognizer.StreamConfig{
			SampleRate: 16000,
			Channels:   1,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the call endpoint to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /call", s.HandleCall)
}

// Busy reports whether a call session is currently admitted.
func (s *Server) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// HandleCall upgrades the connection and runs the call session to
// completion. A second concurrent client is refused with 409 before the
// WebSocket handshake.
func (s *Server) HandleCall(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		s.metrics.ClientsRejected.Add(r.Context(), 1)
		s.log.Warn("refused concurrent client", "remote", r.RemoteAddr)
		http.Error(w, ErrClientRejected.Error(), http.StatusConflict)
		return
	}
	defer s.release()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := s.newSession(conn)
	if err := sess.run(r.Context()); err != nil {
		s.log.Error("call session failed", "call_id", sess.callID, "error", err)
		conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}
