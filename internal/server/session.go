package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spikeclinical/spikebot/internal/dialogue"
	"github.com/spikeclinical/spikebot/internal/dispatch"
	"github.com/spikeclinical/spikebot/internal/extract"
	"github.com/spikeclinical/spikebot/internal/speech"
	"github.com/spikeclinical/spikebot/internal/transcript"
	"github.com/spikeclinical/spikebot/pkg/calllog"
	"github.com/spikeclinical/spikebot/pkg/types"
)

// inboundFrame is the client-to-server message envelope.
type inboundFrame struct {
	// Type is "audio" or "control".
	Type string `json:"type"`

	// Data is base64 PCM for audio frames and a verbatim JSON control
	// payload for control frames.
	Data json.RawMessage `json:"data"`

	// StartTime is the client-side capture time of an audio frame as Unix
	// epoch seconds. Optional; zero means the client did not report one.
	StartTime float64 `json:"startTime"`
}

// outboundFrame is the server-to-client message envelope.
type outboundFrame struct {
	Type string     `json:"type"`
	Data types.Turn `json:"data"`
}

// session binds one client connection to one pipeline instance: a recognizer
// link, a transcript queue, a dialogue engine, and a dispatcher. It lives
// until the client disconnects or the recognizer stream degrades.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	callID string
	log    *slog.Logger

	link   *speech.Link
	engine *dialogue.Engine

	turns atomic.Int64
}

func (s *Server) newSession(conn *websocket.Conn) *session {
	callID := uuid.NewString()
	return &session{
		srv:    s,
		conn:   conn,
		callID: callID,
		log:    s.log.With("call_id", callID),
	}
}

// run drives the session to completion. It returns an error only when the
// pipeline could not be established; a client disconnect or recognizer
// stream closure is a normal teardown.
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	s.srv.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("call session started")

	clock := &transcript.Clock{}
	queue := transcript.NewQueue()

	speechOpts := []speech.Option{
		speech.WithLogger(s.log),
		speech.WithMetrics(s.srv.metrics),
	}
	if s.srv.keepaliveInterval > 0 {
		speechOpts = append(speechOpts, speech.WithKeepaliveInterval(s.srv.keepaliveInterval))
	}
	s.link = speech.New(s.srv.recognizer, clock, queue, speechOpts...)

	if err := s.link.Start(ctx, s.srv.stream); err != nil {
		s.srv.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		return fmt.Errorf("server: establish recognizer link: %w", err)
	}

	extractor := extract.New(s.srv.llm,
		extract.WithLogger(s.log),
		extract.WithMetrics(s.srv.metrics),
	)

	engineOpts := []dialogue.Option{
		dialogue.WithLogger(s.log),
		dialogue.WithMetrics(s.srv.metrics),
	}
	if s.srv.historyWindow > 0 {
		engineOpts = append(engineOpts, dialogue.WithHistoryWindow(s.srv.historyWindow))
	}
	if s.srv.maxTokens > 0 {
		engineOpts = append(engineOpts, dialogue.WithMaxTokens(s.srv.maxTokens))
	}
	s.engine = dialogue.New(s.srv.llm, extractor, s.srv.patient, engineOpts...)

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(s.log),
		dispatch.WithMetrics(s.srv.metrics),
	}
	if s.srv.tick > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithTick(s.srv.tick))
	}
	if s.srv.staleness > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithStalenessWindow(s.srv.staleness))
	}
	dispatcher := dispatch.New(queue, s.engine, dispatchOpts...)
	dispatcher.Attach(s)
	defer dispatcher.Detach()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The client socket drives the session: when it goes away every
		// sibling task is cancelled.
		defer cancel()
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		// Recognizer stream closure degrades the session beyond recovery.
		defer cancel()
		return s.link.RunListener(gctx)
	})
	g.Go(func() error {
		return s.link.RunKeepalive(gctx)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	err := g.Wait()

	s.teardown(context.WithoutCancel(ctx), started)
	return err
}

// teardown closes the recognizer link and persists the final call record.
func (s *session) teardown(ctx context.Context, started time.Time) {
	if err := s.link.Close(); err != nil {
		s.log.Warn("recognizer link close failed", "error", err)
	}

	rec := calllog.Record{
		CallID:    s.callID,
		StartedAt: started,
		EndedAt:   time.Now(),
		State:     *s.engine.State(),
		Turns:     int(s.turns.Load()),
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.store.WriteRecord(writeCtx, rec); err != nil {
		s.log.Warn("failed to persist call record", "error", err)
	}

	s.srv.metrics.ActiveSessions.Add(ctx, -1)
	s.log.Info("call session ended",
		"turns", rec.Turns,
		"duration", rec.EndedAt.Sub(rec.StartedAt),
		"state", s.engine.State().String(),
	)
}

// readLoop consumes client frames until the socket closes or ctx is
// cancelled. Malformed frames are logged and skipped.
func (s *session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.log.Info("client disconnected")
			} else {
				s.log.Warn("client read failed", "error", err)
			}
			return nil
		}
		s.handleFrame(ctx, data)
	}
}

// handleFrame decodes and routes one client frame.
func (s *session) handleFrame(ctx context.Context, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Warn("skipping malformed client frame", "error", err)
		return
	}

	switch frame.Type {
	case "audio":
		var encoded string
		if err := json.Unmarshal(frame.Data, &encoded); err != nil {
			s.log.Warn("skipping audio frame with non-string data", "error", err)
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.log.Warn("skipping audio frame with invalid base64", "error", err)
			return
		}
		if err := s.link.SendAudio(pcm, unixSeconds(frame.StartTime)); err != nil {
			s.log.Debug("audio frame dropped", "error", err)
		}
	case "control":
		if err := s.link.SendControl(frame.Data); err != nil {
			s.log.Debug("control frame dropped", "error", err)
		}
	default:
		s.log.Warn("skipping client frame with unknown type", "type", frame.Type)
	}
}

// SendTurn relays one conversation turn to the client and logs it to the
// call store. Implements the dispatcher's client interface. Store failures
// are non-fatal; the live call continues.
func (s *session) SendTurn(ctx context.Context, turn types.Turn) error {
	payload, err := json.Marshal(outboundFrame{Type: "turn", Data: turn})
	if err != nil {
		return fmt.Errorf("server: marshal turn: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("server: relay turn: %w", err)
	}
	s.turns.Add(1)

	entry := calllog.TurnEntry{
		CallID:  s.callID,
		Role:    turn.Role,
		Content: turn.Content,
		At:      time.Now(),
	}
	if err := s.srv.store.WriteTurn(ctx, entry); err != nil {
		s.log.Warn("failed to log turn", "role", turn.Role, "error", err)
	}
	return nil
}

// unixSeconds converts a fractional Unix timestamp to a time.Time.
// Zero means the client did not report a capture time.
func unixSeconds(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
