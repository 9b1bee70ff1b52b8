// Package deepgram provides a Deepgram-backed recognizer provider using the
// Deepgram streaming WebSocket API. It implements the recognizer.Provider
// interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/spikeclinical/spikebot/pkg/provider/recognizer"
	"github.com/spikeclinical/spikebot/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// closeStreamMessage is the control frame that tells Deepgram to flush
// pending audio and end the stream.
var closeStreamMessage = []byte(`{"type":"CloseStream"}`)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements recognizer.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming recognition session with Deepgram.
// It respects cfg.SampleRate, cfg.Channels, and cfg.Language.
func (p *Provider) StartStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		events:   make(chan types.Transcript, 64),
		outbound: make(chan frame, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
// The fixed parameters match the relay's PCM wire format: linear16 with
// punctuated interim results.
func (p *Provider) buildURL(cfg recognizer.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// frame is one outbound WebSocket message: binary audio or a JSON control frame.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

// session is a live Deepgram streaming session. It implements
// recognizer.SessionHandle. All outbound traffic is funneled through a single
// write loop so audio and control frames never interleave mid-message.
type session struct {
	conn     *websocket.Conn
	events   chan types.Transcript
	outbound chan frame

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu   sync.Mutex
	readErr error
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	return s.enqueue(frame{typ: websocket.MessageBinary, data: chunk})
}

// SendControl marshals v and queues it as a JSON text frame.
func (s *session) SendControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deepgram: marshal control: %w", err)
	}
	return s.enqueue(frame{typ: websocket.MessageText, data: data})
}

func (s *session) enqueue(f frame) error {
	select {
	case <-s.done:
		return recognizer.ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return recognizer.ErrSessionClosed
	}
}

// Events returns the channel of recognition events.
func (s *session) Events() <-chan types.Transcript { return s.events }

// Err returns the terminal socket error that ended the event stream, or nil
// when the stream closed cleanly or is still open.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.readErr
}

// Close terminates the session cleanly. It sends CloseStream so Deepgram
// flushes pending audio, then closes the socket. Safe to call multiple times.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, closeStreamMessage)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop drains the outbound channel and sends frames to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case f, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, f.typ, f.data); err != nil {
				return
			}
		case <-s.done:
			// Drain remaining queued frames before exiting.
			for {
				select {
				case f, ok := <-s.outbound:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, f.typ, f.data)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// events channel. Messages that are not Results events, and payloads that do
// not parse, are skipped.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.recordReadErr(ctx, err)
			return
		}

		t, ok := parseResponse(msg)
		if !ok {
			continue
		}

		select {
		case s.events <- t:
		case <-s.done:
		}
	}
}

// recordReadErr stores the error that ended readLoop unless the stream ended
// for a benign reason: a local Close, context cancellation, or the peer
// closing with a normal status.
func (s *session) recordReadErr(ctx context.Context, err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if ctx.Err() != nil {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}

	s.errMu.Lock()
	s.readErr = fmt.Errorf("deepgram: read: %w", err)
	s.errMu.Unlock()
}

// parseResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message
// should be ignored.
func parseResponse(data []byte) (types.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}
	if resp.Type != "Results" {
		return types.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]types.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.Word{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Start:      time.Duration(resp.Start * float64(time.Second)),
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
		Words:      words,
	}, true
}
