// Package mock provides test doubles for the recognizer package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks and control frames were delivered.
//
// Example:
//
//	sess := &mock.Session{EventsCh: make(chan types.Transcript, 1)}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/spikeclinical/spikebot/pkg/provider/recognizer"
	"github.com/spikeclinical/spikebot/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg recognizer.StreamConfig
}

// Provider is a mock implementation of recognizer.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session with a buffered events channel.
	Session recognizer.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{EventsCh: make(chan types.Transcript, 16)}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements recognizer.Provider at compile time.
var _ recognizer.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// SendControlCall records a single invocation of Session.SendControl.
type SendControlCall struct {
	// Value is the value passed to SendControl.
	Value any
}

// Session is a mock implementation of recognizer.SessionHandle.
// Callers should pre-populate EventsCh with the Transcript values they want
// the consumer to receive, then close it when done.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel
	// and are responsible for sending to and closing it in tests.
	EventsCh chan types.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendControlErr, if non-nil, is returned by every SendControl call.
	SendControlErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// StreamErr, if non-nil, is returned by Err. Set it before closing
	// EventsCh to simulate a stream that ended on a socket failure.
	StreamErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendControlCalls records every call to SendControl in order.
	SendControlCalls []SendControlCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// SendControl records the call and returns SendControlErr.
func (s *Session) SendControl(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendControlCalls = append(s.SendControlCalls, SendControlCall{Value: v})
	return s.SendControlErr
}

// Events returns EventsCh. The caller must have initialised EventsCh before
// handing the Session to the code under test.
func (s *Session) Events() <-chan types.Transcript { return s.EventsCh }

// Err returns StreamErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamErr
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ControlTypes returns the "type" field of every recorded control frame whose
// value is a map with a string "type" key. Convenience for keepalive tests.
func (s *Session) ControlTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.SendControlCalls {
		if m, ok := c.Value.(map[string]string); ok {
			out = append(out, m["type"])
			continue
		}
		if m, ok := c.Value.(map[string]any); ok {
			if t, ok := m["type"].(string); ok {
				out = append(out, t)
			}
		}
	}
	return out
}

// ControlCallCount returns how many control frames were recorded. Thread-safe,
// so tests can poll it while the code under test is running.
func (s *Session) ControlCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendControlCalls)
}

// AudioCallCount returns how many audio chunks were recorded. Thread-safe.
func (s *Session) AudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Ensure Session implements recognizer.SessionHandle at compile time.
var _ recognizer.SessionHandle = (*Session)(nil)
