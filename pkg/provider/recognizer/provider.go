// Package recognizer defines the Provider interface for streaming
// speech-recognition backends.
//
// A recognizer provider wraps a real-time transcription service reached over
// a persistent socket (e.g., Deepgram) and exposes a uniform streaming
// interface. The central abstraction is SessionHandle: once opened, a session
// accepts raw PCM audio frames plus JSON control frames and emits a single
// ordered stream of Transcript events, interim and final alike.
//
// Implementations must be safe for concurrent use.
package recognizer

import (
	"context"
	"errors"

	"github.com/spikeclinical/spikebot/pkg/types"
)

// ErrSessionClosed is returned by SendAudio and SendControl after the session
// has been closed or its socket has failed.
var ErrSessionClosed = errors.New("recognizer: session is closed")

// StreamConfig describes the audio format for a new recognition session.
// All fields must be compatible with what the underlying provider supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The relay sends 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// recognition providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string
}

// SessionHandle represents an open recognition streaming session. It is an
// interface so that test code can provide mock implementations without a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate and Channels agreed in
	// StreamConfig. Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// SendControl delivers a structured control instruction to the provider as
	// a JSON text frame (e.g., a keepalive or an end-of-utterance marker). The
	// value is marshalled verbatim. Calling SendControl after Close returns
	// ErrSessionClosed.
	SendControl(v any) error

	// Events returns a read-only channel emitting Transcript values in arrival
	// order, both interim and final. The channel is closed when the provider
	// closes the stream, when the socket fails, or when Close is called.
	Events() <-chan types.Transcript

	// Err reports why the event stream ended. It returns nil while the stream
	// is open, and nil after a clean closure (provider end-of-stream or a
	// local Close). After the Events channel is closed it returns the terminal
	// socket or protocol error, if there was one.
	Err() error

	// Close terminates the session, sends the provider's end-of-stream control
	// message, and releases all associated resources. After Close returns, the
	// Events channel will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any streaming recognition backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming recognition session with the given
	// audio format. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, network refusal, or ctx already cancelled).
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
