// Package types defines the shared types used across all spikebot packages.
//
// These types form the lingua franca between the recognizer providers, the
// transcript pipeline, and the dialogue engine. They are intentionally
// minimal: each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from a recognizer provider.
// Both partial (interim) and final transcripts use this type. All offsets are
// relative to the start of the recognizer stream; the transcript package
// shifts them onto the wall clock once the speech epoch is known.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Start is the utterance start offset relative to recognizer-stream start.
	Start time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []Word
}

// Word holds per-word metadata from recognizer providers that support it.
// Start and End are offsets relative to recognizer-stream start.
type Word struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Turn is one conversation turn relayed to the client.
type Turn struct {
	// Role is "user" for recognized caller speech, "assistant" for bot replies.
	Role string `json:"role"`

	// Content is the turn text: a full user utterance or a single reply sentence.
	Content string `json:"content"`
}
