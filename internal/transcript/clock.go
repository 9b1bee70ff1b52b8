// Package transcript anchors recognizer output onto the wall clock and
// buffers the resulting transcripts for the dispatcher.
//
// The recognizer reports offsets relative to the start of its audio stream.
// The client reports the wall-clock capture time of every audio frame it
// sends. The first such capture time becomes the speech epoch; adding the
// epoch to a recognizer offset yields the wall-clock moment the words were
// actually spoken.
package transcript

import (
	"sync"
	"time"
)

// Clock tracks the speech epoch and the capture time of the most recent
// audio frame. Safe for concurrent use: the client reader marks frames while
// the listener loop normalizes events.
type Clock struct {
	mu        sync.Mutex
	epoch     time.Time
	lastAudio time.Time
}

// MarkAudio records the capture time of an audio frame. The first non-zero
// capture time latches the speech epoch permanently; every non-zero capture
// time updates the last-audio mark. Zero times are ignored, matching frames
// that arrive without a capture timestamp.
func (c *Clock) MarkAudio(captured time.Time) {
	if captured.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.IsZero() {
		c.epoch = captured
	}
	c.lastAudio = captured
}

// Epoch returns the latched speech epoch. ok is false until the first audio
// frame with a capture time has been marked.
func (c *Clock) Epoch() (epoch time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, !c.epoch.IsZero()
}

// LastAudio returns the capture time of the most recently marked audio
// frame. ok is false until the first mark.
func (c *Clock) LastAudio() (mark time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAudio, !c.lastAudio.IsZero()
}
