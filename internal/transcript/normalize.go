package transcript

import (
	"time"

	"github.com/spikeclinical/spikebot/pkg/types"
)

// Normalized is a final recognizer transcript shifted onto the wall clock.
type Normalized struct {
	// Text is the transcribed utterance.
	Text string

	// Confidence is the recognizer's overall confidence score.
	Confidence float64

	// Start is the wall-clock moment the utterance began: the stream offset
	// plus the speech epoch.
	Start time.Time

	// Duration is the length of the utterance.
	Duration time.Duration

	// Words carries per-word wall-clock timing when the recognizer provides it.
	Words []NormalizedWord

	// RetrievalTime is when the event was normalized. The dispatcher compares
	// it against its tick time to drop stale results.
	RetrievalTime time.Time
}

// NormalizedWord is a single word with wall-clock start and end times.
type NormalizedWord struct {
	Word       string
	Start      time.Time
	End        time.Time
	Confidence float64
}

// Normalize shifts every offset in t, including each per-word start and end,
// by the speech epoch, and stamps the retrieval time.
func Normalize(t types.Transcript, epoch, now time.Time) Normalized {
	n := Normalized{
		Text:          t.Text,
		Confidence:    t.Confidence,
		Start:         epoch.Add(t.Start),
		Duration:      t.Duration,
		RetrievalTime: now,
	}
	if len(t.Words) > 0 {
		n.Words = make([]NormalizedWord, len(t.Words))
		for i, w := range t.Words {
			n.Words[i] = NormalizedWord{
				Word:       w.Word,
				Start:      epoch.Add(w.Start),
				End:        epoch.Add(w.End),
				Confidence: w.Confidence,
			}
		}
	}
	return n
}
