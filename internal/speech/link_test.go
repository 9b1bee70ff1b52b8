package speech

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/spikeclinical/spikebot/internal/observe"
	"github.com/spikeclinical/spikebot/internal/transcript"
	"github.com/spikeclinical/spikebot/pkg/provider/recognizer"
	"github.com/spikeclinical/spikebot/pkg/provider/recognizer/mock"
	"github.com/spikeclinical/spikebot/pkg/types"
)

// testMetrics returns an isolated Metrics instance so tests do not pollute
// the global meter provider.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestLink(t *testing.T, sess *mock.Session, opts ...Option) (*Link, *transcript.Clock, *transcript.Queue) {
	t.Helper()
	clock := &transcript.Clock{}
	queue := transcript.NewQueue()
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	l := New(&mock.Provider{Session: sess}, clock, queue, opts...)
	return l, clock, queue
}

func TestStart_WrapsFailureInUpstreamUnavailable(t *testing.T) {
	t.Parallel()

	clock := &transcript.Clock{}
	queue := transcript.NewQueue()
	p := &mock.Provider{StartStreamErr: errors.New("dial refused")}
	l := New(p, clock, queue, WithMetrics(testMetrics(t)))

	err := l.Start(context.Background(), recognizer.StreamConfig{})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestSendAudio_BeforeStart(t *testing.T) {
	t.Parallel()

	l, clock, _ := newTestLink(t, &mock.Session{EventsCh: make(chan types.Transcript)})

	captured := time.Unix(1000, 0)
	err := l.SendAudio([]byte{1, 2}, captured)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	// The epoch comes from the client clock, so it latches even when the
	// upstream forward was a no-op.
	epoch, ok := clock.Epoch()
	if !ok || !epoch.Equal(captured) {
		t.Errorf("expected epoch latched to %v, got %v (ok=%v)", captured, epoch, ok)
	}
}

func TestSendAudio_ForwardsChunk(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan types.Transcript)}
	l, clock, _ := newTestLink(t, sess)
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := time.Unix(1000, 0)
	second := time.Unix(1002, 0)
	if err := l.SendAudio([]byte{1, 2, 3}, first); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := l.SendAudio([]byte{4, 5}, second); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	if len(sess.SendAudioCalls) != 2 {
		t.Fatalf("expected 2 audio chunks, got %d", len(sess.SendAudioCalls))
	}
	if string(sess.SendAudioCalls[0].Chunk) != "\x01\x02\x03" {
		t.Errorf("unexpected first chunk: %v", sess.SendAudioCalls[0].Chunk)
	}

	epoch, _ := clock.Epoch()
	if !epoch.Equal(first) {
		t.Errorf("epoch must stay at the first capture time, got %v", epoch)
	}
	mark, _ := clock.LastAudio()
	if !mark.Equal(second) {
		t.Errorf("expected last-audio mark %v, got %v", second, mark)
	}
}

func TestSendAudio_FailureMarksLinkFailed(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{
		EventsCh:     make(chan types.Transcript),
		SendAudioErr: errors.New("broken pipe"),
	}
	l, _, _ := newTestLink(t, sess)
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := l.SendAudio([]byte{1}, time.Time{}); err == nil || errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected the underlying send error, got %v", err)
	}
	if err := l.SendAudio([]byte{2}, time.Time{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after failure, got %v", err)
	}
	if err := l.SendControl("x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on control after failure, got %v", err)
	}
}

func TestRunKeepalive_SendsHeartbeat(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan types.Transcript)}
	l, _, _ := newTestLink(t, sess, WithKeepaliveInterval(5*time.Millisecond))
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if err := l.RunKeepalive(ctx); err != nil {
		t.Fatalf("keepalive: %v", err)
	}

	frames := sess.ControlTypes()
	if len(frames) == 0 {
		t.Fatal("expected at least one keepalive control frame")
	}
	for _, typ := range frames {
		if typ != "KeepAlive" {
			t.Errorf("unexpected control frame type %q", typ)
		}
	}
}

func TestRunKeepalive_StopsOnSendFailure(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{
		EventsCh:       make(chan types.Transcript),
		SendControlErr: errors.New("socket gone"),
	}
	l, _, _ := newTestLink(t, sess, WithKeepaliveInterval(time.Millisecond))
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Guard timeout only; the loop must end on its own after the first
	// failed heartbeat.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.RunKeepalive(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("keepalive: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("keepalive loop did not stop after send failure")
	}
}

func TestRunListener_EnqueuesOnlyFinalNonEmpty(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan types.Transcript, 8)}
	l, clock, queue := newTestLink(t, sess)
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	epoch := time.Unix(1000, 0)
	clock.MarkAudio(epoch)
	now := time.Unix(1010, 0)
	l.now = func() time.Time { return now }

	sess.EventsCh <- types.Transcript{Text: "partial words", IsFinal: false}
	sess.EventsCh <- types.Transcript{Text: "   ", IsFinal: true}
	sess.EventsCh <- types.Transcript{
		Text:    "the copay is twenty five dollars",
		IsFinal: true,
		Start:   time.Second,
		Words: []types.Word{
			{Word: "the", Start: 1500 * time.Millisecond, End: 2 * time.Second},
		},
	}
	close(sess.EventsCh)

	if err := l.RunListener(context.Background()); err != nil {
		t.Fatalf("listener: %v", err)
	}

	if queue.Len() != 1 {
		t.Fatalf("expected exactly 1 enqueued transcript, got %d", queue.Len())
	}
	n, _, ok := queue.DrainNewest()
	if !ok {
		t.Fatal("expected a queued transcript")
	}
	if n.Text != "the copay is twenty five dollars" {
		t.Errorf("unexpected transcript text %q", n.Text)
	}
	if !n.Start.Equal(time.Unix(1001, 0)) {
		t.Errorf("expected epoch-shifted start 1001s, got %v", n.Start)
	}
	if !n.Words[0].Start.Equal(epoch.Add(1500 * time.Millisecond)) {
		t.Errorf("expected epoch-shifted word start, got %v", n.Words[0].Start)
	}
	if !n.RetrievalTime.Equal(now) {
		t.Errorf("expected retrieval time %v, got %v", now, n.RetrievalTime)
	}
}

func TestRunListener_WithoutEpochKeepsStreamTimes(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan types.Transcript, 1)}
	l, _, queue := newTestLink(t, sess)
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	sess.EventsCh <- types.Transcript{Text: "hello", IsFinal: true, Start: 2 * time.Second}
	close(sess.EventsCh)

	if err := l.RunListener(context.Background()); err != nil {
		t.Fatalf("listener: %v", err)
	}
	n, _, ok := queue.DrainNewest()
	if !ok {
		t.Fatal("expected a queued transcript")
	}
	if !n.Start.Equal(time.Time{}.Add(2 * time.Second)) {
		t.Errorf("expected stream-relative start, got %v", n.Start)
	}
}

func TestRunListener_ContextCancel(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan types.Transcript)}
	l, _, _ := newTestLink(t, sess)
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.RunListener(ctx); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
}

func TestRunListener_CleanStreamClosureLeavesLinkUsable(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan types.Transcript)}
	l, _, _ := newTestLink(t, sess)
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	close(sess.EventsCh)
	if err := l.RunListener(context.Background()); err != nil {
		t.Fatalf("expected nil on clean closure, got %v", err)
	}

	// A clean upstream closure does not fail the link.
	if err := l.SendAudio([]byte{1}, time.Unix(1000, 0)); err != nil {
		t.Errorf("send after clean closure: %v", err)
	}
}

func TestRunListener_StreamFailureMarksLinkFailed(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{
		EventsCh:  make(chan types.Transcript),
		StreamErr: errors.New("read: connection reset"),
	}
	l, _, _ := newTestLink(t, sess)
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	close(sess.EventsCh)
	if err := l.RunListener(context.Background()); err != nil {
		t.Fatalf("expected nil so sibling tasks are not cancelled with an error, got %v", err)
	}

	if err := l.SendAudio([]byte{1}, time.Unix(1000, 0)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send after stream failure = %v, want ErrNotConnected", err)
	}
	if err := l.SendControl(map[string]string{"type": "KeepAlive"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("control after stream failure = %v, want ErrNotConnected", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan types.Transcript)}
	l, _, _ := newTestLink(t, sess)
	if err := l.Start(context.Background(), recognizer.StreamConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("expected 1 close of the session handle, got %d", sess.CloseCallCount)
	}
}

func TestClose_BeforeStart(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLink(t, &mock.Session{EventsCh: make(chan types.Transcript)})
	if err := l.Close(); err != nil {
		t.Fatalf("expected nil close before start, got %v", err)
	}
}
