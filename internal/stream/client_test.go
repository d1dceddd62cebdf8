package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/tailor/internal/sse"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects callbacks. Handlers run on the Run goroutine while the
// test goroutine reads, so access is locked.
type recorder struct {
	mu      sync.Mutex
	events  []blackboard.Event
	deltas  []Delta
	states  []State
	notices []Notice
	order   []string
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(ev blackboard.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
			r.order = append(r.order, string(ev.Kind()))
		},
		OnDelta: func(d Delta) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.deltas = append(r.deltas, d)
			r.order = append(r.order, "delta:"+d.Text)
		},
		OnState: func(s State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnNotice: func(n Notice) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notices = append(r.notices, n)
		},
	}
}

func (r *recorder) noticeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func frame(t *testing.T, seq int, ev blackboard.Event) string {
	t.Helper()
	name, data, err := blackboard.EncodeEvent(ev)
	require.NoError(t, err)
	var b strings.Builder
	require.NoError(t, sse.Encode(&b, sse.Frame{ID: fmt.Sprint(seq), Event: name, Data: data}))
	return b.String()
}

// scriptedDialer hands out one canned body per call, then fails.
type scriptedDialer struct {
	mu     sync.Mutex
	bodies []string
	calls  int
}

func (d *scriptedDialer) dial(context.Context) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.bodies) == 0 {
		return nil, errors.New("connection refused")
	}
	body := d.bodies[0]
	d.bodies = d.bodies[1:]
	return io.NopCloser(strings.NewReader(body)), nil
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// instantTimers makes backoff waits return immediately and records them.
func instantTimers(c *Client) *[]time.Duration {
	var mu sync.Mutex
	delays := &[]time.Duration{}
	c.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return delays
}

func TestReconnectCap(t *testing.T) {
	d := &scriptedDialer{}
	rec := &recorder{}
	c := New(d.dial, Options{}, rec.handlers())
	delays := instantTimers(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 6, d.callCount(), "one initial attempt plus five reconnects")
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, *delays)
	require.Equal(t, 1, rec.noticeCount())
	assert.Equal(t, NoticeDisconnected, rec.notices[0].Kind)
	assert.Equal(t, "reconnect", rec.notices[0].Action)

	c.Reconnect()
	require.Eventually(t, func() bool { return d.callCount() == 12 }, 2*time.Second, 5*time.Millisecond,
		"manual reconnect starts a fresh cycle")
	require.Eventually(t, func() bool { return rec.noticeCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSequenceIntegrity(t *testing.T) {
	body := frame(t, 1, blackboard.StageStarted{SessionID: "s", Stage: "intake"}) +
		frame(t, 2, blackboard.StageStarted{SessionID: "s", Stage: "research"}) +
		frame(t, 2, blackboard.StageStarted{SessionID: "s", Stage: "duplicate"}) +
		frame(t, 1, blackboard.StageStarted{SessionID: "s", Stage: "stale"}) +
		"event: stage_started\ndata: {\"stage\":\"no-id\"}\n\n" +
		frame(t, 3, blackboard.SessionFinished{SessionID: "s"})

	d := &scriptedDialer{bodies: []string{body}}
	rec := &recorder{}
	c := New(d.dial, Options{}, rec.handlers())

	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []blackboard.Event{
		blackboard.StageStarted{SessionID: "s", Stage: "intake"},
		blackboard.StageStarted{SessionID: "s", Stage: "research"},
		blackboard.SessionFinished{SessionID: "s"},
	}, rec.events)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, rec.notices, "a completed session is not a failure")
}

func TestSequenceResetsPerConnection(t *testing.T) {
	first := frame(t, 1, blackboard.StageStarted{SessionID: "s", Stage: "intake"}) +
		frame(t, 2, blackboard.StageCompleted{SessionID: "s", Stage: "intake", NextStage: "research", ArtifactVersion: 1})
	second := frame(t, 1, blackboard.StageStarted{SessionID: "s", Stage: "research"}) +
		frame(t, 2, blackboard.SessionFinished{SessionID: "s"})

	d := &scriptedDialer{bodies: []string{first, second}}
	rec := &recorder{}
	c := New(d.dial, Options{}, rec.handlers())
	delays := instantTimers(c)

	require.NoError(t, c.Run(context.Background()))

	assert.Len(t, rec.events, 4)
	assert.Equal(t, []time.Duration{time.Second}, *delays)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting, StateConnected, StateDisconnected}, rec.states)
}

func TestDeltasAreBatchedAndFlushedBeforeEvents(t *testing.T) {
	body := frame(t, 1, blackboard.TextDelta{SessionID: "s", Stage: "research", Text: "Hel"}) +
		frame(t, 2, blackboard.Heartbeat{AtMs: 1}) +
		frame(t, 3, blackboard.TextDelta{SessionID: "s", Stage: "research", Text: "lo"}) +
		frame(t, 4, blackboard.StageCompleted{SessionID: "s", Stage: "research"}) +
		frame(t, 5, blackboard.SessionFinished{SessionID: "s"})

	d := &scriptedDialer{bodies: []string{body}}
	rec := &recorder{}
	c := New(d.dial, Options{FlushInterval: time.Hour}, rec.handlers())

	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []string{"delta:Hello", "stage_completed", "session_complete"}, rec.order)
	assert.Equal(t, []Delta{{Stage: "research", Text: "Hello"}}, rec.deltas)
}

func TestUnknownEventsAreSkipped(t *testing.T) {
	body := "id: 1\nevent: surprise\ndata: {}\n\n" +
		frame(t, 2, blackboard.SessionFinished{SessionID: "s"})

	d := &scriptedDialer{bodies: []string{body}}
	rec := &recorder{}
	c := New(d.dial, Options{}, rec.handlers())

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []blackboard.Event{blackboard.SessionFinished{SessionID: "s"}}, rec.events)
}

func TestProcessingFollowsEvents(t *testing.T) {
	body := frame(t, 1, blackboard.StageStarted{SessionID: "s", Stage: "research"}) +
		frame(t, 2, blackboard.GateRequested{SessionID: "s", Stage: "research", Gate: "G"})

	d := &scriptedDialer{bodies: []string{body}}
	c := New(d.dial, Options{MaxAttempts: 1}, Handlers{})
	instantTimers(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.isProcessing(), "waiting on a gate is not processing")
}

func TestManualReconnectWhileConnected(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var calls int
	var mu sync.Mutex
	dial := func(context.Context) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return pr, nil
		}
		return io.NopCloser(strings.NewReader(frame(t, 1, blackboard.SessionFinished{SessionID: "s"}))), nil
	}

	rec := &recorder{}
	c := New(dial, Options{}, rec.handlers())
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	c.Reconnect()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manual reconnect did not replace the connection")
	}
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestStallClockSurvivesReconnect(t *testing.T) {
	var mu sync.Mutex
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	pr, pw := io.Pipe()
	defer pw.Close()

	var calls int
	dial := func(context.Context) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return io.NopCloser(strings.NewReader(frame(t, 1, blackboard.StageStarted{SessionID: "s", Stage: "research"}))), nil
		}
		// Reconnecting two hours later delivers nothing.
		clock = clock.Add(2 * time.Hour)
		return pr, nil
	}

	rec := &recorder{}
	c := New(dial, Options{StallThreshold: time.Hour, WatchdogInterval: 5 * time.Millisecond}, rec.handlers())
	c.now = now
	instantTimers(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return rec.noticeCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, NoticeStalled, rec.notices[0].Kind)
	rec.mu.Unlock()

	// Latched until a frame arrives.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.noticeCount())
}
