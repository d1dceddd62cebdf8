// Package stream is the consumer side of a session's event stream. It
// reconnects with capped exponential backoff, drops duplicated or reordered
// frames, batches text deltas and raises a notice when the pipeline appears
// stalled.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/tailor/internal/sse"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/dyluth/tailor/pkg/stage"
)

// State is the connection lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateDisconnected is terminal: no automatic attempts are made until
	// Reconnect is called.
	StateDisconnected State = "disconnected"
)

// NoticeKind names a user-facing notice.
type NoticeKind string

const (
	NoticeStalled      NoticeKind = "stalled"
	NoticeDisconnected NoticeKind = "disconnected"
)

// Notice is surfaced to the UI. It never carries internal error text.
type Notice struct {
	Kind    NoticeKind
	Message string
	Action  string
}

// Handlers receive the ordered, de-duplicated feed. All callbacks run on the
// goroutine that called Run.
type Handlers struct {
	OnEvent  func(blackboard.Event)
	OnDelta  func(Delta)
	OnState  func(State)
	OnNotice func(Notice)
}

// Dialer opens one stream connection.
type Dialer func(ctx context.Context) (io.ReadCloser, error)

// Options tunes a Client. Zero values take the defaults.
type Options struct {
	MaxAttempts      int           // reconnect attempts before giving up, default 5
	InitialBackoff   time.Duration // first reconnect delay, doubled each attempt, default 1s
	WatchdogInterval time.Duration // default 10s
	StallThreshold   time.Duration // default 120s
	FlushInterval    time.Duration // delta batching window, default 16ms
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 10 * time.Second
	}
	if o.StallThreshold <= 0 {
		o.StallThreshold = 120 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 16 * time.Millisecond
	}
}

// Client consumes one session stream.
type Client struct {
	dial     Dialer
	opts     Options
	handlers Handlers

	manual chan struct{}

	mu         sync.Mutex
	state      State
	processing bool

	// watchdog spans connections; only received frames touch it. Owned by
	// the Run goroutine.
	watchdog *Watchdog

	// test hooks
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a client that opens connections with dial.
func New(dial Dialer, opts Options, handlers Handlers) *Client {
	opts.applyDefaults()
	return &Client{
		dial:     dial,
		opts:     opts,
		handlers: handlers,
		manual:   make(chan struct{}, 1),
		now:      time.Now,
		after:    time.After,
	}
}

// HTTPDialer returns a Dialer issuing GET requests for an event stream.
func HTTPDialer(httpClient *http.Client, url string, header http.Header) Dialer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("stream request failed: %s", resp.Status)
		}
		return resp.Body, nil
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetProcessing marks whether the pipeline is expected to be making progress.
// The stall watchdog only fires while processing.
func (c *Client) SetProcessing(processing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processing = processing
}

func (c *Client) isProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

// Reconnect resets the attempt counter and connects immediately, bypassing
// any scheduled retry. When connected it replaces the current connection.
func (c *Client) Reconnect() {
	select {
	case c.manual <- struct{}{}:
	default:
	}
}

// Run drives the connection until the session reaches a terminal event
// (returns nil) or ctx is cancelled (returns ctx.Err()).
func (c *Client) Run(ctx context.Context) error {
	bo := c.newBackoff()
	attempts := 0
	c.watchdog = NewWatchdog(c.opts.StallThreshold, c.now())
	c.setState(StateConnecting)

	for {
		body, err := c.dial(ctx)
		if err == nil {
			attempts = 0
			bo.Reset()
			c.setState(StateConnected)

			outcome := c.consume(ctx, body)
			body.Close()

			switch outcome {
			case endTerminal:
				c.setState(StateDisconnected)
				return nil
			case endCancelled:
				return ctx.Err()
			case endManual:
				c.setState(StateConnecting)
				continue
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			log.Printf("[Stream] Connection attempt failed: %v", err)
		}

		if attempts >= c.opts.MaxAttempts {
			c.setState(StateDisconnected)
			g := stage.Guide(stage.KindTransport)
			c.notify(Notice{Kind: NoticeDisconnected, Message: g.Message, Action: g.Action})

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.manual:
				attempts = 0
				bo.Reset()
				c.setState(StateConnecting)
				continue
			}
		}

		attempts++
		delay := bo.NextBackOff()
		c.setState(StateReconnecting)
		log.Printf("[Stream] Reconnect attempt %d/%d in %v", attempts, c.opts.MaxAttempts, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.manual:
			attempts = 0
			bo.Reset()
			c.setState(StateConnecting)
		case <-c.after(delay):
		}
	}
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = c.opts.InitialBackoff << uint(c.opts.MaxAttempts)
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

type endReason int

const (
	endTransport endReason = iota
	endTerminal
	endCancelled
	endManual
)

// connState is everything that belongs to one connection instance. It is
// owned by consume and never outlives the connection.
type connState struct {
	lastSeq uint64
	deltas  deltaBuffer
}

type readResult struct {
	frame sse.Frame
	err   error
}

// consume reads frames from body until the stream ends, a terminal event
// arrives, ctx is cancelled or a manual reconnect is requested.
func (c *Client) consume(ctx context.Context, body io.ReadCloser) endReason {
	conn := &connState{}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan readResult)
	go func() {
		dec := sse.NewDecoder(body)
		for {
			f, err := dec.Next()
			select {
			case frames <- readResult{frame: f, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	watchdog := time.NewTicker(c.opts.WatchdogInterval)
	defer watchdog.Stop()
	flush := time.NewTicker(c.opts.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return endCancelled

		case <-c.manual:
			c.flushDeltas(conn)
			return endManual

		case <-watchdog.C:
			if c.watchdog.Check(c.now(), c.isProcessing()) {
				c.notify(Notice{
					Kind:    NoticeStalled,
					Message: "We haven't heard from the pipeline in a while. It may have stalled.",
					Action:  stage.ActionReconnect,
				})
			}

		case <-flush.C:
			c.flushDeltas(conn)

		case r := <-frames:
			if r.err != nil {
				c.flushDeltas(conn)
				if !errors.Is(r.err, io.EOF) {
					log.Printf("[Stream] Read failed: %v", r.err)
				}
				return endTransport
			}
			if c.handleFrame(conn, r.frame) {
				return endTerminal
			}
		}
	}
}

// handleFrame applies one frame and reports whether it was terminal.
func (c *Client) handleFrame(conn *connState, f sse.Frame) bool {
	c.watchdog.Touch(c.now())

	seq, err := strconv.ParseUint(f.ID, 10, 64)
	if err != nil || seq == 0 {
		log.Printf("[Stream] Discarding %s frame without a valid sequence number", f.Event)
		return false
	}
	if seq <= conn.lastSeq {
		return false
	}
	conn.lastSeq = seq

	ev, err := blackboard.DecodeEvent(f.Event, f.Data)
	if err != nil {
		log.Printf("[Stream] Ignoring frame %d: %v", seq, err)
		return false
	}

	switch e := ev.(type) {
	case blackboard.Heartbeat:
		return false
	case blackboard.TextDelta:
		conn.deltas.add(e.Stage, e.Text)
		return false
	case blackboard.SessionStarted, blackboard.StageStarted, blackboard.GateResolved:
		c.SetProcessing(true)
	case blackboard.GateRequested, blackboard.SessionFinished, blackboard.SessionFailed:
		c.SetProcessing(false)
	}

	c.flushDeltas(conn)
	if c.handlers.OnEvent != nil {
		c.handlers.OnEvent(ev)
	}
	return blackboard.IsTerminal(ev)
}

func (c *Client) flushDeltas(conn *connState) {
	if conn.deltas.empty() {
		return
	}
	for _, d := range conn.deltas.take() {
		if c.handlers.OnDelta != nil {
			c.handlers.OnDelta(d)
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.handlers.OnState != nil {
		c.handlers.OnState(s)
	}
}

func (c *Client) notify(n Notice) {
	if c.handlers.OnNotice != nil {
		c.handlers.OnNotice(n)
	}
}
