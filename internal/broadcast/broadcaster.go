// Package broadcast fans a session's domain events out to every open stream
// connection for that session.
package broadcast

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/dyluth/tailor/internal/sse"
	"github.com/dyluth/tailor/pkg/blackboard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Defaults for Options.
const (
	DefaultHeartbeat = 20 * time.Second
	DefaultBuffer    = 64
)

// Options tunes a Broadcaster. Zero values take the defaults.
type Options struct {
	Heartbeat time.Duration
	Buffer    int
}

// Conn is one open stream. Frames arrive on Frames() in strictly increasing
// sequence order; the channel is closed when the connection is dropped.
type Conn struct {
	SessionID string

	frames chan sse.Frame
	seq    uint64 // guarded by Broadcaster.mu
	closed bool   // guarded by Broadcaster.mu
}

// Frames returns the connection's frame channel.
func (c *Conn) Frames() <-chan sse.Frame {
	return c.frames
}

// Broadcaster keeps the per-session connection sets. Sequence numbers are
// assigned per connection, so two tabs on one session each see 1, 2, 3...
type Broadcaster struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]map[*Conn]struct{}

	sent    metric.Int64Counter
	dropped metric.Int64Counter
}

// New creates a Broadcaster.
func New(opts Options) *Broadcaster {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	meter := otel.Meter("github.com/dyluth/tailor/internal/broadcast")
	sent, _ := meter.Int64Counter("broadcast.frames.sent")
	dropped, _ := meter.Int64Counter("broadcast.connections.dropped")

	return &Broadcaster{
		opts:     opts,
		sessions: make(map[string]map[*Conn]struct{}),
		sent:     sent,
		dropped:  dropped,
	}
}

// Open registers a new connection for sessionID.
func (b *Broadcaster) Open(sessionID string) *Conn {
	c := &Conn{SessionID: sessionID, frames: make(chan sse.Frame, b.opts.Buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sessions[sessionID]
	if !ok {
		set = make(map[*Conn]struct{})
		b.sessions[sessionID] = set
	}
	set[c] = struct{}{}
	return c
}

// Close removes c and closes its channel. Safe to call more than once.
func (b *Broadcaster) Close(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(c)
}

// Publish sends ev to every connection of sessionID. A connection whose
// buffer is full is dropped; the others still receive the frame.
func (b *Broadcaster) Publish(sessionID string, ev blackboard.Event) {
	name, data, err := blackboard.EncodeEvent(ev)
	if err != nil {
		log.Printf("[Broadcaster] Failed to encode %s for session %s: %v", ev.Kind(), sessionID, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.sessions[sessionID] {
		b.sendLocked(c, name, data)
	}
}

// Deliver sends ev to c alone, using c's sequence space. Used to replay a
// snapshot to a connection that just opened.
func (b *Broadcaster) Deliver(c *Conn, ev blackboard.Event) {
	name, data, err := blackboard.EncodeEvent(ev)
	if err != nil {
		log.Printf("[Broadcaster] Failed to encode %s for session %s: %v", ev.Kind(), c.SessionID, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return
	}
	b.sendLocked(c, name, data)
}

// CloseSession drops every connection of sessionID.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.sessions[sessionID] {
		b.removeLocked(c)
	}
}

// ConnCount returns the number of open connections for sessionID.
func (b *Broadcaster) ConnCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions[sessionID])
}

// Run injects a heartbeat into every open connection on a fixed interval
// until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Heartbeat(now)
		}
	}
}

// Heartbeat sends one heartbeat frame to every open connection.
func (b *Broadcaster) Heartbeat(now time.Time) {
	name, data, err := blackboard.EncodeEvent(blackboard.Heartbeat{AtMs: now.UnixMilli()})
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.sessions {
		for c := range set {
			b.sendLocked(c, name, data)
		}
	}
}

func (b *Broadcaster) sendLocked(c *Conn, name string, data []byte) {
	c.seq++
	frame := sse.Frame{ID: strconv.FormatUint(c.seq, 10), Event: name, Data: data}
	select {
	case c.frames <- frame:
		b.sent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", name)))
	default:
		log.Printf("[Broadcaster] Dropping slow connection on session %s at seq %d", c.SessionID, c.seq)
		b.dropped.Add(context.Background(), 1)
		b.removeLocked(c)
	}
}

func (b *Broadcaster) removeLocked(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.frames)

	set := b.sessions[c.SessionID]
	delete(set, c)
	if len(set) == 0 {
		delete(b.sessions, c.SessionID)
	}
}
