package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// StartPosition selects where a newly created consumer group begins reading.
type StartPosition string

const (
	// StartNew delivers only messages published after the group was created.
	StartNew StartPosition = "new"
	// StartBeginning replays everything still retained in the stream.
	StartBeginning StartPosition = "beginning"
)

// Validate checks if the StartPosition is a valid enum value.
func (p StartPosition) Validate() error {
	switch p {
	case StartNew, StartBeginning:
		return nil
	default:
		return fmt.Errorf("unknown start position: %q", p)
	}
}

func (p StartPosition) streamID() string {
	if p == StartBeginning {
		return "0"
	}
	return "$"
}

// RedisOptions tunes the durable backend. Zero values take the defaults.
type RedisOptions struct {
	Group         string        // consumer group name, default "tailor"
	Consumer      string        // consumer name, default hostname plus a random suffix
	IdleThreshold time.Duration // reclaim deliveries idle this long, default 30s
	MaxLen        int64         // retained entries per stream, default 1000
	Block         time.Duration // XREADGROUP block time, default 100ms
	StartFrom     StartPosition // default StartNew
	ReclaimEvery  time.Duration // how often a subscriber looks for idle deliveries, default IdleThreshold/3
	BatchSize     int64         // entries per read, default 10
}

func (o *RedisOptions) applyDefaults() {
	if o.Group == "" {
		o.Group = "tailor"
	}
	if o.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "tailor"
		}
		o.Consumer = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 30 * time.Second
	}
	if o.MaxLen <= 0 {
		o.MaxLen = 1000
	}
	if o.Block <= 0 {
		o.Block = 100 * time.Millisecond
	}
	if o.StartFrom == "" {
		o.StartFrom = StartNew
	}
	if o.ReclaimEvery <= 0 {
		o.ReclaimEvery = o.IdleThreshold / 3
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
}

// messageField is the stream entry field holding the JSON envelope.
const messageField = "message"

// RedisBus is the durable backend. Each recipient owns a stream; publishing
// is XADD and consumption is XREADGROUP followed by XACK.
type RedisBus struct {
	rdb      *redis.Client
	instance string
	opts     RedisOptions
	metrics  *metrics

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	agent   string
	stream  string
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisBus creates a durable bus on rdb, namespacing streams by instance.
func NewRedisBus(rdb *redis.Client, instance string, opts RedisOptions) (*RedisBus, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	opts.applyDefaults()
	if err := opts.StartFrom.Validate(); err != nil {
		return nil, err
	}
	return &RedisBus{
		rdb:      rdb,
		instance: instance,
		opts:     opts,
		metrics:  newMetrics("redis"),
		subs:     make(map[string]*subscription),
	}, nil
}

// Subscribe creates the consumer group if needed and starts a polling loop
// for agent.
func (b *RedisBus) Subscribe(agent string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[agent]; exists {
		return ErrAlreadySubscribed
	}

	stream := blackboard.AgentStreamKey(b.instance, agent)
	if err := b.ensureGroup(context.Background(), stream); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		agent:   agent,
		stream:  stream,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.subs[agent] = sub

	go b.poll(ctx, sub)

	log.Printf("[Bus] Subscribed %s (group=%s consumer=%s start=%s)", agent, b.opts.Group, b.opts.Consumer, b.opts.StartFrom)
	return nil
}

// Unsubscribe stops the polling loop for agent and waits for it to exit.
// Pending deliveries stay in the group for another consumer to reclaim.
func (b *RedisBus) Unsubscribe(agent string) {
	b.mu.Lock()
	sub, ok := b.subs[agent]
	delete(b.subs, agent)
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.cancel()
	<-sub.done
}

// Send appends msg to the recipient's stream.
func (b *RedisBus) Send(ctx context.Context, msg blackboard.AgentMessage) (blackboard.AgentMessage, error) {
	msg, err := prepare(msg)
	if err != nil {
		return msg, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("failed to marshal agent message: %w", err)
	}

	stream := blackboard.AgentStreamKey(b.instance, msg.To)
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{messageField: string(data)},
	}).Err()
	if err != nil {
		b.metrics.add(ctx, b.metrics.publishFailures, 1, attribute.String("agent", msg.To))
		log.Printf("[Bus] Failed to publish message %s to %s: %v", msg.ID, msg.To, err)
		return msg, nil
	}

	b.metrics.add(ctx, b.metrics.published, 1)
	b.trim(ctx, stream)
	return msg, nil
}

// Log reads every retained entry of every agent stream, oldest first.
func (b *RedisBus) Log(ctx context.Context) ([]blackboard.AgentMessage, error) {
	streams, err := b.streams(ctx)
	if err != nil {
		return nil, err
	}

	var out []blackboard.AgentMessage
	for _, stream := range streams {
		entries, err := b.rdb.XRange(ctx, stream, "-", "+").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
		}
		for _, e := range entries {
			msg, err := decodeEntry(e)
			if err != nil {
				log.Printf("[Bus] Skipping malformed entry %s in %s: %v", e.ID, stream, err)
				continue
			}
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out, nil
}

// Reset stops every subscription and deletes every agent stream.
func (b *RedisBus) Reset(ctx context.Context) error {
	b.Close()

	streams, err := b.streams(ctx)
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		return nil
	}
	if err := b.rdb.Del(ctx, streams...).Err(); err != nil {
		return fmt.Errorf("failed to delete agent streams: %w", err)
	}
	return nil
}

// Close stops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	agents := make([]string, 0, len(b.subs))
	for agent := range b.subs {
		agents = append(agents, agent)
	}
	b.mu.Unlock()

	for _, agent := range agents {
		b.Unsubscribe(agent)
	}
	return nil
}

func (b *RedisBus) streams(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := b.rdb.Scan(ctx, cursor, blackboard.AgentStreamPattern(b.instance), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent streams: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, stream string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, b.opts.Group, b.opts.StartFrom.streamID()).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
	}
	return nil
}

// poll is the per-subscriber consumption loop. It blocks for at most
// opts.Block per read so cancellation is noticed promptly.
func (b *RedisBus) poll(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	lastReclaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastReclaim) >= b.opts.ReclaimEvery {
			b.reclaim(ctx, sub)
			lastReclaim = time.Now()
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			Streams:  []string{sub.stream, ">"},
			Count:    b.opts.BatchSize,
			Block:    b.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				if gerr := b.ensureGroup(ctx, sub.stream); gerr != nil {
					log.Printf("[Bus] %v", gerr)
				}
				continue
			}
			log.Printf("[Bus] Read from %s failed: %v", sub.stream, err)
			b.sleep(ctx, b.opts.Block)
			continue
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				b.deliver(ctx, sub, entry)
			}
		}
		b.trim(ctx, sub.stream)
	}
}

// deliver runs the handler and acknowledges on success. A failed handler
// leaves the entry pending so reclaim redelivers it after the idle threshold.
func (b *RedisBus) deliver(ctx context.Context, sub *subscription, entry redis.XMessage) {
	msg, err := decodeEntry(entry)
	if err != nil {
		log.Printf("[Bus] Dropping malformed entry %s on %s: %v", entry.ID, sub.stream, err)
		b.ack(ctx, sub, entry.ID)
		return
	}

	if err := sub.handler(ctx, msg); err != nil {
		b.metrics.add(ctx, b.metrics.handlerFailures, 1, attribute.String("agent", sub.agent))
		log.Printf("[Bus] Handler for %s failed on message %s (entry %s left pending): %v",
			sub.agent, msg.ID, entry.ID, err)
		return
	}
	b.ack(ctx, sub, entry.ID)
}

func (b *RedisBus) ack(ctx context.Context, sub *subscription, id string) {
	if err := b.rdb.XAck(ctx, sub.stream, b.opts.Group, id).Err(); err != nil && ctx.Err() == nil {
		log.Printf("[Bus] Failed to ack %s on %s: %v", id, sub.stream, err)
	}
}

// reclaim takes over deliveries that have been pending longer than the idle
// threshold, from any consumer in the group, and redelivers them here.
func (b *RedisBus) reclaim(ctx context.Context, sub *subscription) {
	start := "0-0"
	for i := 0; i < 10; i++ {
		entries, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   sub.stream,
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			MinIdle:  b.opts.IdleThreshold,
			Start:    start,
			Count:    b.opts.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				log.Printf("[Bus] Reclaim on %s failed: %v", sub.stream, err)
			}
			return
		}
		if len(entries) > 0 {
			b.metrics.add(ctx, b.metrics.reclaimed, int64(len(entries)), attribute.String("agent", sub.agent))
			log.Printf("[Bus] Reclaimed %d idle deliveries on %s", len(entries), sub.stream)
		}
		for _, entry := range entries {
			b.deliver(ctx, sub, entry)
		}
		if next == "0-0" || next == "" {
			return
		}
		start = next
	}
}

// trim caps stream at MaxLen entries. It runs after every publish and after
// every read, so streams nobody subscribes to stay bounded too. An entry a
// consumer group has not yet delivered, or delivered without acknowledgement,
// is never removed. XTRIM MINID keeps every entry whose id is at least the
// chosen boundary.
func (b *RedisBus) trim(ctx context.Context, stream string) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil || n <= b.opts.MaxLen {
		return
	}

	groups, err := b.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[Bus] Trim of %s skipped: %v", stream, err)
		}
		return
	}
	if len(groups) == 0 {
		if err := b.rdb.XTrimMaxLen(ctx, stream, b.opts.MaxLen).Err(); err != nil && ctx.Err() == nil {
			log.Printf("[Bus] Trim of %s failed: %v", stream, err)
		}
		return
	}

	// The oldest entry inside the retention window.
	window, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", b.opts.MaxLen).Result()
	if err != nil || int64(len(window)) < b.opts.MaxLen {
		return
	}
	boundary := window[len(window)-1].ID

	for _, g := range groups {
		if compareIDs(g.LastDeliveredID, boundary) < 0 {
			boundary = g.LastDeliveredID
		}
		if g.Pending == 0 {
			continue
		}
		pending, err := b.rdb.XPending(ctx, stream, g.Name).Result()
		if err != nil {
			return
		}
		if pending.Count > 0 && compareIDs(pending.Lower, boundary) < 0 {
			boundary = pending.Lower
		}
	}

	if err := b.rdb.XTrimMinID(ctx, stream, boundary).Err(); err != nil && ctx.Err() == nil {
		log.Printf("[Bus] Trim of %s failed: %v", stream, err)
	}
}

func (b *RedisBus) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func decodeEntry(e redis.XMessage) (blackboard.AgentMessage, error) {
	var msg blackboard.AgentMessage
	raw, ok := e.Values[messageField].(string)
	if !ok {
		return msg, fmt.Errorf("entry has no %q field", messageField)
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, fmt.Errorf("failed to unmarshal agent message: %w", err)
	}
	return msg, nil
}

// compareIDs orders two stream ids of the form "ms-seq".
func compareIDs(a, b string) int {
	am, as := splitID(a)
	bm, bs := splitID(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func splitID(id string) (uint64, uint64) {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ := strconv.ParseUint(msPart, 10, 64)
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}
