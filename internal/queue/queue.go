package queue

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// Message is one queued job. ID is the stream entry id and doubles as
// the delivery handle passed back to Settle or left unacked for
// redelivery.
type Message struct {
	ID   string
	Body []byte
}

const bodyField = "body"

// Redis is the subset of go-redis stream commands the broker issues.
// Satisfied by *redis.Client; tests substitute an in-memory fake.
type Redis interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd
	XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Broker is a work queue over Redis Streams. A consumer group gives
// each message a visibility lock: entries read by this consumer stay
// pending until Settle acks them, and entries whose consumer went quiet
// past the lease are reclaimed on the next Receive. A message that has
// been delivered too many times moves to the dead-letter stream instead
// of circulating forever.
type Broker struct {
	rdb           Redis
	stream        string
	group         string
	consumer      string
	lease         time.Duration
	maxDeliveries int64
}

const (
	defaultLease         = 5 * time.Minute
	defaultMaxDeliveries = 5
)

func NewBroker(rdb Redis, stream, group, consumer string) *Broker {
	return &Broker{
		rdb:           rdb,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		lease:         defaultLease,
		maxDeliveries: defaultMaxDeliveries,
	}
}

// WithLease overrides how long an unacked message stays invisible
// before another consumer may reclaim it.
func (b *Broker) WithLease(d time.Duration) *Broker {
	b.lease = d
	return b
}

// DeadStream is where poisoned messages end up.
func (b *Broker) DeadStream() string {
	return b.stream + "-dead"
}

// EnsureGroup creates the consumer group (and the stream, if absent).
// Safe to call on every startup.
func (b *Broker) EnsureGroup(ctx context.Context) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", b.group, b.stream, err)
	}
	return nil
}

// Receive fetches up to max messages. Reclaimed messages (delivered
// before, lease expired) come first, then fresh entries. Returns an
// empty slice when the queue is idle.
func (b *Broker) Receive(ctx context.Context, max int) ([]Message, error) {
	msgs, err := b.reclaim(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(msgs) >= max {
		return msgs[:max], nil
	}

	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.stream, ">"},
		Count:    int64(max - len(msgs)),
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		return msgs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from %s: %w", b.stream, err)
	}

	for _, s := range streams {
		msgs = append(msgs, decodeEntries(s.Messages)...)
	}
	return msgs, nil
}

// reclaim takes over messages whose lease expired. Entries past the
// delivery cap are dead-lettered rather than handed out again.
func (b *Broker) reclaim(ctx context.Context, max int) ([]Message, error) {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream,
		Group:  b.group,
		Idle:   b.lease,
		Start:  "-",
		End:    "+",
		Count:  int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to inspect pending messages: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var claimable []string
	for _, p := range pending {
		if p.RetryCount >= b.maxDeliveries {
			if err := b.deadLetter(ctx, p.ID); err != nil {
				log.Printf("QUEUE: failed to dead-letter %s: %v", p.ID, err)
			}
			continue
		}
		claimable = append(claimable, p.ID)
	}
	if len(claimable) == 0 {
		return nil, nil
	}

	claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  b.lease,
		Messages: claimable,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim expired messages: %w", err)
	}
	return decodeEntries(claimed), nil
}

// deadLetter copies the entry onto the dead stream and acks it so it
// stops circulating. The dead stream keeps the original id for tracing.
func (b *Broker) deadLetter(ctx context.Context, id string) error {
	entries, err := b.rdb.XRange(ctx, b.stream, id, id).Result()
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		body, ok := entries[0].Values[bodyField].(string)
		if !ok {
			// Foreign entry without a body; keep the record anyway so the
			// poisoned id is still visible on the dead stream.
			log.Printf("QUEUE: dead-lettering %s without a %s field", id, bodyField)
		}
		err = b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: b.DeadStream(),
			Values: map[string]any{
				"origin_id": id,
				bodyField:   body,
			},
		}).Err()
		if err != nil {
			return err
		}
	}
	log.Printf("QUEUE: dead-lettered %s after %d deliveries", id, b.maxDeliveries)
	return b.rdb.XAck(ctx, b.stream, b.group, id).Err()
}

// Settle acks a delivered message. The entry stays in the stream for
// inspection; only the pending record is cleared.
func (b *Broker) Settle(ctx context.Context, id string) error {
	if err := b.rdb.XAck(ctx, b.stream, b.group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", id, err)
	}
	return nil
}

// Abandon gives a message back for redelivery. With consumer groups
// that means leaving it pending; the reclaim in Receive picks it up
// once the lease runs out. Logged so an operator can see the churn.
func (b *Broker) Abandon(ctx context.Context, id string) {
	log.Printf("QUEUE: abandoning %s on %s, redelivery after %s", id, b.stream, b.lease)
}

// Renew resets the idle clock on a message this consumer is still
// working on, so a long job is not reclaimed mid-flight.
func (b *Broker) Renew(ctx context.Context, id string) error {
	err := b.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  0,
		Messages: []string{id},
	}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to renew lease on %s: %w", id, err)
	}
	return nil
}

// Send appends a result to another stream, retrying transient Redis
// failures with exponential backoff.
func (b *Broker) Send(ctx context.Context, stream string, body []byte) error {
	_, err := backoff.Retry(ctx, func() (string, error) {
		return b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{bodyField: body},
		}).Result()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", stream, err)
	}
	return nil
}

func decodeEntries(entries []redis.XMessage) []Message {
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		body, ok := e.Values[bodyField].(string)
		if !ok {
			// Foreign entry in the stream; deliver it empty and let the
			// processor reject it, which routes it to the dead stream.
			log.Printf("QUEUE: entry %s has no %s field", e.ID, bodyField)
		}
		msgs = append(msgs, Message{ID: e.ID, Body: []byte(body)})
	}
	return msgs
}
