// Package queue is the durable, acknowledgement-based event queue used for
// profile sync, built on Redis Streams consumer groups.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field holding the raw event body.
const payloadField = "data"

// Config describes the stream, group and dead-letter stream to use.
type Config struct {
	URL        string
	Stream     string
	Group      string
	DeadLetter string
	// Block is how long Next waits for a new entry before returning empty.
	Block time.Duration
	// ClaimIdle is how long an entry left unacknowledged by another consumer
	// waits before this one takes it over.
	ClaimIdle time.Duration
	// Consumer is this member's name in the group. Keep it stable across
	// dials so entries read before a reconnect are found again. Empty picks a
	// random name.
	Consumer string
}

// Delivery is one event handed to the consumer. It stays pending until Ack
// or Reject is called with its ID.
type Delivery struct {
	ID          string
	Body        []byte
	Redelivered bool
}

// Stream is a consumer group member on one Redis stream.
type Stream struct {
	rdb      *redis.Client
	cfg      Config
	consumer string
}

// Dial connects to Redis and asserts the stream and consumer group exist.
// Entries published before the group is created are delivered too.
func Dial(ctx context.Context, cfg Config) (*Stream, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	err = rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		_ = rdb.Close()
		return nil, fmt.Errorf("create consumer group %s on %s: %w", cfg.Group, cfg.Stream, err)
	}

	warnIfVolatile(ctx, rdb)

	consumer := cfg.Consumer
	if consumer == "" {
		consumer = NewConsumerName()
	}
	return &Stream{rdb: rdb, cfg: cfg, consumer: consumer}, nil
}

// NewConsumerName returns a unique group member name.
func NewConsumerName() string {
	return "pixelchat-" + uuid.NewString()
}

// warnIfVolatile logs when the server would lose acknowledged-but-unprocessed
// entries on restart. Managed servers often refuse CONFIG; that is not fatal.
func warnIfVolatile(ctx context.Context, rdb *redis.Client) {
	res, err := rdb.ConfigGet(ctx, "appendonly").Result()
	if err != nil {
		log.Debug("could not read redis persistence settings", "err", err)
		return
	}
	if res["appendonly"] != "yes" {
		log.Warn("redis appendonly is disabled; queued sync events may be lost on a server restart")
	}
}

// Next returns the next delivery, or nil when nothing arrived within Block.
// Entries this consumer read but never settled come first, then entries
// other consumers left unacknowledged for longer than ClaimIdle, then new
// ones.
func (s *Stream) Next(ctx context.Context) (*Delivery, error) {
	// "0" reads this consumer's own pending list and never blocks.
	d, err := s.read(ctx, "0", -1)
	if err != nil || d != nil {
		if d != nil {
			d.Redelivered = true
		}
		return d, err
	}

	if s.cfg.ClaimIdle > 0 {
		msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.cfg.Stream,
			Group:    s.cfg.Group,
			Consumer: s.consumer,
			MinIdle:  s.cfg.ClaimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("reclaim pending: %w", err)
		}
		if len(msgs) > 0 {
			d := toDelivery(msgs[0])
			d.Redelivered = true
			return d, nil
		}
	}

	return s.read(ctx, ">", s.cfg.Block)
}

// read issues one XREADGROUP from id. A negative block omits BLOCK.
func (s *Stream) read(ctx context.Context, id string, block time.Duration) (*Delivery, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.consumer,
		Streams:  []string{s.cfg.Stream, id},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group from %s: %w", id, err)
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			return toDelivery(msg), nil
		}
	}
	return nil, nil
}

func toDelivery(msg redis.XMessage) *Delivery {
	d := &Delivery{ID: msg.ID}
	switch v := msg.Values[payloadField].(type) {
	case string:
		d.Body = []byte(v)
	case []byte:
		d.Body = v
	}
	return d
}

// Ack marks a delivery as processed. It will not be delivered again.
func (s *Stream) Ack(ctx context.Context, id string) error {
	if err := s.rdb.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Reject moves a delivery that can never be processed to the dead-letter
// stream, with the reason attached, and acknowledges it.
func (s *Stream) Reject(ctx context.Context, d *Delivery, reason string) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.DeadLetter,
		ID:     "*",
		Values: map[string]interface{}{
			payloadField: d.Body,
			"reason":     reason,
			"source_id":  d.ID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.ID, err)
	}
	return s.Ack(ctx, d.ID)
}

// Publish appends an event to the stream and returns its entry id.
func (s *Stream) Publish(ctx context.Context, body []byte) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.Stream,
		ID:     "*",
		Values: map[string]interface{}{payloadField: body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", s.cfg.Stream, err)
	}
	return id, nil
}

// Pending returns how many deliveries are waiting for an acknowledgement.
func (s *Stream) Pending(ctx context.Context) (int64, error) {
	p, err := s.rdb.XPending(ctx, s.cfg.Stream, s.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("pending of %s: %w", s.cfg.Stream, err)
	}
	return p.Count, nil
}

// DeadLettered returns the raw bodies currently in the dead-letter stream.
func (s *Stream) DeadLettered(ctx context.Context) ([][]byte, error) {
	msgs, err := s.rdb.XRange(ctx, s.cfg.DeadLetter, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toDelivery(m).Body)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Stream) Close() error {
	return s.rdb.Close()
}
