package eventlog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/parceldrop/dispatch/pkg/redis"
)

// Log is an append-only ordered event log over Redis Streams with
// consumer-group (at-least-once, explicit ack) semantics. The pending
// entries list is the retry surface: a message stays assigned to its
// consumer until acked or claimed by another consumer.
type Log struct {
	redis *redisclient.Client
}

// NewLog creates an event log on top of the shared Redis client.
func NewLog(r *redisclient.Client) *Log {
	return &Log{redis: r}
}

// Publish appends an event to a stream and returns its entry id. Fields are
// written in sorted key order so identical events serialize identically.
func (l *Log) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, values[k])
	}

	id, err := l.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: args,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group (and the stream when missing).
// Safe to call on every worker start.
func (l *Log) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.redis.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup block-reads up to count new messages for the given consumer.
// Returns an empty slice on block timeout.
func (l *Log) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Event, error) {
	res, err := l.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	return flatten(res), nil
}

// Claim reassigns messages idle longer than minIdle to the given consumer
// (XAUTOCLAIM from the start of the PEL). Returns the claimed events.
func (l *Log) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Event, error) {
	msgs, _, err := l.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}

	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, toEvent(stream, m))
	}
	return events, nil
}

// Ack acknowledges processed messages, removing them from the PEL.
func (l *Log) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.redis.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// DeliveryCounts returns the per-message delivery count for the given ids,
// read from the pending entries list.
func (l *Log) DeliveryCounts(ctx context.Context, stream, group string, ids []string) (map[string]int64, error) {
	if len(ids) == 0 {
		return map[string]int64{}, nil
	}

	pending, err := l.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  ids[0],
		End:    ids[len(ids)-1],
		Count:  int64(len(ids)),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}

	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts, nil
}

// DeadLetter copies an exhausted event onto a dead-letter stream, recording
// the original stream and entry id.
func (l *Log) DeadLetter(ctx context.Context, dlqStream string, event Event) error {
	values := make(map[string]string, len(event.Values)+2)
	for k, v := range event.Values {
		values[k] = v
	}
	values["origin_stream"] = event.Stream
	values["origin_id"] = event.ID

	_, err := l.Publish(ctx, dlqStream, values)
	return err
}

// ConsumerInfo describes one consumer of a group.
type ConsumerInfo struct {
	Name    string
	Pending int64
	Idle    time.Duration
}

// Consumers lists the consumers of a group with pending counts and idle time.
func (l *Log) Consumers(ctx context.Context, stream, group string) ([]ConsumerInfo, error) {
	res, err := l.redis.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("xinfo consumers %s/%s: %w", stream, group, err)
	}

	infos := make([]ConsumerInfo, 0, len(res))
	for _, c := range res {
		infos = append(infos, ConsumerInfo{
			Name:    c.Name,
			Pending: c.Pending,
			Idle:    c.Idle,
		})
	}
	return infos, nil
}

// RemoveConsumer deletes a consumer from a group. Only safe on consumers
// with zero pending messages.
func (l *Log) RemoveConsumer(ctx context.Context, stream, group, name string) error {
	if err := l.redis.XGroupDelConsumer(ctx, stream, group, name).Err(); err != nil {
		return fmt.Errorf("delete consumer %s from %s/%s: %w", name, stream, group, err)
	}
	return nil
}

// ScheduleRetry registers member on the delayed-retry sorted set, due at
// the given instant. Re-scheduling an existing member moves its deadline.
func (l *Log) ScheduleRetry(ctx context.Context, key, member string, due time.Time) error {
	if err := l.redis.ZAdd(ctx, key, redis.Z{
		Score:  float64(due.Unix()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("schedule retry %s: %w", member, err)
	}
	return nil
}

// DueRetries returns up to limit members whose deadline has passed.
func (l *Log) DueRetries(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	members, err := l.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("due retries: %w", err)
	}
	return members, nil
}

// ClearRetry removes a member from the delayed-retry set.
func (l *Log) ClearRetry(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := l.redis.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("clear retry: %w", err)
	}
	return nil
}

func flatten(streams []redis.XStream) []Event {
	var events []Event
	for _, s := range streams {
		for _, m := range s.Messages {
			events = append(events, toEvent(s.Stream, m))
		}
	}
	return events
}

func toEvent(stream string, m redis.XMessage) Event {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		} else {
			values[k] = fmt.Sprintf("%v", v)
		}
	}
	return Event{ID: m.ID, Stream: stream, Values: values}
}
