package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer follows a generation stream as one member of a consumer group.
type Consumer struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	group    string
	name     string
}

type ConsumerOption func(*redis.XReadGroupArgs)

// WithBlock bounds how long a read waits for new entries.
func WithBlock(d time.Duration) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

func WithCount(n int64) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

func NewConsumer(client redis.Cmdable, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{client: client, registry: registry, group: group, name: name}
}

// EnsureGroup creates the group at the stream tail, creating the stream
// too. An existing group is left alone.
func EnsureGroup(ctx context.Context, client redis.Cmdable, stream, group string) error {
	if stream == "" || group == "" {
		return errors.New("stream and group are required")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message is one decoded generation event. Exactly one of Stage and
// Finished is set, matching Envelope.EventType.
type Message struct {
	ID       string
	Envelope Envelope
	Stage    *StagePayload
	Finished *FinishedPayload
}

// Read returns the next batch of generation events for this consumer.
// Entries that cannot be decoded are acked and skipped so they are not
// redelivered forever.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	if stream == "" {
		return nil, errors.New("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, errors.New("consumer group and name are required")
	}
	args := &redis.XReadGroupArgs{Group: c.group, Consumer: c.name, Streams: []string{stream, ">"}}
	for _, opt := range opts {
		opt(args)
	}

	res, err := c.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	var rejected []string
	for _, st := range res {
		for _, entry := range st.Messages {
			msg, outcome := c.decode(entry)
			recordConsume(ctx, outcome)
			if outcome != "ok" {
				rejected = append(rejected, entry.ID)
				continue
			}
			out = append(out, msg)
		}
	}
	if err := c.Ack(ctx, stream, rejected...); err != nil {
		return out, err
	}
	return out, nil
}

// Follow reads until ctx is cancelled, passing each event to fn and acking
// a batch once fn has accepted all of it.
func (c *Consumer) Follow(ctx context.Context, stream string, fn func(Message) error, opts ...ConsumerOption) error {
	for {
		msgs, err := c.Read(ctx, stream, opts...)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			if err := fn(m); err != nil {
				return err
			}
			ids = append(ids, m.ID)
		}
		if err := c.Ack(ctx, stream, ids...); err != nil {
			return err
		}
	}
}

func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// decode turns a raw entry into a Message and names the outcome for the
// consume counter: ok, malformed, invalid or unknown.
func (c *Consumer) decode(entry redis.XMessage) (Message, string) {
	env, err := ParseEnvelope(entry.Values["envelope"])
	if err != nil {
		return Message{}, "malformed"
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return Message{}, "invalid"
		}
	}
	msg := Message{ID: entry.ID, Envelope: env}
	switch env.EventType {
	case EventGenerationStage:
		msg.Stage = new(StagePayload)
		err = json.Unmarshal(env.Data, msg.Stage)
	case EventGenerationFinished:
		msg.Finished = new(FinishedPayload)
		err = json.Unmarshal(env.Data, msg.Finished)
	default:
		return Message{}, "unknown"
	}
	if err != nil {
		return Message{}, "malformed"
	}
	return msg, "ok"
}
