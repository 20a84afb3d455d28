// Package publish fans stored timeline events out to a Redis stream so
// other tools can follow the timeline without polling SQLite.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"devtimeline/internal/logging"
	"devtimeline/internal/metrics"
	"devtimeline/internal/store"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "timeline:events"

// Options configures a Publisher.
type Options struct {
	Stream string

	// MaxLen approximately caps the stream length. Zero keeps everything.
	MaxLen int64

	// Timeout bounds one XADD issued from the sink decorator.
	Timeout time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Publisher appends events to a Redis stream with XADD.
type Publisher struct {
	client *redis.Client
	opts   Options
	logger *logging.Logger
}

// New creates a Publisher on client.
func New(client *redis.Client, logger *logging.Logger, opts Options) *Publisher {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return &Publisher{client: client, opts: opts, logger: logger.WithComponent("publish")}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string, logger *logging.Logger, opts Options) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return New(client, logger, opts), nil
}

// Stream returns the stream key.
func (p *Publisher) Stream() string {
	return p.opts.Stream
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Publish appends e to the stream and returns the stream entry ID.
func (p *Publisher) Publish(ctx context.Context, e *store.Event) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.opts.Stream,
		Values: map[string]any{
			"id":         strconv.FormatInt(e.ID, 10),
			"event_type": string(e.EventType),
			"event":      string(data),
		},
	}
	if p.opts.MaxLen > 0 {
		args.MaxLen = p.opts.MaxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		p.count(false)
		return "", fmt.Errorf("xadd %s: %w", p.opts.Stream, err)
	}
	p.count(true)
	return id, nil
}

// Read returns up to count events appended after the entry lastID ("0"
// reads from the start) and the ID of the last entry returned.
func (p *Publisher) Read(ctx context.Context, lastID string, count int64) ([]store.Event, string, error) {
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := p.client.XRangeN(ctx, p.opts.Stream, lastID, "+", count+1).Result()
	if err != nil {
		return nil, lastID, fmt.Errorf("xrange %s: %w", p.opts.Stream, err)
	}

	events := make([]store.Event, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == lastID || int64(len(events)) == count {
			continue
		}
		lastID = msg.ID
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var e store.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			p.logger.Warn("skip malformed stream entry", "entry", msg.ID, "error", err)
			continue
		}
		events = append(events, e)
	}
	return events, lastID, nil
}

// LastID returns the ID of the newest stream entry, or "0" when the stream
// is empty. Reading after it yields only entries added later.
func (p *Publisher) LastID(ctx context.Context) (string, error) {
	msgs, err := p.client.XRevRangeN(ctx, p.opts.Stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", p.opts.Stream, err)
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

func (p *Publisher) count(ok bool) {
	if p.opts.Metrics == nil {
		return
	}
	if ok {
		p.opts.Metrics.Published.Inc()
	} else {
		p.opts.Metrics.PublishFails.Inc()
	}
}

type publishingSink struct {
	next store.Sink
	pub  *Publisher
}

// Sink returns a decorator that publishes every event next stores.
// Publishing failures are logged and never fail the insert.
func (p *Publisher) Sink(next store.Sink) store.Sink {
	return &publishingSink{next: next, pub: p}
}

func (s *publishingSink) Insert(e *store.Event) (int64, error) {
	id, err := s.next.Insert(e)
	if err != nil {
		return id, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.pub.opts.Timeout)
	defer cancel()
	if _, perr := s.pub.Publish(ctx, e); perr != nil {
		s.pub.logger.Warn("failed to publish event", "id", id, "error", perr)
	}
	return id, nil
}
