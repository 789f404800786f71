// ABOUTME: kafka consumer, one reader per response topic in a shared group
// ABOUTME: commits trail handler completion so delivery is at-least-once

package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// DefaultGroup is the consumer group the orchestrator fleet shares for
// agent response topics.
const DefaultGroup = "orchestrator"

// Delivery describes where a response came from.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Forwarded bool
}

// ResponseHandler processes one decoded task response. Handlers must be
// idempotent with respect to correlation id: redelivery is expected.
type ResponseHandler func(ctx context.Context, resp *TaskResponse, meta Delivery)

// Metrics is the counter surface the consumer reports into.
type Metrics interface {
	ProtocolError(topic string)
}

// Consumer fetches from every subscribed topic, dispatches handlers on
// the keyed pool, and commits offsets only after handlers complete.
type Consumer struct {
	readers  []*kafka.Reader
	pool     *Pool
	handler  ResponseHandler
	log      *slog.Logger
	metrics  Metrics
	mu       sync.Mutex
	trackers map[string]*offsetTracker
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Brokers []string
	GroupID string // defaults to DefaultGroup
	Topics  []string
	Pool    *Pool
	Handler ResponseHandler
	Logger  *slog.Logger
	Metrics Metrics // optional
}

// NewConsumer builds one group reader per topic.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if len(opts.Topics) == 0 {
		return nil, errors.New("bus: at least one topic required")
	}
	if opts.Handler == nil {
		return nil, errors.New("bus: handler required")
	}
	if opts.Pool == nil {
		return nil, errors.New("bus: pool required")
	}
	if opts.GroupID == "" {
		opts.GroupID = DefaultGroup
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	readers := make([]*kafka.Reader, 0, len(opts.Topics))
	for _, topic := range opts.Topics {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     opts.Brokers,
			GroupID:     opts.GroupID,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.LastOffset,
		}))
	}

	return &Consumer{
		readers:  readers,
		pool:     opts.Pool,
		handler:  opts.Handler,
		log:      opts.Logger.With("component", "bus", "group", opts.GroupID),
		metrics:  opts.Metrics,
		trackers: make(map[string]*offsetTracker),
	}, nil
}

// Run fetches until ctx is canceled. The pool is owned by the caller
// and must already be running.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range c.readers {
		g.Go(func() error { return c.consume(ctx, r) })
	}
	return g.Wait()
}

// Close closes every reader, which also leaves the consumer group.
func (c *Consumer) Close() error {
	var errs []error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Consumer) consume(ctx context.Context, r *kafka.Reader) error {
	topic := r.Config().Topic
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", topic, err)
		}

		tr := c.tracker(topic, m.Partition)
		tr.fetched(m.Offset)

		resp, perr := ParseTaskResponse(m.Value)
		if perr != nil {
			// Garbage never becomes valid on redelivery; count it,
			// commit past it, move on.
			c.log.Warn("dropping malformed envelope",
				"topic", topic, "partition", m.Partition, "offset", m.Offset, "error", perr)
			if c.metrics != nil {
				c.metrics.ProtocolError(topic)
			}
			c.finish(ctx, r, tr, m)
			continue
		}

		meta := Delivery{
			Topic:     topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       string(m.Key),
			Forwarded: forwarded(m.Headers),
		}
		key := meta.Key
		if key == "" {
			key = resp.Result.SessionID
		}

		work := func() {
			c.handler(ctx, resp, meta)
			c.finish(ctx, r, tr, m)
		}
		if err := c.pool.Submit(ctx, key, work); err != nil {
			// Shutdown while waiting for queue space; the uncommitted
			// message will be redelivered.
			return nil
		}
	}
}

// finish marks the offset processed and commits the highest offset for
// which everything fetched at or below it is done.
func (c *Consumer) finish(ctx context.Context, r *kafka.Reader, tr *offsetTracker, m kafka.Message) {
	upTo, ok := tr.complete(m.Offset)
	if !ok {
		return
	}
	commit := kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: upTo}
	if err := r.CommitMessages(ctx, commit); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("offset commit failed", "topic", m.Topic, "partition", m.Partition, "offset", upTo, "error", err)
	}
}

func (c *Consumer) tracker(topic string, partition int) *offsetTracker {
	key := fmt.Sprintf("%s/%d", topic, partition)
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.trackers[key]
	if !ok {
		tr = newOffsetTracker()
		c.trackers[key] = tr
	}
	return tr
}

func forwarded(headers []kafka.Header) bool {
	for _, h := range headers {
		if h.Key == HeaderForwarded {
			return true
		}
	}
	return false
}

// offsetTracker decides which offset is safe to commit when handlers
// complete out of order across keys. An offset is committable once every
// fetched offset at or below it has completed; offsets this consumer
// never fetched (log gaps, other assignments) do not block the
// watermark.
type offsetTracker struct {
	mu        sync.Mutex
	inflight  map[int64]struct{}
	maxDone   int64
	committed int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		inflight:  make(map[int64]struct{}),
		maxDone:   -1,
		committed: -1,
	}
}

func (t *offsetTracker) fetched(off int64) {
	t.mu.Lock()
	t.inflight[off] = struct{}{}
	t.mu.Unlock()
}

// complete removes off from flight and returns the new commit watermark
// when it advanced.
func (t *offsetTracker) complete(off int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inflight, off)
	if off > t.maxDone {
		t.maxDone = off
	}

	candidate := t.maxDone
	for o := range t.inflight {
		if o-1 < candidate {
			candidate = o - 1
		}
	}
	if candidate <= t.committed {
		return 0, false
	}
	t.committed = candidate
	return candidate, true
}
