// ABOUTME: kafka producer for task requests, responses, and forwards
// ABOUTME: every message is keyed by session id so one session stays ordered

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrDispatchTimeout is returned when the producer cannot flush a task
// request within its deadline. No correlation entry may be created for
// a dispatch that returned this.
var ErrDispatchTimeout = errors.New("dispatch timeout")

// DefaultDispatchTimeout bounds how long Dispatch may block.
const DefaultDispatchTimeout = 2 * time.Second

// HeaderForwarded marks a response that one orchestrator instance
// republished for another. A forwarded message is never forwarded again.
const HeaderForwarded = "forwarded"

// Producer writes envelopes to the bus. Safe for concurrent use.
type Producer struct {
	writer  *kafka.Writer
	timeout time.Duration
	log     *slog.Logger
}

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	Brokers []string
	Timeout time.Duration // defaults to DefaultDispatchTimeout
	Logger  *slog.Logger
}

// NewProducer builds a producer with hash partitioning on the message
// key. The batch timeout is kept low: dispatches sit on a user-facing
// request path and must not wait out a batching window.
func NewProducer(opts ProducerOptions) *Producer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDispatchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		timeout: opts.Timeout,
		log:     opts.Logger.With("component", "bus"),
	}
}

// Dispatch produces a task request to topic, keyed by the payload's
// session id. It blocks at most the flush deadline; on expiry it
// returns ErrDispatchTimeout and the caller must not register a
// correlation for it.
func (p *Producer) Dispatch(ctx context.Context, topic string, req *TaskRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode task request: %w", err)
	}
	return p.produce(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(req.Payload.SessionID),
		Value: body,
	})
}

// Respond produces a task response to topic, keyed by the result's
// session id. Worker agents use this; the orchestrator itself only
// consumes responses.
func (p *Producer) Respond(ctx context.Context, topic string, resp *TaskResponse) error {
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode task response: %w", err)
	}
	return p.produce(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(resp.Result.SessionID),
		Value: body,
	})
}

// Forward republishes a raw response for the instance that owns the
// session. The forwarded header stops a second hop.
func (p *Producer) Forward(ctx context.Context, topic string, key, value []byte) error {
	return p.produce(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: []kafka.Header{{Key: HeaderForwarded, Value: []byte("1")}},
	})
}

func (p *Producer) produce(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: topic %s not flushed within %s", ErrDispatchTimeout, msg.Topic, p.timeout)
		}
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
