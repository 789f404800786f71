// ABOUTME: Minimal fake worker agent for E2E testing: consumes task requests, answers canned responses.
// ABOUTME: Usage: fake-agent [-brokers localhost:9092] [-topics a,b] [-delay 500ms] [-fail]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/careline/orchestrator/internal/bus"
	"github.com/careline/orchestrator/internal/router"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers, comma separated")
	topics := flag.String("topics", "", "request topics to serve, comma separated (default: all built-in routes)")
	group := flag.String("group", "fake-agents", "consumer group id")
	delay := flag.Duration("delay", 500*time.Millisecond, "artificial processing delay per task")
	fail := flag.Bool("fail", false, "answer every task with an error response")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *brokers, *topics, *group, *delay, *fail); err != nil {
		logger.Error("fake agent failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, brokers, topics, group string, delay time.Duration, fail bool) error {
	brokerList := splitList(brokers)
	topicList := splitList(topics)
	if len(topicList) == 0 {
		for _, rt := range router.Defaults() {
			topicList = append(topicList, rt.RequestTopic)
		}
	}

	producer := bus.NewProducer(bus.ProducerOptions{Brokers: brokerList, Logger: logger})
	defer producer.Close()

	agent := &fakeAgent{
		producer: producer,
		log:      logger,
		delay:    delay,
		fail:     fail,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topicList {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokerList,
			GroupID: group,
			Topic:   topic,
		})
		logger.Info("serving request topic", "topic", topic, "group", group)

		g.Go(func() error {
			defer reader.Close()
			return agent.serve(gctx, reader)
		})
	}
	return g.Wait()
}

type fakeAgent struct {
	producer *bus.Producer
	log      *slog.Logger
	delay    time.Duration
	fail     bool
}

func (a *fakeAgent) serve(ctx context.Context, reader *kafka.Reader) error {
	topic := reader.Config().Topic
	responseTopic := strings.Replace(topic, "-requests", "-responses", 1)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", topic, err)
		}

		req, err := bus.ParseTaskRequest(msg.Value)
		if err != nil {
			a.log.Warn("skipping malformed request", "topic", topic, "offset", msg.Offset, "error", err)
			continue
		}

		a.log.Info("task received",
			"topic", topic,
			"task_type", req.TaskType,
			"correlation_id", req.CorrelationID,
			"session_id", req.Payload.SessionID,
		)

		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil
		}

		resp := a.answer(req)
		if err := a.producer.Respond(ctx, responseTopic, resp); err != nil {
			a.log.Error("response publish failed", "correlation_id", req.CorrelationID, "error", err)
			continue
		}
		a.log.Info("task answered",
			"topic", responseTopic,
			"correlation_id", req.CorrelationID,
			"status", resp.Status,
		)
	}
}

func (a *fakeAgent) answer(req *bus.TaskRequest) *bus.TaskResponse {
	if a.fail {
		resp := bus.NewTaskResponse(req.CorrelationID, bus.StatusError, bus.TaskResult{
			Response:             "I couldn't process that request. A staff member will follow up with you.",
			RequiresHumanHandoff: true,
			SessionID:            req.Payload.SessionID,
		})
		resp.ErrorCode = "FAKE_AGENT_FAILURE"
		return resp
	}

	result := bus.TaskResult{SessionID: req.Payload.SessionID}
	switch req.TaskType {
	case router.TaskAppointment:
		result.Response = "I found an opening this Thursday at 10:00 with Dr. Sari. Would you like me to book it?"
		result.SuggestedActions = []string{"confirm_appointment", "request_other_slot"}
	case router.TaskInfoDissemination:
		result.Response = "Take your prescribed medication with meals, keep the wound dry, and come back for a follow-up in two weeks."
		result.SuggestedActions = []string{"acknowledge_instructions"}
	default:
		result.Response = fmt.Sprintf("Here is what I found about %q: our front desk is open 24/7 and visiting hours run 08:00-20:00 daily.", req.Payload.Message)
	}

	return bus.NewTaskResponse(req.CorrelationID, bus.StatusSuccess, result)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
