// Package probe runs the round-trip check: one message goes out through the
// producer and the consumer must observe it before the timeout.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"embeddedtest/broker"
	"embeddedtest/config"
	"embeddedtest/kafka"
	"embeddedtest/latch"
	"embeddedtest/logger"
	"embeddedtest/metrics"
)

var (
	ErrTimeout         = errors.New("probe message was not consumed before the timeout")
	ErrPayloadMismatch = errors.New("consumed payload does not contain the probe message")
)

type Result struct {
	Consumed bool
	Payload  string
	Elapsed  time.Duration
}

// Harness owns the pieces of one probe run. Start brings them up, Send and
// Await drive the check, Close tears everything down again.
type Harness struct {
	cfg      config.Config
	broker   *broker.Broker
	producer *kafka.Producer
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan error
}

// Start launches the embedded broker when cfg asks for one, makes sure the
// topic exists and starts consuming it.
func Start(ctx context.Context, cfg config.Config) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := &Harness{cfg: cfg}
	if cfg.EmbeddedBroker {
		h.broker = broker.New(broker.Config{
			Addr:              cfg.KafkaBroker,
			Topics:            []string{cfg.Topic},
			DefaultPartitions: cfg.Partitions,
			AutoCreateTopics:  true,
		})
		if err := h.broker.Start(ctx); err != nil {
			return nil, fmt.Errorf("start embedded broker: %w", err)
		}
		h.cfg.KafkaBroker = h.broker.Addr()
	} else if err := kafka.EnsureTopic(ctx, cfg); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.consumer = kafka.NewConsumer(h.cfg, latch.New(1))
	h.producer = kafka.NewProducer(h.cfg)
	h.done = make(chan error, 1)
	go func() { h.done <- h.consumer.Run(runCtx) }()

	logger.Info("probe harness started",
		logger.FieldKV("broker", h.cfg.KafkaBroker),
		logger.FieldKV("topic", h.cfg.Topic),
		logger.FieldKV("embedded", cfg.EmbeddedBroker))
	return h, nil
}

// Config is the effective configuration, with the embedded broker's
// address filled in.
func (h *Harness) Config() config.Config { return h.cfg }

func (h *Harness) Consumer() *kafka.Consumer { return h.consumer }

// Send publishes payload to the configured topic.
func (h *Harness) Send(ctx context.Context, payload string) error {
	return h.producer.Send(ctx, h.cfg.Topic, payload)
}

// Await waits for the delivery signal and checks the stored payload.
func (h *Harness) Await(timeout time.Duration, payload string) (Result, error) {
	start := time.Now()
	consumed := h.consumer.Latch().Await(timeout)
	res := Result{Consumed: consumed, Payload: h.consumer.Payload(), Elapsed: time.Since(start)}
	if !consumed {
		return res, ErrTimeout
	}
	if !strings.Contains(res.Payload, payload) {
		return res, fmt.Errorf("%w: got %q", ErrPayloadMismatch, res.Payload)
	}
	return res, nil
}

func (h *Harness) Close() error {
	var errs []error
	if h.producer != nil {
		errs = append(errs, h.producer.Close())
	}
	if h.cancel != nil {
		h.cancel()
	}
	if h.consumer != nil {
		errs = append(errs, h.consumer.Close())
		if err := <-h.done; err != nil {
			logger.Warn("consumer stopped with error", logger.FieldKV("error", err.Error()))
		}
	}
	if h.broker != nil {
		errs = append(errs, h.broker.Close())
	}
	return errors.Join(errs...)
}

// Run performs one complete probe: start, send payload, await, close.
func Run(ctx context.Context, cfg config.Config, payload string) (Result, error) {
	h, err := Start(ctx, cfg)
	if err != nil {
		metrics.RecordProbe("error", 0)
		return Result{}, err
	}
	defer h.Close()

	sendStart := time.Now()
	if err := h.Send(ctx, payload); err != nil {
		metrics.RecordProbe("error", 0)
		return Result{}, fmt.Errorf("send probe message: %w", err)
	}

	res, err := h.Await(cfg.ProbeTimeout, payload)
	res.Elapsed = time.Since(sendStart)
	switch {
	case errors.Is(err, ErrTimeout):
		metrics.RecordProbe("timeout", res.Elapsed)
		logger.Error("probe timed out", err, logger.FieldKV("timeout", cfg.ProbeTimeout.String()))
	case err != nil:
		metrics.RecordProbe("mismatch", res.Elapsed)
		logger.Error("probe payload mismatch", err)
	default:
		metrics.RecordProbe("ok", res.Elapsed)
		logger.Info("probe message consumed",
			logger.FieldKV("elapsed_ms", res.Elapsed.Milliseconds()),
			logger.FieldKV("payload", res.Payload))
	}
	return res, err
}
