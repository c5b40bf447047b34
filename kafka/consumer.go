package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"kpiengine/ingestion"
	"kpiengine/models"
)

// Submitter accepts one raw event and reports the outcome.
type Submitter interface {
	Submit(ctx context.Context, raw models.RawEvent) ingestion.Result
}

// Config holds consumer group settings
type Config struct {
	Brokers    []string
	GroupID    string
	Topics     []string
	AutoOffset string // "earliest" or "latest"
}

// Consumer feeds Kafka messages into the ingestion pipeline
type Consumer struct {
	group  sarama.ConsumerGroup
	topics []string
	sink   Submitter
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer group member for the configured topics
func NewConsumer(cfg Config, sink Submitter, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second
	sc.Consumer.Group.Session.Timeout = 30 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	sc.Consumer.MaxProcessingTime = 500 * time.Millisecond
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.AutoOffset == "earliest" {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		topics: cfg.Topics,
		sink:   sink,
		logger: logger,
	}, nil
}

// Start begins consuming messages until ctx is cancelled or Stop is called
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("starting kafka consumer", zap.Strings("topics", c.topics))

	handler := &groupHandler{sink: c.sink, logger: c.logger}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume returns on every rebalance.
			if err := c.group.Consume(ctx, c.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("consumer group error", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.group.Errors():
				if !ok {
					return
				}
				c.logger.Warn("kafka consumer error", zap.Error(err))
			}
		}
	}()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping kafka consumer")
	if c.cancel != nil {
		c.cancel()
	}
	err := c.group.Close()
	c.wg.Wait()
	return err
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	sink   Submitter
	logger *zap.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(session.Context(), msg)
			session.MarkMessage(msg, "")
		}
	}
}

// handle submits one message. Bad messages are logged and skipped so a
// poison record never stalls the partition.
func (h *groupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	fields := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}

	raw, err := decodeMessage(msg.Value)
	if err != nil {
		h.logger.Warn("dropping undecodable message", append(fields, zap.Error(err))...)
		return
	}

	res := h.sink.Submit(ctx, raw)
	switch {
	case res.Duplicate:
		h.logger.Debug("duplicate event", append(fields, zap.String("equipment_id", raw.EquipmentID))...)
	case !res.Accepted():
		h.logger.Warn("event rejected", append(fields,
			zap.String("equipment_id", raw.EquipmentID),
			zap.String("kind", string(raw.Kind)),
			zap.String("reason", string(res.Reason)),
			zap.String("message", res.Message))...)
	}
}

// decodeMessage parses a message value into a RawEvent. Field validation is
// left to the ingestor so Kafka and HTTP rejections share one code path.
func decodeMessage(value []byte) (models.RawEvent, error) {
	var raw models.RawEvent
	if len(bytes.TrimSpace(value)) == 0 {
		return raw, errors.New("empty message")
	}
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return raw, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return raw, nil
}
