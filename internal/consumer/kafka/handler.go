// Package kafka feeds order events from a Kafka consumer group through the
// dedup consumer. Offsets are marked only after a message was handled, so a
// failure or a restart redelivers it.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/tumbleweedd/order_outbox/internal/consumer/dedup"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	"github.com/tumbleweedd/order_outbox/pkg/brokers"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

type messageHandler interface {
	Handle(ctx context.Context, msg dedup.Message) (duplicate bool, err error)
}

type GroupHandler struct {
	log     *slog.Logger
	handler messageHandler
}

var _ sarama.ConsumerGroupHandler = (*GroupHandler)(nil)

func NewGroupHandler(log *slog.Logger, handler messageHandler) *GroupHandler {
	return &GroupHandler{
		log:     log,
		handler: handler,
	}
}

func (h *GroupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (h *GroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim stops at the first handling error without marking the
// message; the group rebalances and the message is consumed again.
func (h *GroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	const op = "consumer.kafka.ConsumeClaim"

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			duplicate, err := h.handler.Handle(session.Context(), ToMessage(msg))
			if err != nil {
				h.log.Error(op, logger.Err(err),
					slog.String("topic", msg.Topic),
					slog.Int("partition", int(msg.Partition)),
					slog.Int64("offset", msg.Offset),
				)
				return fmt.Errorf("%s: %w", op, err)
			}

			if duplicate {
				h.log.Info("duplicate event dropped", slog.Int64("offset", msg.Offset))
			}

			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// ToMessage reads the event type and idempotency key from the record
// headers. The record key carries the idempotency key too and is used when
// the header is missing.
func ToMessage(msg *sarama.ConsumerMessage) dedup.Message {
	out := dedup.Message{Payload: msg.Value}

	for _, header := range msg.Headers {
		if header == nil {
			continue
		}

		switch string(header.Key) {
		case brokers.HeaderEventType:
			out.EventType = string(header.Value)
		case brokers.HeaderIdempotencyKey:
			out.IdempotencyKey = string(header.Value)
		}
	}

	if out.IdempotencyKey == "" {
		out.IdempotencyKey = string(msg.Key)
	}

	return out
}

// Run consumes topics until ctx is cancelled. Consume returns on every
// rebalance, so it is called in a loop.
func Run(ctx context.Context, log *slog.Logger, group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler) error {
	const op = "consumer.kafka.Run"

	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Warn(op, logger.Err(err))
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// LogOrderCreated is the sample downstream handler: it decodes the
// order.created body and logs it.
func LogOrderCreated(log *slog.Logger) dedup.Handler {
	return func(ctx context.Context, msg dedup.Message) error {
		if msg.EventType != string(models.OrderCreated) {
			log.DebugContext(ctx, "skipping event", slog.String("event_type", msg.EventType))
			return nil
		}

		var payload models.OrderCreatedPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", msg.EventType, err)
		}

		log.InfoContext(ctx, "order created",
			slog.String("order_id", payload.OrderID.String()),
			slog.String("customer_id", payload.CustomerID),
			slog.String("amount", payload.Amount.String()),
			slog.String("event_id", msg.IdempotencyKey),
		)

		return nil
	}
}
