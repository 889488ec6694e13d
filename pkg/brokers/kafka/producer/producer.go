package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/tumbleweedd/order_outbox/pkg/brokers"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
	"go.opentelemetry.io/otel"
)

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	RetryMax int
	Timeout  time.Duration
}

// Producer publishes outbox events to a single topic and waits for the
// in-sync replicas to acknowledge each message.
type Producer struct {
	log   *slog.Logger
	topic string

	// the relay needs the broker ack before marking a row published, so the
	// producer is synchronous
	producer sarama.SyncProducer
}

var _ brokers.Publisher = (*Producer)(nil)

func NewSaramaConfig(cfg Config) *sarama.Config {
	producerConfig := sarama.NewConfig()
	producerConfig.ClientID = cfg.ClientID
	producerConfig.Version = sarama.V2_8_0_0
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Compression = sarama.CompressionNone
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Return.Errors = true

	if cfg.RetryMax > 0 {
		producerConfig.Producer.Retry.Max = cfg.RetryMax
	}

	if cfg.Timeout > 0 {
		producerConfig.Producer.Timeout = cfg.Timeout
	}

	return producerConfig
}

func NewProducer(log *slog.Logger, cfg Config) (*Producer, error) {
	const op = "brokers.kafka.producer.NewProducer"

	if cfg.ClientID == "" {
		cfg.ClientID = "order-outbox"
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, brokers.ErrTransport, err)
	}

	return New(log, producer, cfg.Topic), nil
}

// New wraps an existing SyncProducer.
func New(log *slog.Logger, producer sarama.SyncProducer, topic string) *Producer {
	return &Producer{
		log:      log,
		topic:    topic,
		producer: producer,
	}
}

type sendResult struct {
	partition int32
	offset    int64
	err       error
}

func (p *Producer) Publish(ctx context.Context, eventType string, payload []byte, idempotencyKey string) error {
	const op = "brokers.kafka.producer.Publish"

	headers := []sarama.RecordHeader{
		{Key: []byte(brokers.HeaderEventType), Value: []byte(eventType)},
		{Key: []byte(brokers.HeaderIdempotencyKey), Value: []byte(idempotencyKey)},
	}

	carrier := headerCarrier{headers: &headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	message := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(idempotencyKey),
		Value:   sarama.ByteEncoder(payload),
		Headers: headers,
	}

	// SendMessage ignores ctx, so the wait is bounded here and the send
	// finishes in the background on timeout
	done := make(chan sendResult, 1)
	go func() {
		partition, offset, err := p.producer.SendMessage(message)
		done <- sendResult{partition: partition, offset: offset, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			p.log.Warn(op, logger.Err(res.err), slog.String("idempotency_key", idempotencyKey))
			return fmt.Errorf("%s: %w", op, classify(res.err))
		}

		p.log.Debug(op,
			slog.String("topic", p.topic),
			slog.Int("partition", int(res.partition)),
			slog.Int64("offset", res.offset),
			slog.String("idempotency_key", idempotencyKey),
		)

		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %w", op, brokers.ErrTransport, ctx.Err())
	}
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

// classify maps broker error codes that will not change on retry to
// ErrRejected. Everything else is a transport problem.
func classify(err error) error {
	var kErr sarama.KError
	if errors.As(err, &kErr) {
		switch kErr {
		case sarama.ErrMessageSizeTooLarge,
			sarama.ErrInvalidMessage,
			sarama.ErrInvalidMessageSize,
			sarama.ErrTopicAuthorizationFailed,
			sarama.ErrClusterAuthorizationFailed:
			return fmt.Errorf("%w: %w", brokers.ErrRejected, err)
		}
	}

	return fmt.Errorf("%w: %w", brokers.ErrTransport, err)
}

// headerCarrier lets the otel propagator write trace context into record
// headers.
type headerCarrier struct {
	headers *[]sarama.RecordHeader
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}

	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if string(h.Key) == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}

	*c.headers = append(*c.headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, string(h.Key))
	}

	return keys
}
