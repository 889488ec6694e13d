// Package publisher sends outbox events to a RabbitMQ exchange with
// publisher confirms enabled. A call returns only after the broker acked the
// message, nacked it, or the attempt gave up.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tumbleweedd/order_outbox/internal/lib/backoff"
	"github.com/tumbleweedd/order_outbox/pkg/brokers"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a new channel. The closer releases the underlying connection.
type Dialer func() (Channel, io.Closer, error)

type Config struct {
	URL               string
	Exchange          string
	ConfirmTimeout    time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

var (
	errChannelLost   = errors.New("amqp channel lost")
	errPublisherShut = errors.New("publisher is closed")
)

type Publisher struct {
	log     *slog.Logger
	cfg     Config
	dial    Dialer
	backoff backoff.Policy

	// publishes are serialized so each confirm matches the message just sent;
	// a waiter gives up when its own context ends
	sem      *semaphore.Weighted
	ch       Channel
	conn     io.Closer
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	closed   chan *amqp.Error
	shut     bool
}

var _ brokers.Publisher = (*Publisher)(nil)

// AMQPDialer dials url and opens one channel on the connection.
func AMQPDialer(url string) Dialer {
	return func() (Channel, io.Closer, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}

		return ch, conn, nil
	}
}

// Dial connects to the broker before returning so a misconfigured relay
// fails at startup rather than on the first event.
func Dial(ctx context.Context, log *slog.Logger, cfg Config) (*Publisher, error) {
	const op = "brokers.rabbitmq.publisher.Dial"

	p := New(log, cfg, AMQPDialer(cfg.URL))

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, brokers.ErrTransport, err)
	}
	defer p.sem.Release(1)

	if err := p.ensureConnected(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return p, nil
}

func New(log *slog.Logger, cfg Config, dial Dialer) *Publisher {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}

	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 200 * time.Millisecond
	}

	return &Publisher{
		log:     log,
		cfg:     cfg,
		dial:    dial,
		sem:     semaphore.NewWeighted(1),
		backoff: backoff.NewPolicy(cfg.ReconnectBackoff, 10*cfg.ReconnectBackoff),
	}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte, idempotencyKey string) error {
	const op = "brokers.rabbitmq.publisher.Publish"

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s: %w: %w", op, brokers.ErrTransport, err)
	}
	defer p.sem.Release(1)

	// Acquire can succeed on an expired context; the channel is still healthy
	// and must not be torn down for it
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, brokers.ErrTransport, err)
	}

	if p.shut {
		return fmt.Errorf("%s: %w: %w", op, brokers.ErrTransport, errPublisherShut)
	}

	headers := amqp.Table{
		brokers.HeaderEventType:      eventType,
		brokers.HeaderIdempotencyKey: idempotencyKey,
	}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    idempotencyKey,
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	for attempt := 0; ; attempt++ {
		if err := p.ensureConnected(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		err := p.publishOnce(ctx, eventType, msg)
		if err == nil {
			return nil
		}

		if errors.Is(err, errChannelLost) && attempt < p.cfg.ReconnectAttempts {
			p.log.Warn(op, logger.Err(err), slog.Int("attempt", attempt+1))
			continue
		}

		if errors.Is(err, errChannelLost) {
			return fmt.Errorf("%s: %w: %w", op, brokers.ErrTransport, err)
		}

		return fmt.Errorf("%s: %w", op, err)
	}
}

func (p *Publisher) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, true, false, msg); err != nil {
		p.invalidate()
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %w", errChannelLost, err)
		}
		return fmt.Errorf("%w: %w", brokers.ErrTransport, err)
	}

	timer := time.NewTimer(p.cfg.ConfirmTimeout)
	defer timer.Stop()

	var returned *amqp.Return

	for {
		select {
		case r, ok := <-p.returns:
			if !ok {
				p.invalidate()
				return errChannelLost
			}
			// the broker still confirms a returned message; keep waiting for it
			returned = &r
		case c, ok := <-p.confirms:
			if !ok {
				p.invalidate()
				return errChannelLost
			}

			if !c.Ack {
				return fmt.Errorf("%w: nack delivery_tag=%d", brokers.ErrRejected, c.DeliveryTag)
			}

			if returned == nil {
				select {
				case r, ok := <-p.returns:
					if ok {
						returned = &r
					}
				default:
				}
			}

			if returned != nil {
				return fmt.Errorf("%w: returned %d %s", brokers.ErrRejected, returned.ReplyCode, returned.ReplyText)
			}

			return nil
		case amqpErr := <-p.closed:
			p.invalidate()
			if amqpErr != nil {
				return fmt.Errorf("%w: %s", errChannelLost, amqpErr.Reason)
			}
			return errChannelLost
		case <-timer.C:
			// a late confirm would be matched with the next message
			p.invalidate()
			return fmt.Errorf("%w: confirm timeout after %s", brokers.ErrTransport, p.cfg.ConfirmTimeout)
		case <-ctx.Done():
			p.invalidate()
			return fmt.Errorf("%w: %w", brokers.ErrTransport, ctx.Err())
		}
	}
}

// ensureConnected redials with backoff when there is no live channel.
// Caller holds p.sem.
func (p *Publisher) ensureConnected(ctx context.Context) error {
	const op = "brokers.rabbitmq.publisher.ensureConnected"

	if p.ch != nil {
		select {
		case <-p.closed:
			p.invalidate()
		default:
			return nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithContext(ctx, p.backoff.Delay(attempt)); err != nil {
				return fmt.Errorf("%w: %w", brokers.ErrTransport, err)
			}
		}

		if lastErr = p.connect(); lastErr == nil {
			return nil
		}

		p.log.Warn(op, logger.Err(lastErr), slog.Int("attempt", attempt+1))
	}

	return fmt.Errorf("%w: %w", brokers.ErrTransport, lastErr)
}

func (p *Publisher) connect() error {
	ch, conn, err := p.dial()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if err = ch.Confirm(false); err != nil {
		closeQuietly(ch, conn)
		return fmt.Errorf("enable confirms: %w", err)
	}

	if p.cfg.Exchange != "" {
		if err = ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			closeQuietly(ch, conn)
			return fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
		}
	}

	p.ch = ch
	p.conn = conn
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	p.closed = ch.NotifyClose(make(chan *amqp.Error, 1))

	return nil
}

func (p *Publisher) invalidate() {
	if p.ch != nil {
		closeQuietly(p.ch, p.conn)
	}

	p.ch = nil
	p.conn = nil
}

func closeQuietly(ch Channel, conn io.Closer) {
	_ = ch.Close()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close waits for an in-flight publish, which is bounded by ConfirmTimeout.
func (p *Publisher) Close() error {
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.shut = true
	p.invalidate()

	return nil
}

type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c tableCarrier) Set(key, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	return keys
}
