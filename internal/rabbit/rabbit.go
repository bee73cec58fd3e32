// Package rabbit owns the RabbitMQ connection and channel lifecycle. The
// connection is established lazily on first use, guarded by a mutex so
// concurrent callers never dial twice, and both durable queues are declared
// idempotently on every (re)connect.
package rabbit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// QueuePayments is the primary durable queue carrying payment notifications.
	QueuePayments = "pix_payments"
	// QueuePaymentsFailed is the durable dead-letter queue.
	QueuePaymentsFailed = "pix_payments_failed"
)

// TransportError wraps connect, declare, publish and consume failures so
// callers can distinguish transport faults from processing faults.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("rabbit: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// connection is the slice of *amqp.Connection the client manages. The seam
// lets tests drive the reconnect branches without a broker.
type connection interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
	Close() error
}

type Client struct {
	url      string
	prefetch int
	logger   *slog.Logger
	dial     func(url string) (connection, error)

	mu   sync.Mutex
	conn connection
	ch   *amqp.Channel
}

func NewClient(url string, prefetch int, logger *slog.Logger) *Client {
	return &Client{
		url:      url,
		prefetch: prefetch,
		logger:   logger,
		dial:     defaultDial,
	}
}

func defaultDial(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect eagerly establishes the connection and declares the queues. It is
// optional: publish and consume paths reconnect lazily on demand. Startup
// code calls it so a dead broker fails fast instead of on first message.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.channel(ctx)
	return err
}

// channel returns a live channel, dialing and declaring queues when needed.
// The mutex makes concurrent reconnect attempts collapse into one.
func (c *Client) channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.ch != nil && !c.ch.IsClosed() && c.conn != nil && !c.conn.IsClosed() {
		return c.ch, nil
	}

	// A dead channel does not invalidate the connection: channel-level AMQP
	// errors close only the channel. Reuse a live connection and dial only
	// when the connection itself is gone, releasing the stale one first.
	if c.conn == nil || c.conn.IsClosed() {
		if c.conn != nil {
			c.conn.Close()
		}
		conn, err := c.dial(c.url)
		if err != nil {
			c.conn = nil
			return nil, &TransportError{Op: "dial", Err: err}
		}
		c.conn = conn
		c.logger.InfoContext(ctx, "Connected to RabbitMQ", "url", amqpSafeURL(c.url))
	}

	ch, err := c.conn.Channel()
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, &TransportError{Op: "open channel", Err: err}
	}

	for _, queue := range []string{QueuePayments, QueuePaymentsFailed} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			c.conn.Close()
			c.conn = nil
			return nil, &TransportError{Op: fmt.Sprintf("declare queue %s", queue), Err: err}
		}
	}

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			ch.Close()
			c.conn.Close()
			c.conn = nil
			return nil, &TransportError{Op: "set qos", Err: err}
		}
	}

	c.ch = ch

	return c.ch, nil
}

// Publish writes one message to the given queue via the default exchange,
// reconnecting first when no live channel exists. Delivery errors propagate
// to the caller; there is no internal retry.
func (c *Client) Publish(ctx context.Context, queue string, publishing amqp.Publishing) error {
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return &TransportError{Op: fmt.Sprintf("publish to %s", queue), Err: err}
	}
	return nil
}

// Consume subscribes to the given queue with manual acknowledgements. Each
// delivery must be acked or nacked by the consumer.
func (c *Client) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	ch, err := c.channel(ctx)
	if err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, &TransportError{Op: fmt.Sprintf("consume from %s", queue), Err: err}
	}
	return deliveries, nil
}

// Close releases the channel, then the connection. Each step's failure is
// collected and returned for the caller to log; teardown never aborts early.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.ch != nil && !c.ch.IsClosed() {
		if err := c.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
	}
	c.ch = nil

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}
	c.conn = nil

	return errors.Join(errs...)
}

// amqpSafeURL strips credentials before the URL lands in a log line.
func amqpSafeURL(url string) string {
	if u, err := amqp.ParseURI(url); err == nil {
		u.Password = ""
		u.Username = ""
		return u.String()
	}
	return "<invalid amqp url>"
}
