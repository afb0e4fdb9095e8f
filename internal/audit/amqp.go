package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultExchange = "oauth.audit"
	routingPrefix   = "oauth."
	publishTimeout  = 2 * time.Second
	redialInterval  = 5 * time.Second
)

var errNotConnected = errors.New("amqp publisher is not connected")

// Config selects the AMQP broker audit events are published to.
type Config struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a durable topic exchange with routing key
// "oauth.<event>". Publish failures are logged and swallowed. A failed
// publish drops the connection and the next event redials the broker.
type AMQPPublisher struct {
	mu       sync.Mutex
	dial     func() (io.Closer, channel, error)
	conn     io.Closer
	ch       channel
	nextDial time.Time
	exchange string
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg Config, logger *zap.SugaredLogger) (*AMQPPublisher, error) {
	if cfg.AMQPURL == "" {
		return nil, fmt.Errorf("AUDIT_AMQP_URL is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	p := &AMQPPublisher{
		dial:     dialer(cfg.AMQPURL, exchange),
		exchange: exchange,
		logger:   logger.Named("audit.amqp"),
		now:      time.Now,
	}
	conn, ch, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return p, nil
}

func dialer(url, exchange string) func() (io.Closer, channel, error) {
	return func() (io.Closer, channel, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed to open amqp channel: %w", err)
		}
		if err := ch.ExchangeDeclare(
			exchange, // name
			"topic",  // kind
			true,     // durable
			false,    // auto-delete
			false,    // internal
			false,    // no-wait
			nil,      // args
		); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
		return conn, ch, nil
	}
}

// Record publishes the event as JSON.
func (p *AMQPPublisher) Record(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Errorw("failed to encode audit event", "event", string(event.Type), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	// A publish on a connection that died since the last event fails once,
	// then gets one retry on a fresh connection.
	for attempt := 0; attempt < 2; attempt++ {
		if err = p.connect(); err != nil {
			break
		}
		err = p.ch.PublishWithContext(ctx,
			p.exchange,                       // exchange
			routingPrefix+string(event.Type), // routing key
			false,                            // mandatory
			false,                            // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    event.Time,
				Type:         string(event.Type),
				Body:         body,
			},
		)
		if err == nil {
			return
		}
		p.disconnect()
	}
	p.logger.Warnw("failed to publish audit event", "event", string(event.Type), "error", err)
}

// connect redials the broker when the previous connection was dropped.
// Failed dials are not retried for redialInterval. Callers hold p.mu.
func (p *AMQPPublisher) connect() error {
	if p.ch != nil {
		return nil
	}
	if p.dial == nil {
		return errNotConnected
	}
	now := p.clock()
	if now.Before(p.nextDial) {
		return errNotConnected
	}
	conn, ch, err := p.dial()
	if err != nil {
		p.nextDial = now.Add(redialInterval)
		return err
	}
	p.conn, p.ch = conn, ch
	p.logger.Infow("reconnected to amqp broker", "exchange", p.exchange)
	return nil
}

func (p *AMQPPublisher) disconnect() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dial = nil
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
