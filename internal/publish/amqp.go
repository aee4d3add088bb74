package publish

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/david/hazard-ingest/internal/ingest"
	"github.com/david/hazard-ingest/internal/models"
)

type AMQPConfig struct {
	URL            string
	Exchange       string // empty means the default exchange
	RoutingKey     string
	Queue          string // declared durable and bound when set
	ConfirmTimeout time.Duration
}

// AMQPPublisher publishes JSON envelopes on a confirm-mode channel. Publish
// returns nil only after the broker acked the message and did not return it.
// A broken connection is dropped and redialed on the next Publish.
type AMQPPublisher struct {
	cfg AMQPConfig

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	returns chan amqp.Return
	closed  bool
}

// NewAMQPPublisher dials the broker once; failure here is a startup error.
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.Queue
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 10 * time.Second
	}

	p := &AMQPPublisher{cfg: cfg}
	if err := p.connect(); err != nil {
		return nil, err
	}
	log.Printf("[AMQP] connected exchange=%q routing_key=%q", cfg.Exchange, cfg.RoutingKey)
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.DialConfig(p.cfg.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": ServiceName},
	})
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ingest.ErrPublishTransport, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: open channel: %v", ingest.ErrPublishTransport, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("%w: confirm mode: %v", ingest.ErrPublishTransport, err)
	}

	if p.cfg.Queue != "" {
		if _, err := ch.QueueDeclare(p.cfg.Queue, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("%w: declare queue %s: %v", ingest.ErrPublishRejected, p.cfg.Queue, err)
		}
		if p.cfg.Exchange != "" {
			if err := ch.QueueBind(p.cfg.Queue, p.cfg.RoutingKey, p.cfg.Exchange, false, nil); err != nil {
				conn.Close()
				return fmt.Errorf("%w: bind queue %s: %v", ingest.ErrPublishRejected, p.cfg.Queue, err)
			}
		}
	}

	p.conn = conn
	p.ch = ch
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	return nil
}

func (p *AMQPPublisher) reset() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.ch = nil
	p.returns = nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, rec models.NormalizedRecord) error {
	env, body, err := encode(rec)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: publisher closed", ingest.ErrPublishTransport)
	}
	if p.ch == nil || p.ch.IsClosed() {
		p.reset()
		if err := p.connect(); err != nil {
			return err
		}
		log.Printf("[AMQP] reconnected")
	}

	msgID := env.MessageID.String()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msgID,
		Timestamp:    env.PublishedAt,
		Type:         "social.post",
		AppId:        ServiceName,
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("%w: publish %s: %v", ingest.ErrPublishTransport, rec.Key(), err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()
	acked, err := dc.WaitContext(confirmCtx)
	if err != nil {
		// A late confirm would be misattributed, so start over on a fresh channel.
		p.reset()
		return fmt.Errorf("%w: waiting for confirm of %s: %v", ingest.ErrPublishTransport, rec.Key(), err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked %s", ingest.ErrPublishRejected, rec.Key())
	}

	if ret, ok := takeReturn(p.returns, msgID); ok {
		return fmt.Errorf("%w: %s returned: %d %s", ingest.ErrPublishRejected, rec.Key(), ret.ReplyCode, ret.ReplyText)
	}
	return nil
}

// takeReturn drains pending returns and reports the one for msgID, if any.
// Returns are dispatched before the matching ack, so a mandatory message that
// could not be routed is already waiting. The channel is closed when the AMQP
// channel shuts down; the ack was already received by then.
func takeReturn(returns <-chan amqp.Return, msgID string) (amqp.Return, bool) {
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				return amqp.Return{}, false
			}
			if ret.MessageId == msgID {
				return ret, true
			}
		default:
			return amqp.Return{}, false
		}
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.conn, p.ch, p.returns = nil, nil, nil
	return errors.Join(errs...)
}
