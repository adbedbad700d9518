package rabbitmq

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-binder/contract/errors"
)

// Concrete AMQP connection-backed constructor with auto-reconnect. Consumers
// are bound again after every reconnect.

const exchangeKind = "topic"

type Config struct {
	URL         string
	Exchange    string
	ConnTimeout time.Duration
}

type consumer struct {
	tag        string
	bindingKey string
	fn         func([]byte)
}

type reconnectingConn struct {
	cfg    Config
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	subs   map[string]*consumer
	nextID uint64
	closed chan struct{}
	ready  chan struct{} // closed when a channel is ready
}

func newReconnectingConn(cfg Config) (*reconnectingConn, func()) {
	rc := &reconnectingConn{
		cfg:    cfg,
		subs:   make(map[string]*consumer),
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go rc.run()
	cleanup := func() { rc.close() }
	return rc, cleanup
}

func (rc *reconnectingConn) channel(ctx context.Context) (*amqp.Channel, error) {
	rc.mu.RLock()
	ch, ready := rc.ch, rc.ready
	rc.mu.RUnlock()
	if ch != nil {
		return ch, nil
	}

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rc.mu.RLock()
	ch = rc.ch
	rc.mu.RUnlock()
	if ch == nil {
		return nil, fmt.Errorf("%w: rabbitmq not connected", berr.ErrPublishFailed)
	}
	return ch, nil
}

func (rc *reconnectingConn) Publish(ctx context.Context, m PubMsg) error {
	ch, err := rc.channel(ctx)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Transient,
			Headers:      amqpHeaders(m.Headers),
			ContentType:  "application/json",
			Body:         m.Body,
		},
	)
}

// Consume registers the consumer; it is bound now when connected, and on every
// reconnect.
func (rc *reconnectingConn) Consume(exchange, bindingKey string, fn func([]byte)) (func(), error) {
	rc.mu.Lock()
	rc.nextID++
	c := &consumer{tag: "binder-" + strconv.FormatUint(rc.nextID, 10), bindingKey: bindingKey, fn: fn}
	rc.subs[c.tag] = c
	ch := rc.ch
	rc.mu.Unlock()

	if ch != nil {
		if err := bind(ch, exchange, c); err != nil {
			rc.mu.Lock()
			delete(rc.subs, c.tag)
			rc.mu.Unlock()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rc.mu.Lock()
			delete(rc.subs, c.tag)
			ch := rc.ch
			rc.mu.Unlock()
			if ch != nil {
				_ = ch.Cancel(c.tag, false)
			}
		})
	}, nil
}

// bind declares an exclusive queue for c and pumps its deliveries until the
// channel closes or the consumer is cancelled.
func bind(ch *amqp.Channel, exchange string, c *consumer) error {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, c.bindingKey, exchange, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(q.Name, c.tag, true, true, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for d := range deliveries {
			c.fn(d.Body)
		}
	}()
	return nil
}

func (rc *reconnectingConn) exchange() string {
	if rc.cfg.Exchange == "" {
		return DefaultExchange
	}
	return rc.cfg.Exchange
}

func (rc *reconnectingConn) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(rc.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-binder"},
		Dial:       amqp.DefaultDial(rc.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(rc.exchange(), exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func (rc *reconnectingConn) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		select {
		case <-rc.closed:
			return
		default:
		}

		conn, ch, err := rc.dial()
		if err != nil {
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := min(backoff+jitter/2, maxBackoff)
			t := time.NewTimer(sleep)
			select {
			case <-rc.closed:
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second

		rc.mu.Lock()
		rc.conn = conn
		rc.ch = ch
		subs := make([]*consumer, 0, len(rc.subs))
		for _, c := range rc.subs {
			subs = append(subs, c)
		}
		close(rc.ready)
		rc.mu.Unlock()

		for _, c := range subs {
			_ = bind(ch, rc.exchange(), c) //nolint:errcheck // a failing bind surfaces as a channel close and a new attempt
		}

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rc.closed:
			_ = ch.Close()
			_ = conn.Close()
			return
		case <-notify:
			rc.mu.Lock()
			rc.ch = nil
			rc.conn = nil
			rc.ready = make(chan struct{})
			rc.mu.Unlock()
			_ = ch.Close()
			_ = conn.Close()
		}
	}
}

func (rc *reconnectingConn) close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	select {
	case <-rc.closed:
		return
	default:
		close(rc.closed)
	}
	if rc.ch != nil {
		_ = rc.ch.Close()
		rc.ch = nil
	}
	if rc.conn != nil {
		_ = rc.conn.Close()
		rc.conn = nil
	}
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect, declares the exchange, and
// returns an Adapter able to publish and subscribe, and its cleanup.
func NewWithAMQPConn(cfg Config) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrPublishFailed)
	}
	rc, cleanup := newReconnectingConn(cfg)
	ad := New(rc)
	ad.Consumer = rc
	ad.Exchange = rc.exchange()
	return ad, cleanup, nil
}
