package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/talus-io/talus/pkg/log"
)

// JetStreamBus is a Bus backed by NATS JetStream. Queues map to JetStream
// streams with a work-queue retention policy; exchanges map to plain
// subjects that bound queues subscribe to. The connection reconnects
// transparently, replaying every declaration, binding, and consume
// subscription cached since the last successful connect.
type JetStreamBus struct {
	url string

	mu         sync.Mutex
	nc         *nats.Conn
	js         nats.JetStreamContext
	exchanges  map[string]ExchangeType
	queues     map[string]QueueOptions
	bindings   map[string][]string // exchange -> bound queues
	consumers  map[string]Handler  // queue -> handler, replayed on reconnect
	subs       map[string]*nats.Subscription
}

// NewJetStreamBus connects to the given NATS URL and returns a ready Bus.
func NewJetStreamBus(url string) (*JetStreamBus, error) {
	b := &JetStreamBus{
		url:       url,
		exchanges: make(map[string]ExchangeType),
		queues:    make(map[string]QueueOptions),
		bindings:  make(map[string][]string),
		consumers: make(map[string]Handler),
		subs:      make(map[string]*nats.Subscription),
	}

	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *JetStreamBus) connect() error {
	nc, err := nats.Connect(b.url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Errorf("bus disconnected: %w", err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info("bus reconnected, replaying declarations")
			if err := b.replay(); err != nil {
				log.Errorf("bus replay after reconnect failed: %w", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("acquire jetstream context: %w", err)
	}

	b.mu.Lock()
	b.nc = nc
	b.js = js
	b.mu.Unlock()
	return nil
}

// replay re-applies every cached declaration, binding, and consumer after a
// reconnect, since JetStream state is server-side and survives a client
// disconnect but a brand-new broker would not carry it.
func (b *JetStreamBus) replay() error {
	b.mu.Lock()
	exchanges := make(map[string]ExchangeType, len(b.exchanges))
	for k, v := range b.exchanges {
		exchanges[k] = v
	}
	queues := make(map[string]QueueOptions, len(b.queues))
	for k, v := range b.queues {
		queues[k] = v
	}
	bindings := make(map[string][]string, len(b.bindings))
	for k, v := range b.bindings {
		bindings[k] = append([]string(nil), v...)
	}
	consumers := make(map[string]Handler, len(b.consumers))
	for k, v := range b.consumers {
		consumers[k] = v
	}
	b.mu.Unlock()

	ctx := context.Background()
	for name, kind := range exchanges {
		if err := b.DeclareExchange(ctx, name, kind); err != nil {
			return err
		}
	}
	for name, opts := range queues {
		if err := b.DeclareQueue(ctx, name, opts); err != nil {
			return err
		}
	}
	for exchange, queues := range bindings {
		for _, queue := range queues {
			if err := b.BindQueue(ctx, exchange, queue); err != nil {
				return err
			}
		}
	}
	for queue, handler := range consumers {
		if err := b.Consume(ctx, queue, handler); err != nil {
			return err
		}
	}
	return nil
}

func queueSubject(name string) string { return "queue." + name }
func exchangeSubject(name string) string { return "exchange." + name }

// DeclareExchange registers name as a routable subject. Exchanges are not
// backed by a JetStream stream themselves: they are the subject that bound
// queues' streams subscribe to.
func (b *JetStreamBus) DeclareExchange(_ context.Context, name string, kind ExchangeType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
	return nil
}

// DeclareQueue creates (or updates) the JetStream stream backing queue
// name. Durable queues use file storage and survive a broker restart;
// non-durable queues use memory storage.
func (b *JetStreamBus) DeclareQueue(_ context.Context, name string, opts QueueOptions) error {
	b.mu.Lock()
	b.queues[name] = opts
	js := b.js
	b.mu.Unlock()

	storage := nats.MemoryStorage
	if opts.Durable {
		storage = nats.FileStorage
	}

	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  []string{queueSubject(name)},
		Storage:   storage,
		Retention: nats.WorkQueuePolicy,
	}

	_, err := js.AddStream(cfg)
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err == nats.ErrStreamNameAlreadyInUse {
		if _, err := js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("update queue %s: %w", name, err)
		}
	}
	return nil
}

// BindQueue adds exchange's broadcast subject to queue's stream, so every
// message published to the exchange is also delivered to queue.
func (b *JetStreamBus) BindQueue(_ context.Context, exchange, queue string) error {
	b.mu.Lock()
	b.bindings[exchange] = appendUnique(b.bindings[exchange], queue)
	js := b.js
	opts := b.queues[queue]
	b.mu.Unlock()

	storage := nats.MemoryStorage
	if opts.Durable {
		storage = nats.FileStorage
	}

	cfg := &nats.StreamConfig{
		Name:      queue,
		Subjects:  []string{queueSubject(queue), exchangeSubject(exchange)},
		Storage:   storage,
		Retention: nats.WorkQueuePolicy,
	}
	if _, err := js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("bind queue %s to exchange %s: %w", queue, exchange, err)
	}
	return nil
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

// Publish sends body to target, which may be a declared queue or exchange.
func (b *JetStreamBus) Publish(ctx context.Context, target string, body []byte, routingKey string) error {
	b.mu.Lock()
	js := b.js
	_, isExchange := b.exchanges[target]
	b.mu.Unlock()

	subject := queueSubject(target)
	if isExchange {
		subject = exchangeSubject(target)
	}
	if routingKey != "" {
		subject = subject + "." + routingKey
	}

	_, err := js.Publish(subject, body, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", target, err)
	}
	return nil
}

// Consume spawns a durable queue-group subscriber that invokes handler per
// message with manual ack. Calling Consume again for a queue already being
// consumed replaces the previous subscription (used on reconnect replay).
func (b *JetStreamBus) Consume(_ context.Context, queue string, handler Handler) error {
	b.mu.Lock()
	js := b.js
	if old, ok := b.subs[queue]; ok {
		_ = old.Unsubscribe()
	}
	b.consumers[queue] = handler
	b.mu.Unlock()

	sub, err := js.QueueSubscribe(queueSubject(queue), queue+"-workers", func(msg *nats.Msg) {
		handler(Delivery{
			Body:       msg.Data,
			RoutingKey: msg.Subject,
			ack:        msg.Ack,
		})
	}, nats.ManualAck(), nats.Durable(queue+"-consumer"))
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", queue, err)
	}

	b.mu.Lock()
	b.subs[queue] = sub
	b.mu.Unlock()
	return nil
}

// Depth returns the number of ready (unconsumed, un-acked) messages on
// queue, polled by the controller's drip-feed admission loop.
func (b *JetStreamBus) Depth(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	js := b.js
	b.mu.Unlock()

	info, err := js.StreamInfo(queue)
	if err != nil {
		return 0, fmt.Errorf("depth of %s: %w", queue, err)
	}
	return int(info.State.Msgs), nil
}

// Stop unsubscribes every consumer and closes the underlying connection.
func (b *JetStreamBus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}
