package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/model"
	redisclient "github.com/openclaw/kiosk-pairing-go/internal/redis"
)

// Bus is what the HTTP layer needs from an event bus.
type Bus interface {
	Publish(ctx context.Context, event model.PairingEvent) error
	Subscribe(ctx context.Context, tenantID string) (*Client, error)
	Unsubscribe(client *Client)
}

// Broker carries pairing events between replicas over Redis pub/sub. Each
// replica holds one Redis subscription per tenant with local subscribers
// and fans messages out through its Hub.
type Broker struct {
	redis  *redisclient.Client
	hub    *Hub
	subs   map[string]*tenantSub
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// tenantSub is one tenant's Redis subscription. ready closes once Redis has
// confirmed it or err is set.
type tenantSub struct {
	ready  chan struct{}
	err    error
	cancel context.CancelFunc
}

var _ Bus = (*Broker)(nil)

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		hub:    NewHub(),
		subs:   make(map[string]*tenantSub),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish sends event on the tenant's kiosks channel. Delivery to local
// subscribers happens when the message comes back from Redis.
func (b *Broker) Publish(ctx context.Context, event model.PairingEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.TopicChannel(redisclient.KiosksTopic, event.TenantID)
	return b.redis.Publish(ctx, channel, data).Err()
}

// Subscribe registers a local subscriber and waits until Redis confirms the
// tenant's channel subscription, so any event published after Subscribe
// returns reaches it. Only the tenant's first subscriber talks to Redis, and
// it does so outside the broker lock.
func (b *Broker) Subscribe(ctx context.Context, tenantID string) (*Client, error) {
	b.mu.Lock()
	client, _ := b.hub.Add(tenantID)
	sub, ok := b.subs[tenantID]
	var subCtx context.Context
	if !ok {
		sub = &tenantSub{ready: make(chan struct{})}
		subCtx, sub.cancel = context.WithCancel(b.ctx)
		b.subs[tenantID] = sub
	}
	b.mu.Unlock()

	if !ok {
		b.open(ctx, subCtx, tenantID, sub)
	}

	select {
	case <-sub.ready:
	case <-ctx.Done():
		b.Unsubscribe(client)
		return nil, ctx.Err()
	}
	if sub.err != nil {
		b.Unsubscribe(client)
		return nil, sub.err
	}
	return client, nil
}

func (b *Broker) open(ctx, subCtx context.Context, tenantID string, sub *tenantSub) {
	defer close(sub.ready)

	channel := redisclient.TopicChannel(redisclient.KiosksTopic, tenantID)
	pubsub := b.redis.Subscribe(subCtx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		sub.err = fmt.Errorf("subscribe %s: %w", channel, err)
		sub.cancel()
		pubsub.Close()

		b.mu.Lock()
		if b.subs[tenantID] == sub {
			delete(b.subs, tenantID)
		}
		b.mu.Unlock()
		return
	}

	go b.relay(subCtx, tenantID, pubsub.Channel(), pubsub.Close)

	log.Debug().
		Str("tenantId", tenantID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hub.Remove(client) {
		if sub, ok := b.subs[client.TenantID]; ok {
			sub.cancel()
			delete(b.subs, client.TenantID)
		}
	}
}

func (b *Broker) relay(ctx context.Context, tenantID string, ch <-chan *goredis.Message, closeFn func() error) {
	defer closeFn()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event model.PairingEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to unmarshal pairing event")
				continue
			}
			b.hub.Broadcast(event)
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = make(map[string]*tenantSub)
	b.hub.CloseAll()
}

func (b *Broker) ClientCount(tenantID string) int {
	return b.hub.ClientCount(tenantID)
}

func (b *Broker) TotalClients() int {
	return b.hub.TotalClients()
}

// LocalBus is a single-process Bus that delivers straight to its Hub.
type LocalBus struct {
	hub *Hub
}

var _ Bus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{hub: NewHub()}
}

func (l *LocalBus) Publish(_ context.Context, event model.PairingEvent) error {
	l.hub.Broadcast(event)
	return nil
}

func (l *LocalBus) Subscribe(_ context.Context, tenantID string) (*Client, error) {
	client, _ := l.hub.Add(tenantID)
	return client, nil
}

func (l *LocalBus) Unsubscribe(client *Client) {
	l.hub.Remove(client)
}

func (l *LocalBus) TotalClients() int {
	return l.hub.TotalClients()
}
