package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/pixelpets/gasless/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
)

const EventBundleStatus = "bundle_status"

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	Account string
	Events  chan Event
	Done    chan struct{}
}

// Broker fans bundle events out to local SSE clients. Publishing goes through
// redis so a status change seen by any process reaches every subscriber.
type Broker struct {
	redis  *redisclient.Client
	subs   map[string]*subscription
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// subscription is one redis channel shared by the local clients of an account.
// It is torn down when its last client leaves.
type subscription struct {
	clients map[*Client]bool
	ready   chan struct{}
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		subs:   make(map[string]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe returns once the redis subscription for account is confirmed, so
// events published afterwards reach the client.
func (b *Broker) Subscribe(account string) *Client {
	client := &Client{
		Account: account,
		Events:  make(chan Event, 100),
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	sub := b.subs[account]
	if sub == nil {
		ctx, cancel := context.WithCancel(b.ctx)
		sub = &subscription{
			clients: make(map[*Client]bool),
			ready:   make(chan struct{}),
			cancel:  cancel,
		}
		b.subs[account] = sub
		b.wg.Add(1)
		go b.subscribeToRedis(ctx, account, sub)
	}
	sub.clients[client] = true
	clientCount := len(sub.clients)
	b.mu.Unlock()

	<-sub.ready

	log.Info().
		Str("account", account).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[client.Account]
	if !ok {
		return
	}
	if _, present := sub.clients[client]; !present {
		return
	}
	delete(sub.clients, client)
	close(client.Done)

	if len(sub.clients) == 0 {
		delete(b.subs, client.Account)
		sub.cancel()
	}

	log.Info().
		Str("account", client.Account).
		Int("clientCount", len(sub.clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, account string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.BundleEventsChannel(account)
	return b.redis.Publish(ctx, channel, data).Err()
}

// PublishJSON marshals payload as the event data.
func (b *Broker) PublishJSON(ctx context.Context, account, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.Publish(ctx, account, Event{Type: eventType, Data: data})
}

func (b *Broker) subscribeToRedis(ctx context.Context, account string, sub *subscription) {
	defer b.wg.Done()

	channel := redisclient.BundleEventsChannel(account)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so events published right
	// after Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("channel", channel).Msg("redis pubsub subscribe failed")
	}
	close(sub.ready)

	log.Debug().
		Str("account", account).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("channel", channel).Msg("redis pubsub closed")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(sub, event)
		}
	}
}

// broadcast delivers to the clients of sub only. A subscription being torn down
// has no clients left, so it cannot duplicate events of its replacement.
func (b *Broker) broadcast(sub *subscription, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range sub.clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("account", client.Account).
				Msg("client event buffer full, dropping event")
		}
	}
}

// Close ends every subscription and waits for the redis readers to exit.
func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	for _, sub := range b.subs {
		for client := range sub.clients {
			close(client.Done)
		}
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Broker) ClientCount(account string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[account]; ok {
		return len(sub.clients)
	}
	return 0
}
