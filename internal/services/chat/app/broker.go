package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/redis/go-redis/v9"
)

// Broker fans channel events out to every server node, including the one
// that produced them. Rooms only deliver what they consume from the broker.
type Broker interface {
	Publish(ctx context.Context, event chat.Envelope) error
	// Consume calls ready once subscribed, then deliver for each event of the
	// channel until ctx ends (nil) or the stream breaks (error).
	Consume(ctx context.Context, channelID string, ready func(), deliver func(chat.Envelope)) error
	Close() error
}

var errBrokerClosed = errors.New("broker is closed")

// localBroker delivers synchronously inside one process.
type localBroker struct {
	mu       sync.RWMutex
	closed   bool
	nextID   int
	channels map[string]map[int]func(chat.Envelope)
}

func newLocalBroker() *localBroker {
	return &localBroker{channels: make(map[string]map[int]func(chat.Envelope))}
}

func (b *localBroker) Publish(_ context.Context, event chat.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBrokerClosed
	}
	for _, deliver := range b.channels[event.MailboxID] {
		deliver(event)
	}
	return nil
}

func (b *localBroker) Consume(ctx context.Context, channelID string, ready func(), deliver func(chat.Envelope)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBrokerClosed
	}
	b.nextID++
	id := b.nextID
	if b.channels[channelID] == nil {
		b.channels[channelID] = make(map[int]func(chat.Envelope))
	}
	b.channels[channelID][id] = deliver
	b.mu.Unlock()

	if ready != nil {
		ready()
	}
	<-ctx.Done()

	b.mu.Lock()
	delete(b.channels[channelID], id)
	if len(b.channels[channelID]) == 0 {
		delete(b.channels, channelID)
	}
	b.mu.Unlock()
	return nil
}

func (b *localBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

const redisTopicPrefix = "dicechat:channel:"

func redisTopic(channelID string) string {
	return redisTopicPrefix + channelID
}

// redisBroker relays envelopes through Redis pub/sub so several chat nodes
// can serve the same channel.
type redisBroker struct {
	client *redis.Client
}

func newRedisBroker(ctx context.Context, addr string) (*redisBroker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &redisBroker{client: client}, nil
}

func (b *redisBroker) Publish(ctx context.Context, event chat.Envelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, redisTopic(event.MailboxID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *redisBroker) Consume(ctx context.Context, channelID string, ready func(), deliver func(chat.Envelope)) error {
	pubsub := b.client.Subscribe(ctx, redisTopic(channelID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", channelID, err)
	}
	if ready != nil {
		ready()
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription %s closed", channelID)
			}
			event, err := decodeBrokerEvent(msg.Payload)
			if err != nil {
				// Bodies from newer nodes may be unknown here; skip them.
				continue
			}
			deliver(event)
		}
	}
}

func (b *redisBroker) Close() error {
	return b.client.Close()
}

func decodeBrokerEvent(payload string) (chat.Envelope, error) {
	var event chat.Envelope
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return chat.Envelope{}, err
	}
	return event, nil
}
