package server

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/dicechat/internal/chat"
)

const channelSubscriptionRetryDelay = time.Second

// channelSubscriptionWorker keeps one broker subscription per channel with
// local listeners, restarting it when the broker stream breaks.
type channelSubscriptionWorker struct {
	ctx    context.Context
	broker Broker

	mu          sync.Mutex
	subscribers map[string]*channelSubscription
	wg          sync.WaitGroup
}

type channelSubscription struct {
	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
}

func (s *channelSubscription) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func startChannelSubscriptionWorker(broker Broker) (*channelSubscriptionWorker, context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	worker := &channelSubscriptionWorker{
		ctx:         ctx,
		broker:      broker,
		subscribers: make(map[string]*channelSubscription),
	}
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		worker.mu.Lock()
		for _, sub := range worker.subscribers {
			sub.cancel()
		}
		worker.mu.Unlock()
		worker.wg.Wait()
		close(done)
	}()
	return worker, cancel, done
}

// ensure subscribes the channel once and waits until the broker confirmed
// the subscription, so events published after ensure returns are delivered.
func (w *channelSubscriptionWorker) ensure(ctx context.Context, channelID string, deliver func(chat.Envelope)) error {
	if w == nil {
		return nil
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil
	}

	w.mu.Lock()
	sub, exists := w.subscribers[channelID]
	if !exists {
		subCtx, subCancel := context.WithCancel(w.ctx)
		sub = &channelSubscription{cancel: subCancel, ready: make(chan struct{})}
		w.subscribers[channelID] = sub
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			consumeChannelEvents(subCtx, w.broker, channelID, sub.markReady, deliver)
		}()
	}
	w.mu.Unlock()

	select {
	case <-sub.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *channelSubscriptionWorker) release(channelID string) {
	if w == nil {
		return
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return
	}

	w.mu.Lock()
	sub, exists := w.subscribers[channelID]
	if exists {
		delete(w.subscribers, channelID)
	}
	w.mu.Unlock()
	if exists {
		sub.cancel()
	}
}

func (w *channelSubscriptionWorker) active(channelID string) bool {
	w.mu.Lock()
	_, ok := w.subscribers[channelID]
	w.mu.Unlock()
	return ok
}

func consumeChannelEvents(ctx context.Context, broker Broker, channelID string, ready func(), deliver func(chat.Envelope)) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := broker.Consume(ctx, channelID, ready, deliver)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("chat: channel subscription failed channel=%q err=%v", channelID, err)
		}
		if !waitChannelSubscriptionRetry(ctx, channelSubscriptionRetryDelay) {
			return
		}
	}
}

func waitChannelSubscriptionRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
