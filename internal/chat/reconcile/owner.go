package reconcile

import (
	"context"
	"errors"

	"github.com/louisbranch/dicechat/internal/chat"
)

// ErrOwnerStopped indicates the owner is no longer running.
var ErrOwnerStopped = errors.New("reconcile owner stopped")

const defaultQueueSize = 256

// OwnerOptions configures callbacks run on the owner goroutine.
type OwnerOptions struct {
	// OnChange runs after any change to the view.
	OnChange func(*State)
	// OnCursor runs after the cursor advances.
	OnCursor func(chat.EventID)
	// QueueSize bounds pending work; zero uses a default.
	QueueSize int
}

// Owner is the single writer of a State. Network deliveries and request
// completions are queued and applied one at a time on the Run goroutine.
type Owner struct {
	state *State
	opts  OwnerOptions
	queue chan func(*State) bool
	done  chan struct{}
}

// NewOwner wraps state. Call Run to start applying queued work.
func NewOwner(state *State, opts OwnerOptions) *Owner {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Owner{
		state: state,
		opts:  opts,
		queue: make(chan func(*State) bool, size),
		done:  make(chan struct{}),
	}
}

// Run applies queued work until ctx ends.
func (o *Owner) Run(ctx context.Context) error {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case work := <-o.queue:
			cursor := o.state.Cursor()
			changed := work(o.state)
			if next := o.state.Cursor(); next != cursor && o.opts.OnCursor != nil {
				o.opts.OnCursor(next)
			}
			if changed && o.opts.OnChange != nil {
				o.opts.OnChange(o.state)
			}
		}
	}
}

// Apply queues an envelope.
func (o *Owner) Apply(ctx context.Context, e chat.Envelope) error {
	return o.enqueue(ctx, func(s *State) bool { return s.Apply(e) })
}

// LoadHistory queues a history page.
func (o *Owner) LoadHistory(ctx context.Context, messages []chat.Message, complete bool) error {
	return o.enqueue(ctx, func(s *State) bool { return s.LoadHistory(messages, complete) })
}

// Joined queues a channel snapshot.
func (o *Owner) Joined(ctx context.Context, channel chat.Channel, members []chat.Member) error {
	return o.enqueue(ctx, func(s *State) bool { return s.Joined(channel, members) })
}

// Do runs fn on the owner goroutine and waits for it. fn must not retain s.
func (o *Owner) Do(ctx context.Context, fn func(s *State)) error {
	finished := make(chan struct{})
	err := o.enqueue(ctx, func(s *State) bool {
		defer close(finished)
		fn(s)
		return false
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrOwnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cursor reads the current cursor through the queue.
func (o *Owner) Cursor(ctx context.Context) (chat.EventID, error) {
	var cursor chat.EventID
	err := o.Do(ctx, func(s *State) { cursor = s.Cursor() })
	return cursor, err
}

func (o *Owner) enqueue(ctx context.Context, work func(*State) bool) error {
	select {
	case <-o.done:
		return ErrOwnerStopped
	default:
	}
	select {
	case o.queue <- work:
		return nil
	case <-o.done:
		return ErrOwnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
