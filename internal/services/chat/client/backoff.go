package client

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectDelays is the wait before each successive reconnect attempt; the
// last entry repeats.
var reconnectDelays = []time.Duration{
	time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

const reconnectJitter = 0.1

// ReconnectSchedule is a backoff.BackOff that walks a fixed delay table with
// ±10% jitter and never gives up. Reset it whenever the server proves alive.
type ReconnectSchedule struct {
	mu      sync.Mutex
	attempt int
	rand    func() float64
}

var _ backoff.BackOff = (*ReconnectSchedule)(nil)

// NewReconnectSchedule returns a schedule at its first delay.
func NewReconnectSchedule() *ReconnectSchedule {
	return &ReconnectSchedule{rand: rand.Float64}
}

// NextBackOff returns the next jittered delay.
func (s *ReconnectSchedule) NextBackOff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.attempt
	if index >= len(reconnectDelays) {
		index = len(reconnectDelays) - 1
	} else {
		s.attempt++
	}
	base := reconnectDelays[index]
	random := rand.Float64
	if s.rand != nil {
		random = s.rand
	}
	factor := 1 + reconnectJitter*(2*random()-1)
	return time.Duration(float64(base) * factor)
}

// Reset returns the schedule to its first delay.
func (s *ReconnectSchedule) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}
