package application

import (
	"sync"
	"sync/atomic"

	"fleet-link/internal/observability/metrics"
	status "fleet-link/internal/status/domain"
)

// Subscription is an ordered feed of status snapshots. A subscriber that
// falls behind loses its oldest queued snapshots, never the newest, so the
// reporting path never blocks.
type Subscription struct {
	C <-chan status.State

	ch          chan status.State
	coordinator *Coordinator
	id          uint64
	once        sync.Once
	closed      atomic.Bool
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.coordinator.mu.Lock()
		delete(s.coordinator.subscribers, s.id)
		close(s.ch)
		s.coordinator.mu.Unlock()
		metrics.AddStatusSubscribers(-1)
	})
}

// SubscribeChan registers a channel subscriber. The current snapshot is the
// first value on C.
func (c *Coordinator) SubscribeChan() *Subscription {
	sub, _ := c.register(true)
	return sub
}

// Subscribe invokes callback with the current snapshot before returning, then
// with every later change in the order applied. Callbacks run on one
// goroutine per subscriber. The returned func unsubscribes; snapshots still
// queued at that point are discarded and no callback starts afterwards.
func (c *Coordinator) Subscribe(callback func(status.State)) func() {
	sub, initial := c.register(false)
	callback(initial)
	go func() {
		for state := range sub.C {
			if sub.closed.Load() {
				return
			}
			callback(state)
		}
	}()
	return sub.Close
}

func (c *Coordinator) register(queueInitial bool) (*Subscription, status.State) {
	ch := make(chan status.State, c.buffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	sub := &Subscription{C: ch, ch: ch, coordinator: c, id: c.nextID}
	c.subscribers[sub.id] = sub
	snapshot := c.state.Clone()
	if queueInitial {
		ch <- snapshot
	}
	metrics.AddStatusSubscribers(1)
	return sub, snapshot
}

// publishLocked bumps the version and fans the new state out. Callers hold c.mu,
// which serialises sends so every subscriber sees changes in order.
func (c *Coordinator) publishLocked() {
	c.state.Version++
	for _, sub := range c.subscribers {
		snapshot := c.state.Clone()
		select {
		case sub.ch <- snapshot:
			continue
		default:
		}
		select {
		case <-sub.ch:
			metrics.IncStatusDropped()
		default:
		}
		select {
		case sub.ch <- snapshot:
		default:
			metrics.IncStatusDropped()
		}
	}
}
