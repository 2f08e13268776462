package application

import (
	"sync"
	"time"
)

// Ticker delivers run signals until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Scheduler creates the single recurring timer that drives polling.
type Scheduler interface {
	// Every fires once after initialDelay and then every interval.
	Every(initialDelay, interval time.Duration) Ticker
}

// SystemScheduler uses wall-clock timers.
type SystemScheduler struct{}

// Every implements Scheduler.
func (SystemScheduler) Every(initialDelay, interval time.Duration) Ticker {
	t := &timeTicker{c: make(chan time.Time, 1), done: make(chan struct{})}
	go t.run(initialDelay, interval)
	return t
}

type timeTicker struct {
	c    chan time.Time
	done chan struct{}
	once sync.Once
}

func (t *timeTicker) C() <-chan time.Time { return t.c }

func (t *timeTicker) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *timeTicker) run(initialDelay, interval time.Duration) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	select {
	case <-t.done:
		return
	case now := <-timer.C:
		t.deliver(now)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.deliver(now)
		}
	}
}

// deliver drops the tick when the previous one is still queued.
func (t *timeTicker) deliver(now time.Time) {
	select {
	case t.c <- now:
	default:
	}
}
