package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Async decouples a slow observer from the parsing path. Emit waits at most
// timeout for buffer space and drops the event after that.
type Async struct {
	next    Observer
	ch      chan Event
	timeout time.Duration
	logger  *zap.Logger
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewAsync starts a goroutine delivering events to next in order.
func NewAsync(next Observer, buffer int, timeout time.Duration, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{next: next, ch: make(chan Event, buffer), timeout: timeout, logger: logger, done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		a.next.Emit(e)
	}
}

func (a *Async) Emit(e Event) {
	select {
	case a.ch <- e:
		return
	default:
	}
	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case a.ch <- e:
	case <-timer.C:
		n := a.dropped.Add(1)
		a.logger.Warn("observer too slow; event dropped", zap.String("event", string(e.Type)), zap.Int64("dropped", n))
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close flushes buffered events and waits for delivery. Emit must not be
// called after Close.
func (a *Async) Close() error {
	a.once.Do(func() { close(a.ch) })
	<-a.done
	return nil
}
