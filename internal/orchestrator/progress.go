package orchestrator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"autoqual/internal/models"
	"autoqual/internal/stage"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one progress update from a worker. Transient, never persisted.
type Event struct {
	Email     string               `json:"email"`
	Stage     stage.Kind           `json:"stage"`
	Time      time.Time            `json:"time"`
	Level     Level                `json:"level"`
	Message   string               `json:"message"`
	NewStatus models.AccountStatus `json:"new_status,omitempty"`
}

var ErrSinkAttached = errors.New("a progress sink is already attached")

// publishWait bounds how long a worker may block on a full channel
// before the event is dropped.
const publishWait = 50 * time.Millisecond

// Reporter is the many-producer/one-consumer progress channel. A slow
// subscriber never stalls the worker pool: publishing tries a
// non-blocking send first, then a short bounded wait, then drops the
// event and counts the drop.
type Reporter struct {
	ch      chan Event
	dropped atomic.Uint64

	mu         sync.Mutex
	subscribed bool
	wg         sync.WaitGroup
}

func NewReporter(buffer int) *Reporter {
	if buffer <= 0 {
		buffer = 256
	}
	return &Reporter{ch: make(chan Event, buffer)}
}

// Publish posts an event. Safe from many goroutines; never blocks past
// publishWait.
func (r *Reporter) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	select {
	case r.ch <- ev:
		return
	default:
	}

	t := time.NewTimer(publishWait)
	defer t.Stop()
	select {
	case r.ch <- ev:
	case <-t.C:
		r.dropped.Add(1)
		progressDroppedCounter.Inc()
	}
}

// Subscribe attaches the single sink and starts draining. At most one
// sink per reporter.
func (r *Reporter) Subscribe(sink func(Event)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribed {
		return ErrSinkAttached
	}
	r.subscribed = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range r.ch {
			sink(ev)
		}
	}()
	return nil
}

// Dropped returns how many events were discarded because the subscriber
// could not keep up.
func (r *Reporter) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops the reporter. Only call after every publisher has stopped;
// pending events are still delivered to the sink first.
func (r *Reporter) Close() {
	close(r.ch)
	r.wg.Wait()
}
