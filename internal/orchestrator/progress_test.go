package orchestrator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoqual/internal/stage"
)

func TestReporterDeliversInOrder(t *testing.T) {
	r := NewReporter(16)

	var mu sync.Mutex
	var got []string
	require.NoError(t, r.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Message)
		mu.Unlock()
	}))

	for i := 0; i < 5; i++ {
		r.Publish(Event{Email: "a@example.com", Stage: stage.KindExtractLink,
			Message: fmt.Sprintf("event %d", i)})
	}
	r.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 5)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("event %d", i), msg)
	}
}

func TestReporterDropsWhenSubscriberStalls(t *testing.T) {
	r := NewReporter(1)

	// no subscriber: one event fits the buffer, the rest get dropped
	// after the bounded wait
	start := time.Now()
	for i := 0; i < 3; i++ {
		r.Publish(Event{Message: fmt.Sprintf("event %d", i)})
	}
	assert.Equal(t, uint64(2), r.Dropped())

	// each dropped publish waited at most ~publishWait, never forever
	assert.Less(t, time.Since(start), time.Second)
}

func TestReporterSingleSink(t *testing.T) {
	r := NewReporter(1)
	require.NoError(t, r.Subscribe(func(Event) {}))
	assert.ErrorIs(t, r.Subscribe(func(Event) {}), ErrSinkAttached)
	r.Close()
}

func TestReporterFillsTimestamp(t *testing.T) {
	r := NewReporter(1)

	var got Event
	done := make(chan struct{})
	require.NoError(t, r.Subscribe(func(ev Event) {
		got = ev
		close(done)
	}))

	r.Publish(Event{Message: "hello"})
	<-done
	r.Close()
	assert.False(t, got.Time.IsZero())
}
