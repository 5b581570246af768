package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/cog-director/internal/loggingtest"
	"github.com/replicate/cog-director/internal/schema"
)

func TestBusOrdering(t *testing.T) {
	t.Parallel()

	bus := NewBus(8, loggingtest.NewTestLogger(t))

	bus.Offer(HealthEvent{Health: schema.HealthReady})
	bus.Offer(WebhookEvent{Payload: schema.PredictionResponse{ID: "p1"}})
	bus.Offer(HealthEvent{Health: schema.HealthBusy})

	e1, ok := bus.Poll(time.Second)
	require.True(t, ok)
	he, ok := e1.(HealthEvent)
	require.True(t, ok)
	assert.Equal(t, schema.HealthReady, he.Health)

	e2, ok := bus.Poll(time.Second)
	require.True(t, ok)
	we, ok := e2.(WebhookEvent)
	require.True(t, ok)
	assert.Equal(t, "p1", we.Payload.ID)

	e3, ok := bus.Poll(time.Second)
	require.True(t, ok)
	he, ok = e3.(HealthEvent)
	require.True(t, ok)
	assert.Equal(t, schema.HealthBusy, he.Health)
}

func TestBusPollTimeout(t *testing.T) {
	t.Parallel()

	bus := NewBus(1, loggingtest.NewTestLogger(t))

	start := time.Now()
	e, ok := bus.Poll(50 * time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, e)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBusDropsHealthEventsWhenFull(t *testing.T) {
	t.Parallel()

	bus := NewBus(1, loggingtest.NewTestLogger(t))

	assert.True(t, bus.Offer(HealthEvent{Health: schema.HealthStarting}))
	assert.False(t, bus.Offer(HealthEvent{Health: schema.HealthReady}))

	e, ok := bus.Poll(time.Second)
	require.True(t, ok)
	assert.Equal(t, schema.HealthStarting, e.(HealthEvent).Health)
}

func TestBusRetriesWebhookEventsWhenFull(t *testing.T) {
	t.Parallel()

	bus := NewBus(1, loggingtest.NewTestLogger(t))
	require.True(t, bus.Offer(WebhookEvent{Payload: schema.PredictionResponse{ID: "p1"}}))

	// Drain the bus while the producer is retrying; the second offer must
	// eventually land instead of being dropped.
	done := make(chan bool)
	go func() {
		done <- bus.Offer(WebhookEvent{Payload: schema.PredictionResponse{ID: "p2"}})
	}()

	time.Sleep(20 * time.Millisecond)
	_, ok := bus.Poll(time.Second)
	require.True(t, ok)

	assert.True(t, <-done)
	e, ok := bus.Poll(time.Second)
	require.True(t, ok)
	assert.Equal(t, "p2", e.(WebhookEvent).Payload.ID)
}

func TestBusConcurrentProducers(t *testing.T) {
	t.Parallel()

	bus := NewBus(128, loggingtest.NewTestLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 16; j++ {
				bus.Offer(HealthEvent{Health: schema.HealthReady})
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		_, ok := bus.Poll(10 * time.Millisecond)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 64, count)
}
