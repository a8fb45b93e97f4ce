package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToTypedSubscriber(t *testing.T) {
	bus := New()
	received := make(chan Event, 1)

	bus.Subscribe(EventTypeToken, func(event Event) {
		received <- event
	})

	bus.Publish(Event{
		Type:      EventTypeToken,
		SessionID: "gen-1",
		Payload:   "func ",
		Severity:  SeverityInfo,
	})

	select {
	case event := <-received:
		assert.Equal(t, "gen-1", event.SessionID)
		assert.Equal(t, "func ", event.Payload)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestPublishSkipsOtherEventTypes(t *testing.T) {
	bus := New()
	tokenEvents := make(chan Event, 4)

	bus.Subscribe(EventTypeToken, func(event Event) {
		tokenEvents <- event
	})

	bus.Publish(Event{Type: EventTypeHealthCheck})
	bus.Publish(Event{Type: EventTypeToken, Payload: "x"})

	select {
	case event := <-tokenEvents:
		assert.Equal(t, EventTypeToken, event.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for token event")
	}

	select {
	case event := <-tokenEvents:
		t.Fatalf("unexpected extra event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 2)

	bus.SubscribeAll(func(event Event) {
		mu.Lock()
		seen = append(seen, event.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(Event{Type: EventTypeStateTransition})
	bus.Publish(Event{Type: EventTypeNotification})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{EventTypeStateTransition, EventTypeNotification}, seen)
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *captureLogger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	logger := &captureLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	release := make(chan struct{})
	bus.Subscribe(EventTypeToken, func(Event) {
		<-release
	})

	// First event may be in-flight in the consumer, second fills the buffer,
	// third must be dropped.
	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: EventTypeToken, Payload: i})
	}

	require.Eventually(t, func() bool {
		return logger.count() >= 1
	}, time.Second, 10*time.Millisecond)

	close(release)
}

func TestSubscribeIgnoresInvalidRegistrations(t *testing.T) {
	bus := New()
	bus.Subscribe("", func(Event) {})
	bus.Subscribe(EventTypeToken, nil)
	bus.SubscribeAll(nil)

	// No subscribers registered; publish must not panic.
	bus.Publish(Event{Type: EventTypeToken})
}
