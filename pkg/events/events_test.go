package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerBroadcastsToAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	require.Equal(t, 2, b.SubscriberCount())

	b.Emit(Event{
		Level:   LevelInfo,
		Type:    TypeSession,
		Subtype: SubtypeSessionStarted,
		Message: "session started",
	})

	assert.Eventually(t, func() bool {
		select {
		case e := <-sub1:
			return e.Subtype == SubtypeSessionStarted
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		select {
		case e := <-sub2:
			return e.Subtype == SubtypeSessionStarted
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBrokerEmitStampsTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	before := time.Now()
	b.Emit(Event{Type: TypeWorker, Subtype: SubtypeWorkerStarted})

	select {
	case e := <-sub:
		assert.False(t, e.Timestamp.Before(before))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestLoggingSinkEmitDoesNotPanic(t *testing.T) {
	sink := LoggingSink{}
	exitCode := 1

	assert.NotPanics(t, func() {
		sink.Emit(Event{
			Level:         LevelError,
			Type:          TypeAction,
			Subtype:       SubtypeActionCompleted,
			WorkerID:      "w-1",
			SessionID:     "sess-1",
			ActionID:      "act-1",
			OperationName: "taskRun",
			Duration:      5 * time.Second,
			ProcessExit:   &exitCode,
			Message:       "action completed",
		})
	})
}
