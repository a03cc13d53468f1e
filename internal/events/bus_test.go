package events

import (
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms-job-service/internal/entity"
)

func testBus() *Bus {
	return NewBus(&log.Logger{Level: log.FatalLevel})
}

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := testBus()
	ch, cancel := bus.Subscribe("job-1")
	defer cancel()

	bus.Publish(Event{JobID: "job-1", Type: TypeStage, Status: entity.StatusProcessing, Stage: entity.StageDraft})
	bus.Publish(Event{JobID: "other", Type: TypeStage})

	select {
	case ev := <-ch:
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, entity.StageDraft, ev.Stage)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	// nothing else for this job id
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := testBus()
	ch, cancel := bus.Subscribe("job-1")
	require.Equal(t, 1, bus.SubscriberCount("job-1"))

	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount("job-1"))
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := testBus()
	_, cancel := bus.Subscribe("job-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		// far more events than the subscriber buffer holds, with nobody reading
		for i := 0; i < subscriberBuffer*10; i++ {
			bus.Publish(Event{JobID: "job-1", Type: TypeProgress, ProgressPercent: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := testBus()
	ch1, cancel1 := bus.Subscribe("job-1")
	ch2, cancel2 := bus.Subscribe("job-1")
	defer cancel1()
	defer cancel2()

	bus.Publish(Event{JobID: "job-1", Type: TypeCompleted, Status: entity.StatusCompleted})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeCompleted, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}
