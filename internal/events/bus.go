package events

import (
	"sync"
	"time"

	"github.com/phuslu/log"

	"cms-job-service/internal/entity"
)

type EventType string

const (
	TypeProgress  EventType = "progress"
	TypeStage     EventType = "stage"
	TypeCompleted EventType = "completed"
	TypeFailed    EventType = "failed"
	TypeCancelled EventType = "cancelled"
)

// Event is one progress update on the bus. The job row in the store stays
// authoritative; the stream is best effort and may drop or coalesce updates.
type Event struct {
	JobID           string            `json:"job_id"`
	Type            EventType         `json:"type"`
	Status          entity.JobStatus  `json:"status"`
	Stage           entity.AgentStage `json:"stage,omitempty"`
	ProgressPercent int               `json:"progress_percent"`
	Iteration       int               `json:"iteration,omitempty"`
	ProcessedItems  int               `json:"processed_items,omitempty"`
	FailedItems     int               `json:"failed_items,omitempty"`
	TotalItems      int               `json:"total_items,omitempty"`
	TokensUsed      int64             `json:"tokens_used,omitempty"`
	CostUSD         float64           `json:"cost_usd,omitempty"`
	Error           string            `json:"error,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

const subscriberBuffer = 16

// Bus is the single in-process event source behind both progress surfaces:
// the SSE stream subscribes, the poll path reads the job row instead.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	logger *log.Logger
}

func NewBus(logger *log.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers for events of one job id. The returned cancel func
// must be called to release the channel; the channel closes on cancel.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[jobID], ch)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish fans an event out without blocking the publisher. A slow
// subscriber with a full buffer loses the event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug().
				Str("job_id", ev.JobID).
				Str("event_type", string(ev.Type)).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount reports active subscriptions for a job id.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
