// Package eventbus is an in-memory fanout for engine events (deliveries,
// finished cycles). Publish never blocks; a slow subscriber loses events.
package eventbus

import (
	"sync"
	"time"
)

// Topics.
const (
	TopicDeliverySent   = "delivery.sent"
	TopicDeliveryFailed = "delivery.failed"
	TopicCycleFinished  = "cycle.finished"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64
}

// Publish holds the read lock while sending so unsubscribe (write lock)
// can never close a channel mid-send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// DeliveryEvent is the payload of delivery.* events.
type DeliveryEvent struct {
	CycleID  string `json:"cycle_id,omitempty"`
	ChatID   int64  `json:"chat_id"`
	Ref      string `json:"ref,omitempty"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// CycleEvent is the payload of cycle.finished.
type CycleEvent struct {
	CycleID   string        `json:"cycle_id"`
	Job       string        `json:"job"`
	Items     int           `json:"items"`
	Keys      int           `json:"keys"`
	Observed  int           `json:"observed"`
	Notified  int           `json:"notified"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Took      time.Duration `json:"took"`
	Error     string        `json:"error,omitempty"`
}
