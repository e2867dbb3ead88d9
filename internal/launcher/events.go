package launcher

import (
	"sync"
	"time"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
)

// EventType names a state change
type EventType string

const (
	EventDispatched EventType = "dispatched"
	EventSearching  EventType = "searching"
	EventTracked    EventType = "tracked"
	EventStatus     EventType = "status"
	EventCompleted  EventType = "completed"
	EventNotFound   EventType = "not_found"
	EventFailed     EventType = "failed"
	EventStopped    EventType = "stopped"
	EventCleared    EventType = "cleared"
)

// Event is published after the state it describes has been applied
type Event struct {
	Type    EventType         `json:"type"`
	Key     string            `json:"key,omitempty"`
	Run     *domain.RunRecord `json:"run,omitempty"`
	Message string            `json:"message,omitempty"`
	Time    time.Time         `json:"time"`
}

type broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[chan Event]struct{})}
}

func (b *broker) subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish never blocks; slow subscribers miss events
func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
