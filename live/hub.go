package live

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	EventTranscription = "transcription"
	EventError         = "error"
	EventStatus        = "status"
)

type Event struct {
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Language  string    `json:"language,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans events out to subscribers. A subscriber that falls behind loses
// events instead of stalling the worker.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: make(map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns the event channel and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithField("type", ev.Type).Warn("Subscriber too slow, dropping event")
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
