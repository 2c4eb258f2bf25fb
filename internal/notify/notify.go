// Package notify broadcasts post-sync task deltas to subscribers.
package notify

import (
	"log"
	"sync"
)

// Source identifies what caused a task's state to change.
type Source string

const (
	// SourceFile marks a delta discovered by re-parsing a checklist file.
	SourceFile Source = "file"
	// SourceToggle marks a delta caused by an API toggle.
	SourceToggle Source = "toggle"
)

// Notification is one task state change, broadcast after every
// synchronization cycle that changed at least one task.
type Notification struct {
	ChangeID  string `json:"change_id"`
	TaskID    string `json:"task_id"`
	Completed bool   `json:"completed"`
	Source    Source `json:"source"`
}

// Broadcaster fans notifications out to in-process subscribers.
// Slow subscribers never block the publisher: when a subscriber's buffer
// is full the notification is dropped for that subscriber and logged.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Notification]bool
	logger *log.Logger
}

// NewBroadcaster creates a broadcaster. A nil logger uses log.Default().
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		subs:   make(map[chan Notification]bool),
		logger: logger,
	}
}

// Subscription is one subscriber's handle. Receive from C; call Close
// when done to release the channel.
type Subscription struct {
	// C delivers notifications in publish order.
	C <-chan Notification

	b  *Broadcaster
	ch chan Notification
}

// Subscribe registers a new subscriber with a buffered channel.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Notification, 100)
	b.mu.Lock()
	b.subs[ch] = true
	b.mu.Unlock()
	return &Subscription{C: ch, b: b, ch: ch}
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	if s.b.subs[s.ch] {
		delete(s.b.subs, s.ch)
		close(s.ch)
	}
	s.b.mu.Unlock()
}

// Publish delivers a notification to every subscriber.
func (b *Broadcaster) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.logger.Printf("Warning: subscriber buffer full, dropping %s/%s", n.ChangeID, n.TaskID)
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
