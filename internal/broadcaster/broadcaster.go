// Package broadcaster fans out task progress/status messages to
// subscribers, one-to-many, lossy on slow consumers. Generalized from
// a log fan-out handler pattern that dispatches each record to every
// registered sink, applied here to progress messages instead of log
// records, plus gorilla/websocket write-pump idioms for the "never
// block the publisher on a slow reader" discipline.
package broadcaster

import "sync"

// Message is the payload subscribers receive.
type Message struct {
	TaskID      string
	TaskType    string
	Progress    float64
	CurrentFile string
	Message     string
}

// subscriberBuffer bounds how many messages a slow subscriber can fall
// behind by; once it is full, new messages are dropped for that
// subscriber and the unread ones are kept.
const subscriberBuffer = 32

// Broadcaster is a one-to-many fan-out of Message. Safe for concurrent
// publish and subscribe/unsubscribe.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Message]struct{}
}

// New returns an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Message]struct{})}
}

// Subscribe returns a channel that receives every future Publish call
// until Unsubscribe is called with it.
func (b *Broadcaster) Subscribe() chan Message {
	ch := make(chan Message, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(ch chan Message) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends msg to every current subscriber. A subscriber whose
// buffer is full misses this message rather than blocking the
// publisher — the documented lossy-on-slow-consumer contract.
func (b *Broadcaster) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SubscriberCount reports the current number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
