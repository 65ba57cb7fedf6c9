package notify

import (
	"sync"
)

// subscriberBuffer is how many undelivered events a subscriber can lag
// behind before events are dropped for it.
const subscriberBuffer = 32

// Subscription is one listener on a topic. Read events from C until it is
// closed.
type Subscription struct {
	C     <-chan []byte
	topic string
	ch    chan []byte
}

// Bus is an in-process topic bus. Topics are opaque strings, here wallet
// keys and payment hashes. Publishing never blocks: a subscriber that can't
// keep up loses events instead of stalling settlement.
type Bus struct {
	mtx         sync.Mutex
	subscribers map[string][]*Subscription
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
	}
}

// Subscribe registers a listener on the given topic
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan []byte, subscriberBuffer)
	sub := &Subscription{
		C:     ch,
		topic: topic,
		ch:    ch,
	}

	b.mtx.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mtx.Unlock()

	return sub
}

// Unsubscribe removes the listener and closes its channel. The close happens
// under the lock, so no Publish can be sending on the channel at that point.
// Unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	subs := b.subscribers[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.topic] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(b.subscribers[sub.topic]) == 0 {
		delete(b.subscribers, sub.topic)
	}
}

// Publish delivers the payload to every subscriber of the topic. Sends are
// non-blocking and happen under the same lock as Unsubscribe's close, so a
// send can never hit a closed channel.
func (b *Bus) Publish(topic string, payload []byte) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for _, sub := range b.subscribers[topic] {
		select {
		case sub.ch <- payload:
		default:
			log.WithField("topic", topic).Debug("Subscriber buffer full, dropping event")
		}
	}
}
