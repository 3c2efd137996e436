package bus

import "github.com/pantheon-agents/pantheon/pkg/models"

// subscriptionBuffer bounds each subscriber channel. Slow subscribers
// miss messages rather than blocking senders.
const subscriptionBuffer = 64

// Subscription is a tap on bus traffic. Consume from C; call Cancel
// when done. C is closed by Cancel.
type Subscription struct {
	C      <-chan models.Message
	ch     chan models.Message
	kind   string
	bus    *Bus
	closed bool
}

// Subscribe returns a lazy stream of every message the bus processes
// whose kind matches kindFilter. An empty filter matches everything.
func (b *Bus) Subscribe(kindFilter string) *Subscription {
	ch := make(chan models.Message, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, kind: kindFilter, bus: b}
	b.subMu.Lock()
	b.subs[sub] = struct{}{}
	b.subMu.Unlock()
	return sub
}

// Cancel removes the subscription and closes its channel. Safe to call
// once; further messages are no longer delivered.
func (s *Subscription) Cancel() {
	s.bus.subMu.Lock()
	defer s.bus.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}

// fanout delivers msg to matching subscribers without blocking. Full
// subscriber buffers drop the message.
func (b *Bus) fanout(msg models.Message) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for sub := range b.subs {
		if sub.kind != "" && sub.kind != msg.Kind {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}
