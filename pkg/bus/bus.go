// Package bus implements the in-process message fabric connecting named
// participants. Each participant owns a bounded priority queue; senders
// hand off and return immediately. Request/response is correlated by
// token, broadcast fans out to a registry snapshot, and the bus keeps a
// ring of recently processed messages.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pantheon-agents/pantheon/pkg/models"
)

const (
	// DefaultQueueCapacity bounds each participant's queue.
	DefaultQueueCapacity = 256

	// historyCap is the size of the processed-message ring.
	historyCap = 100
)

// waiter is a pending Request keyed by correlation token.
type waiter struct {
	owner string // participant name awaiting the reply
	ch    chan models.Message
}

// Bus is the in-process message fabric. All methods are safe for
// concurrent use.
type Bus struct {
	queueCap int

	mu           sync.RWMutex // registry: read-mostly
	participants map[string]*participant

	waiterMu sync.Mutex
	waiters  map[string]*waiter

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}

	histMu  sync.Mutex
	history []models.Message

	overflowDrops  atomic.Int64
	lateReplyDrops atomic.Int64
}

// New creates a bus with the default queue capacity.
func New() *Bus {
	return NewWithCapacity(DefaultQueueCapacity)
}

// NewWithCapacity creates a bus whose participant queues hold at most
// capacity messages each.
func NewWithCapacity(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Bus{
		queueCap:     capacity,
		participants: make(map[string]*participant),
		waiters:      make(map[string]*waiter),
		subs:         make(map[*Subscription]struct{}),
	}
}

// Register adds a named participant. Names are unique per process.
func (b *Bus) Register(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.participants[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	b.participants[name] = newParticipant(name)
	slog.Debug("Participant registered", "name", name)
	return nil
}

// Unregister removes a participant and discards its queued messages.
// Unregistering an unknown name is a no-op.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	delete(b.participants, name)
	b.mu.Unlock()
	slog.Debug("Participant unregistered", "name", name)
}

func (b *Bus) participant(name string) (*participant, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.participants[name]
	return p, ok
}

// Send delivers a message to its recipient's queue and returns
// immediately. Replies (messages bearing a correlation token addressed
// to a pending requester) are routed straight to the waiter; a reply
// whose waiter is gone is dropped silently and counted.
func (b *Bus) Send(msg models.Message) error {
	if msg.IsBroadcast() {
		_, err := b.Broadcast(msg, "")
		return err
	}

	if msg.Correlation != "" && b.deliverToWaiter(msg) {
		b.recordHistory(msg)
		b.fanout(msg)
		return nil
	}

	p, ok := b.participant(msg.Recipient)
	if !ok {
		if msg.Correlation != "" && !msg.ExpectReply {
			// Reply raced against waiter removal and participant exit.
			b.lateReplyDrops.Add(1)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.Recipient)
	}

	if p.enqueue(msg, b.queueCap) {
		b.overflowDrops.Add(1)
		slog.Warn("Queue overflow, dropped oldest low-priority message",
			"participant", msg.Recipient)
	}
	b.recordHistory(msg)
	b.fanout(msg)
	return nil
}

// deliverToWaiter routes a correlated message to its pending requester.
// Returns false when the message is a request in flight (the token's
// waiter belongs to the sender, not the recipient), letting it fall
// through to normal queue delivery. A reply whose waiter was already
// removed is consumed here: silent drop plus counter.
func (b *Bus) deliverToWaiter(msg models.Message) bool {
	b.waiterMu.Lock()
	defer b.waiterMu.Unlock()
	w, ok := b.waiters[msg.Correlation]
	if ok && w.owner == msg.Recipient {
		delete(b.waiters, msg.Correlation)
		w.ch <- msg // buffered, never blocks
		return true
	}
	if !ok && !msg.ExpectReply {
		// Reply arrived after its waiter was removed.
		b.lateReplyDrops.Add(1)
		return true
	}
	return false
}

// Receive blocks until the next message for the named participant is
// available, honoring priority order, or until ctx is done.
func (b *Bus) Receive(ctx context.Context, name string) (models.Message, error) {
	p, ok := b.participant(name)
	if !ok {
		return models.Message{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, name)
	}
	for {
		if msg, ok := p.dequeue(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return models.Message{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-p.notify:
		}
	}
}

// Request sends msg, then suspends until a reply bearing the request's
// correlation token arrives, the timeout elapses, or ctx is cancelled.
// The waiter is removed on every exit path; any reply arriving later is
// dropped silently.
func (b *Bus) Request(ctx context.Context, msg models.Message, timeout time.Duration) (models.Message, error) {
	if msg.Correlation == "" {
		msg.Correlation = uuid.NewString()
	}
	msg.ExpectReply = true

	w := &waiter{owner: msg.Sender, ch: make(chan models.Message, 1)}
	b.waiterMu.Lock()
	b.waiters[msg.Correlation] = w
	b.waiterMu.Unlock()

	if err := b.Send(msg); err != nil {
		b.removeWaiter(msg.Correlation)
		return models.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-w.ch:
		return reply, nil
	case <-timer.C:
		b.removeWaiter(msg.Correlation)
		// A reply may have been routed before the waiter was removed.
		select {
		case reply := <-w.ch:
			return reply, nil
		default:
		}
		return models.Message{}, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout)
	case <-ctx.Done():
		b.removeWaiter(msg.Correlation)
		select {
		case reply := <-w.ch:
			return reply, nil
		default:
		}
		return models.Message{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// removeWaiter deletes the waiter for token. Any reply arriving after
// removal is dropped by deliverToWaiter and counted.
func (b *Bus) removeWaiter(token string) {
	b.waiterMu.Lock()
	delete(b.waiters, token)
	b.waiterMu.Unlock()
}

// Broadcast delivers one copy of msg to every registered participant
// except the sender, using the registry snapshot taken at call time.
// kindFilter, when non-empty, restricts subscription fanout only; queue
// delivery always happens. Returns the number of copies delivered.
func (b *Bus) Broadcast(msg models.Message, kindFilter string) (int, error) {
	b.mu.RLock()
	snapshot := make([]*participant, 0, len(b.participants))
	for name, p := range b.participants {
		if name == msg.Sender {
			continue
		}
		snapshot = append(snapshot, p)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, p := range snapshot {
		cp := msg
		cp.Recipient = p.name
		if p.enqueue(cp, b.queueCap) {
			b.overflowDrops.Add(1)
		}
		delivered++
	}

	b.recordHistory(msg)
	if kindFilter == "" || msg.Kind == kindFilter {
		b.fanout(msg)
	}
	return delivered, nil
}

func (b *Bus) recordHistory(msg models.Message) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = append(b.history, msg)
	if len(b.history) > historyCap {
		b.history = b.history[len(b.history)-historyCap:]
	}
}

// History returns up to limit recently processed messages, most recent
// first, across all participants.
func (b *Bus) History(limit int) []models.Message {
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()

	n := len(b.history)
	if limit > n {
		limit = n
	}
	out := make([]models.Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.history[i])
	}
	return out
}

// Stats summarizes bus counters for status reporting.
type Stats struct {
	Participants   int   `json:"participants"`
	OverflowDrops  int64 `json:"overflow_drops"`
	LateReplyDrops int64 `json:"late_reply_drops"`
	Subscriptions  int   `json:"subscriptions"`
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	participants := len(b.participants)
	b.mu.RUnlock()
	b.subMu.RLock()
	subs := len(b.subs)
	b.subMu.RUnlock()
	return Stats{
		Participants:   participants,
		OverflowDrops:  b.overflowDrops.Load(),
		LateReplyDrops: b.lateReplyDrops.Load(),
		Subscriptions:  subs,
	}
}

// QueueDepth returns the number of queued messages for a participant.
func (b *Bus) QueueDepth(name string) int {
	if p, ok := b.participant(name); ok {
		return p.depth()
	}
	return 0
}
