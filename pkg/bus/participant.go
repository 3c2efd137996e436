package bus

import (
	"sync"

	"github.com/pantheon-agents/pantheon/pkg/models"
)

// participant owns one bounded three-level priority queue. Senders
// enqueue under the participant's lock and return immediately; the
// owner drains via Bus.Receive.
type participant struct {
	name string

	mu     sync.Mutex
	queues [3][]models.Message // indexed by models.Priority
	size   int
	// notify wakes a blocked receiver. Capacity 1: a single pending
	// wakeup is enough because receivers re-check the queues.
	notify chan struct{}
}

func newParticipant(name string) *participant {
	return &participant{
		name:   name,
		notify: make(chan struct{}, 1),
	}
}

// enqueue adds a message, dropping the oldest lowest-priority message
// when the queue is full. Returns true when a message was dropped.
func (p *participant) enqueue(msg models.Message, capacity int) bool {
	p.mu.Lock()
	p.queues[msg.Priority] = append(p.queues[msg.Priority], msg)
	p.size++

	dropped := false
	if p.size > capacity {
		for pri := models.PriorityLow; pri <= models.PriorityHigh; pri++ {
			if len(p.queues[pri]) > 0 {
				p.queues[pri] = p.queues[pri][1:]
				p.size--
				dropped = true
				break
			}
		}
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return dropped
}

// dequeue pops the oldest message of the highest non-empty priority.
func (p *participant) dequeue() (models.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pri := models.PriorityHigh; pri >= models.PriorityLow; pri-- {
		if q := p.queues[pri]; len(q) > 0 {
			msg := q[0]
			p.queues[pri] = q[1:]
			p.size--
			return msg, true
		}
	}
	return models.Message{}, false
}

func (p *participant) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}
