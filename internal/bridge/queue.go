package bridge

import (
	"context"
	"fmt"
	"sync"
)

var ErrClosed = fmt.Errorf("queue closed")

// Message is one text item travelling through a queue.
// ID is set for commands and correlated replies, empty otherwise.
type Message struct {
	ID   string
	Peer string
	Text string
}

// Queue is unbounded insertion-ordered FIFO, safe for multiple producers and consumers.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	readch chan struct{}
	stopch chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		readch: make(chan struct{}, 1),
		stopch: make(chan struct{}),
	}
}

func (q *Queue) Push(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, m)
	signal(q.readch)
	return nil
}

// Pop blocks until item is available, ctx is done or queue is closed.
// Items pushed before Close are still returned.
func (q *Queue) Pop(ctx context.Context) (Message, error) {
	for {
		if m, ok := q.TryPop(); ok {
			return m, nil
		}
		select {
		case <-q.readch:
		case <-q.stopch:
			if m, ok := q.TryPop(); ok {
				return m, nil
			}
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (q *Queue) TryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// wake next consumer, signal is coalesced
		signal(q.readch)
	}
	return m, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.stopch)
	}
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
