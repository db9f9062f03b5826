// Package bridge connects network handlers with single-threaded control loop.
//
// Three one-directional flows:
// - commands: handlers Submit, control loop NextCommand
// - acknowledgements: control loop Ack (uncorrelated) or Reply (by command id)
// - reports: control loop Report, broadcaster NextReport
//
// Uncorrelated Ack goes to the handler that waits longest, or is parked
// until some handler next waits. Under concurrent load that may be a handler
// other than the one whose command caused the Ack; control loops that care
// must use Reply(cmd.ID, text).
package bridge

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/nestwatch/log2"
)

const DefaultAckTimeout = 10 * time.Second

var ErrAckTimeout = fmt.Errorf("command not acknowledged")

type Options struct {
	Log *log2.Log
	// nil = in-memory queue
	Reports ReportQueue
	// command id generator, default uuid v4
	NewID func() string
}

type Stat struct {
	Commands    expvar.Int
	Acks        expvar.Int
	Replies     expvar.Int
	AckTimeouts expvar.Int
	LateReplies expvar.Int
	Reports     expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"commands":%d,"acks":%d,"replies":%d,"ack_timeouts":%d,"late_replies":%d,"reports":%d}`,
		s.Commands.Value(), s.Acks.Value(), s.Replies.Value(),
		s.AckTimeouts.Value(), s.LateReplies.Value(), s.Reports.Value())
}

type Bridge struct {
	log      *log2.Log
	commands *Queue
	reports  ReportQueue
	newID    func() string
	stat     Stat
	stopch   chan struct{}
	stopOnce sync.Once

	acks struct {
		sync.Mutex
		// uncorrelated acks without waiter yet
		pending []string
		waiters map[string]chan string
		// waiting command ids, oldest first
		order []string
	}
}

func New(opt Options) *Bridge {
	b := &Bridge{
		log:      opt.Log,
		commands: NewQueue(),
		reports:  opt.Reports,
		newID:    opt.NewID,
		stopch:   make(chan struct{}),
	}
	if b.reports == nil {
		b.reports = NewMemoryReports()
	}
	if b.newID == nil {
		b.newID = func() string { return uuid.New().String() }
	}
	b.acks.waiters = make(map[string]chan string)
	return b
}

func (b *Bridge) Stat() *Stat { return &b.stat }

// Submit pushes command and waits for acknowledgement at most timeout.
// Returns ErrAckTimeout, ErrClosed or ctx error on failure.
func (b *Bridge) Submit(ctx context.Context, peer, text string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	id := b.newID()
	w := make(chan string, 1)

	b.acks.Lock()
	b.acks.waiters[id] = w
	b.acks.order = append(b.acks.order, id)
	b.acks.Unlock()

	if err := b.commands.Push(Message{ID: id, Peer: peer, Text: text}); err != nil {
		b.forget(id)
		return "", err
	}
	b.stat.Commands.Add(1)
	// pending acks parked before this command was visible go to oldest waiter
	b.acks.Lock()
	b.dispatchLocked()
	b.acks.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var err error
	select {
	case ack := <-w:
		return ack, nil
	case <-timer.C:
		err = ErrAckTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-b.stopch:
		err = ErrClosed
	}

	b.forget(id)
	// delivery could race with forget
	select {
	case ack := <-w:
		return ack, nil
	default:
	}
	if err == ErrAckTimeout {
		b.stat.AckTimeouts.Add(1)
	}
	return "", errors.Annotatef(err, "command id=%s", id)
}

// NextCommand blocks until command is available.
func (b *Bridge) NextCommand(ctx context.Context) (Message, error) {
	return b.commands.Pop(ctx)
}

// Ack delivers uncorrelated acknowledgement to the oldest waiting handler.
func (b *Bridge) Ack(text string) {
	b.acks.Lock()
	defer b.acks.Unlock()
	b.acks.pending = append(b.acks.pending, text)
	b.stat.Acks.Add(1)
	b.dispatchLocked()
}

// Reply delivers acknowledgement to the handler that submitted command id.
// Returns false when that handler no longer waits.
func (b *Bridge) Reply(id, text string) bool {
	b.acks.Lock()
	defer b.acks.Unlock()
	w, ok := b.acks.waiters[id]
	if !ok {
		b.stat.LateReplies.Add(1)
		b.log.Debugf("bridge late reply id=%s text=%q dropped", id, text)
		return false
	}
	b.removeLocked(id)
	w <- text
	b.stat.Replies.Add(1)
	return true
}

func (b *Bridge) Report(text string) error {
	if err := b.reports.Push(text); err != nil {
		return errors.Annotate(err, "report")
	}
	b.stat.Reports.Add(1)
	return nil
}

func (b *Bridge) NextReport(ctx context.Context) (string, error) {
	return b.reports.Pop(ctx)
}

// Waiting returns number of handlers waiting for acknowledgement.
func (b *Bridge) Waiting() int {
	b.acks.Lock()
	defer b.acks.Unlock()
	return len(b.acks.waiters)
}

func (b *Bridge) Close() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.stopch)
		_ = b.commands.Close()
		err = b.reports.Close()
	})
	return err
}

func (b *Bridge) forget(id string) {
	b.acks.Lock()
	defer b.acks.Unlock()
	b.removeLocked(id)
}

// must be called with lock
func (b *Bridge) dispatchLocked() {
	for len(b.acks.pending) > 0 && len(b.acks.order) > 0 {
		id := b.acks.order[0]
		b.acks.order = b.acks.order[1:]
		w, ok := b.acks.waiters[id]
		if !ok {
			continue
		}
		delete(b.acks.waiters, id)
		w <- b.acks.pending[0]
		b.acks.pending = b.acks.pending[1:]
	}
}

// must be called with lock
func (b *Bridge) removeLocked(id string) {
	delete(b.acks.waiters, id)
	for i, x := range b.acks.order {
		if x == id {
			b.acks.order = append(b.acks.order[:i], b.acks.order[i+1:]...)
			break
		}
	}
}
