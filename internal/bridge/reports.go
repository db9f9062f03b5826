package bridge

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/nestwatch/log2"
	"github.com/temoto/spq"
)

// ReportQueue stores reports between control loop and broadcaster.
type ReportQueue interface {
	Push(text string) error
	Pop(ctx context.Context) (string, error)
	Close() error
}

type memoryReports struct{ q *Queue }

func NewMemoryReports() ReportQueue { return memoryReports{q: NewQueue()} }

func (m memoryReports) Push(text string) error { return m.q.Push(Message{Text: text}) }
func (m memoryReports) Close() error           { return m.q.Close() }
func (m memoryReports) Pop(ctx context.Context) (string, error) {
	msg, err := m.q.Pop(ctx)
	return msg.Text, err
}

// Spool is persistent report queue, reports produced while no operator is
// connected or before restart are delivered later.
// Pop checks ctx only before blocking; use Close to unblock.
type Spool struct {
	log *log2.Log
	q   *spq.Queue
}

// OpenSpool path=spq.OnlyForTesting keeps data in memory.
func OpenSpool(path string, log *log2.Log) (*Spool, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "report spool path=%s", path)
	}
	return &Spool{log: log, q: q}, nil
}

func (s *Spool) Push(text string) error {
	if err := s.q.Push([]byte(text)); err != nil {
		if err == spq.ErrClosed {
			return ErrClosed
		}
		return errors.Annotate(err, "spool push")
	}
	return nil
}

func (s *Spool) Pop(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	box, err := s.q.Peek()
	switch err {
	case nil:
	case spq.ErrClosed:
		return "", ErrClosed
	default:
		return "", errors.Annotate(err, "spool peek")
	}
	text := string(box.Bytes())
	if err = s.q.Delete(box); err != nil {
		// report is still returned, may be delivered again after restart
		s.log.Errorf("spool delete err=%v", err)
	}
	return text, nil
}

func (s *Spool) Close() error { return s.q.Close() }
