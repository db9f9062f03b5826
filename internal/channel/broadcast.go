package channel

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/nestwatch/internal/bridge"
	"github.com/temoto/nestwatch/log2"
)

// ReportSource is drained by Broadcaster. Implemented by *bridge.Bridge.
type ReportSource interface {
	NextReport(ctx context.Context) (string, error)
}

// ReportSink receives every report after network fan-out.
type ReportSink interface {
	OnReport(text string) error
}

type BroadcasterOptions struct {
	Log      *log2.Log
	Source   ReportSource
	Registry *Registry
	// encrypt reports, otherwise sent in plaintext
	FullEncryption bool
	WriteTimeout   time.Duration
	Sinks          []ReportSink
}

// Broadcaster delivers each report to every connection registered at the
// moment the report is dequeued. Send failure is logged; removal from
// registry is left to connection handler.
type Broadcaster struct {
	alive  *alive.Alive
	ctx    context.Context
	cancel context.CancelFunc
	log    *log2.Log
	opt    BroadcasterOptions
	stat   BroadcastStat
}

func NewBroadcaster(opt BroadcasterOptions) (*Broadcaster, error) {
	if opt.Source == nil {
		return nil, errors.NotValidf("code error broadcaster Source=nil")
	}
	if opt.Registry == nil {
		return nil, errors.NotValidf("code error broadcaster Registry=nil")
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	b := &Broadcaster{
		alive: alive.NewAlive(),
		log:   opt.Log,
		opt:   opt,
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

func (b *Broadcaster) Stat() *BroadcastStat { return &b.stat }

// Run blocks until Close or source is closed.
func (b *Broadcaster) Run() error {
	if !b.alive.Add(1) {
		return ErrClosing
	}
	defer b.alive.Done()
	for {
		text, err := b.opt.Source.NextReport(b.ctx)
		if !b.alive.IsRunning() {
			return nil
		}
		switch errors.Cause(err) {
		case nil:
		case bridge.ErrClosed:
			return nil
		default:
			return errors.Annotate(err, "next report")
		}
		b.Deliver(text)
	}
}

// Deliver sends single report to current registry snapshot and sinks.
func (b *Broadcaster) Deliver(text string) {
	b.stat.Reports.Add(1)
	for _, c := range b.opt.Registry.Snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), b.opt.WriteTimeout)
		err := c.Send(ctx, text, b.opt.FullEncryption)
		cancel()
		if err != nil {
			b.stat.Failed.Add(1)
			b.log.Errorf("report send remote=%s err=%s", c.RemoteIP(), errString(err))
			continue
		}
		b.stat.Delivered.Add(1)
	}
	for _, sink := range b.opt.Sinks {
		if err := sink.OnReport(text); err != nil {
			b.log.Errorf("report sink err=%v", err)
		}
	}
}

// Close stops Run and waits for it. Spool based sources only observe stop
// at next report or when closed by owner.
func (b *Broadcaster) Close() error {
	b.alive.Stop()
	b.cancel()
	b.alive.Wait()
	return nil
}
