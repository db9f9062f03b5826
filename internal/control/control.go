// Package control is minimal device control loop: single consumer of
// commands, answers each with correlated reply, produces reports.
// Real sensor and actuator drivers plug in as Handler.
package control

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/nestwatch/internal/bridge"
	"github.com/temoto/nestwatch/log2"
)

const (
	CommandPrefix = "[CMD] "
	AckPrefix     = "[ACK] "
	ReportPrefix  = "[REP] "
)

// Handler returns acknowledgement for command text, without prefix.
// ok=false passes command to next handler.
type Handler func(cmd string) (ack string, ok bool)

type Options struct {
	Log    *log2.Log
	Bridge *bridge.Bridge
	// number of authenticated connections for STATS
	Clients func() int
	// 0 disables heartbeat report
	Heartbeat time.Duration
	// tried before built-in commands
	Handlers []Handler
}

type Loop struct {
	sync.Mutex
	alive  *alive.Alive
	ctx    context.Context
	cancel context.CancelFunc
	log    *log2.Log
	opt    Options
	irOn   bool
}

func New(opt Options) (*Loop, error) {
	if opt.Bridge == nil {
		return nil, errors.NotValidf("code error control Bridge=nil")
	}
	l := &Loop{
		alive: alive.NewAlive(),
		log:   opt.Log,
		opt:   opt,
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// Run consumes commands until Close or bridge is closed.
func (l *Loop) Run() error {
	if !l.alive.Add(1) {
		return errors.Errorf("control Run after Close")
	}
	defer l.alive.Done()
	if l.opt.Heartbeat > 0 && l.alive.Add(1) {
		go l.heartbeat()
	}
	for {
		cmd, err := l.opt.Bridge.NextCommand(l.ctx)
		if !l.alive.IsRunning() {
			return nil
		}
		switch errors.Cause(err) {
		case nil:
		case bridge.ErrClosed:
			return nil
		default:
			return errors.Annotate(err, "next command")
		}
		ack := l.Handle(cmd.Text)
		if !l.opt.Bridge.Reply(cmd.ID, ack) {
			l.log.Infof("control reply late peer=%s cmd=%q", cmd.Peer, cmd.Text)
		}
	}
}

func (l *Loop) Close() error {
	l.alive.Stop()
	l.cancel()
	l.alive.Wait()
	return nil
}

// Handle maps command text to acknowledgement. May produce reports.
func (l *Loop) Handle(text string) string {
	text = strings.TrimSpace(text)
	cmd := strings.TrimSpace(strings.TrimPrefix(text, strings.TrimSpace(CommandPrefix)))
	for _, h := range l.opt.Handlers {
		if ack, ok := h(cmd); ok {
			return AckPrefix + ack
		}
	}
	switch strings.ToUpper(cmd) {
	case "PING":
		return AckPrefix + "PONG"
	case "STATS":
		clients := 0
		if l.opt.Clients != nil {
			clients = l.opt.Clients()
		}
		stat := l.opt.Bridge.Stat()
		return fmt.Sprintf("%sclients=%d commands=%d reports=%d", AckPrefix, clients, stat.Commands.Value(), stat.Reports.Value())
	case "IR ON", "IR OFF":
		on := strings.HasSuffix(strings.ToUpper(cmd), "ON")
		l.setIR(on)
		return fmt.Sprintf("%sIR %s executed", AckPrefix, onOff(on))
	case "GET IR STATE":
		return fmt.Sprintf("%sIR STATE is %s", AckPrefix, onOff(l.getIR()))
	}
	return AckPrefix + "unknown command " + text
}

func (l *Loop) setIR(on bool) {
	l.Lock()
	changed := l.irOn != on
	l.irOn = on
	l.Unlock()
	if changed {
		l.report("IR LED STATE: " + onOff(on))
	}
}

func (l *Loop) getIR() bool {
	l.Lock()
	defer l.Unlock()
	return l.irOn
}

func (l *Loop) heartbeat() {
	defer l.alive.Done()
	tmr := time.NewTicker(l.opt.Heartbeat)
	defer tmr.Stop()
	for {
		select {
		case now := <-tmr.C:
			l.report(fmt.Sprintf("HEARTBEAT %d", now.Unix()))
		case <-l.alive.StopChan():
			return
		}
	}
}

func (l *Loop) report(s string) {
	if err := l.opt.Bridge.Report(ReportPrefix + s); err != nil {
		l.log.Errorf("control report err=%v", err)
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
