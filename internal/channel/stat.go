package channel

// Complex values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
)

// SessionStat counts traffic of one connection or sum of closed connections.
type SessionStat struct {
	Conn expvar.Int
	Recv CountSizePair
	Send CountSizePair
}

func (ss *SessionStat) Add(other *SessionStat) {
	ss.Conn.Add(other.Conn.Value())
	ss.Recv.Add(&other.Recv)
	ss.Send.Add(&other.Send)
}

func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"conn":%d,"recv":%s,"send":%s}`,
		ss.Conn.Value(), ss.Recv.String(), ss.Send.String())
}

// ServerStat aggregates closed sessions and protocol outcomes.
type ServerStat struct {
	SessionStat
	AuthOK      expvar.Int
	AuthFailed  expvar.Int
	Acks        expvar.Int
	AckTimeouts expvar.Int
}

func (s *ServerStat) String() string {
	return fmt.Sprintf(`{"session":%s,"auth_ok":%d,"auth_failed":%d,"acks":%d,"ack_timeouts":%d}`,
		s.SessionStat.String(), s.AuthOK.Value(), s.AuthFailed.Value(), s.Acks.Value(), s.AckTimeouts.Value())
}

type BroadcastStat struct {
	Reports   expvar.Int
	Delivered expvar.Int
	Failed    expvar.Int
}

func (s *BroadcastStat) String() string {
	return fmt.Sprintf(`{"reports":%d,"delivered":%d,"failed":%d}`,
		s.Reports.Value(), s.Delivered.Value(), s.Failed.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Add(other *CountSizePair) {
	csp.Count.Add(other.Count.Value())
	csp.Size.Add(other.Size.Value())
}

func (csp *CountSizePair) String() string {
	return fmt.Sprintf(`{"count":%d,"size":%d}`, csp.Count.Value(), csp.Size.Value())
}
