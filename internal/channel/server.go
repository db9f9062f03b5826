package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/nestwatch/helpers"
	"github.com/temoto/nestwatch/internal/bridge"
	"github.com/temoto/nestwatch/internal/envelope"
	"github.com/temoto/nestwatch/log2"
)

const DefaultAuthTimeout = 10 * time.Second

// Submitter forwards one command to control loop and waits for acknowledgement.
// Implemented by *bridge.Bridge.
type Submitter interface {
	Submit(ctx context.Context, peer, text string, timeout time.Duration) (string, error)
}

type ServerOptions struct {
	Log      *log2.Log
	Commands Submitter
	// nil = plaintext channel
	Cipher *envelope.Cipher
	// encrypt replies, otherwise only incoming traffic is encrypted
	FullEncryption bool
	// nil = new registry
	Registry *Registry

	AuthTimeout  time.Duration
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	ReadLimit    int
}

// Command server, device side.
// Authenticates connections and relays their commands to control loop.
type Server struct {
	alive *alive.Alive
	// all accepted connections, including not yet authenticated
	conns struct {
		sync.Mutex
		m map[*Conn]struct{}
	}
	listen struct {
		sync.RWMutex
		l net.Listener
	}
	ctx      context.Context
	cancel   context.CancelFunc
	log      *log2.Log
	opt      ServerOptions
	registry *Registry
	stat     ServerStat
}

func NewServer(opt ServerOptions) (*Server, error) {
	if opt.Commands == nil {
		return nil, errors.NotValidf("code error server Commands=nil")
	}
	if opt.AuthTimeout <= 0 {
		opt.AuthTimeout = DefaultAuthTimeout
	}
	if opt.AckTimeout <= 0 {
		opt.AckTimeout = bridge.DefaultAckTimeout
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	if opt.Registry == nil {
		opt.Registry = NewRegistry()
	}
	s := &Server{
		alive:    alive.NewAlive(),
		log:      opt.Log,
		opt:      opt,
		registry: opt.Registry,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.conns.m = make(map[*Conn]struct{})
	return s, nil
}

// Listen starts accept loop on url like tcp://0.0.0.0:65432
func (s *Server) Listen(ctx context.Context, url string) error {
	s.listen.Lock()
	defer s.listen.Unlock()
	if s.listen.l != nil {
		return errors.AlreadyExistsf("listener addr=%s", s.listen.l.Addr())
	}
	network, hostport, err := parseURL(url)
	if err != nil {
		return errors.Annotate(err, "parse url")
	}
	if !s.alive.Add(1) { // one alive subtask for listener
		return errors.Annotate(ErrClosing, "Listen after Close")
	}
	var lc net.ListenConfig
	ll, err := lc.Listen(ctx, network, hostport)
	if err != nil {
		s.alive.Done()
		return errors.Annotatef(err, "net.Listen network=%s address=%s", network, hostport)
	}
	s.listen.l = ll
	s.log.Debugf("listen url=%s addr=%s", url, ll.Addr())
	go s.acceptLoop(ll)
	return nil
}

// Addr returns host:port of listener or empty string.
func (s *Server) Addr() string {
	s.listen.RLock()
	defer s.listen.RUnlock()
	if s.listen.l == nil {
		return ""
	}
	return s.listen.l.Addr().String()
}

func (s *Server) Clients() *Registry { return s.registry }
func (s *Server) Encrypted() bool    { return s.opt.Cipher != nil }
func (s *Server) Stat() *ServerStat  { return &s.stat }

// Close stops accepting, closes every connection and waits for handlers.
func (s *Server) Close() error {
	s.alive.Stop()
	s.cancel()
	var err error
	helpers.WithLock(&s.listen, func() {
		if s.listen.l != nil {
			err = s.listen.l.Close()
		}
	})
	helpers.WithLock(&s.conns, func() {
		for c := range s.conns.m {
			_ = c.Close()
		}
	})
	s.alive.Wait()
	return err
}

func (s *Server) acceptLoop(ll net.Listener) {
	defer s.alive.Done()
	for {
		netConn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if netConn != nil {
				_ = netConn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "accept listen=%s", addrString(ll.Addr())))
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = netConn.Close()
			return
		}
		conn := NewConn(netConn, ConnOptions{
			Log:       s.log,
			Cipher:    s.opt.Cipher,
			ReadLimit: s.opt.ReadLimit,
		})
		helpers.WithLock(&s.conns, func() {
			// Close may have already walked the set
			if !s.alive.IsRunning() {
				_ = conn.Close()
			}
			s.conns.m[conn] = struct{}{}
		})
		go s.processConn(conn)
	}
}

func (s *Server) processConn(conn *Conn) {
	defer s.alive.Done()

	err := s.handshake(conn)
	if err == nil {
		err = s.commandLoop(conn)
	}

	// mandatory cleanup on connection closed
	registered := s.registry.Remove(conn)
	_ = conn.die(ErrClosing)
	helpers.WithLock(&s.conns, func() { delete(s.conns.m, conn) })
	s.stat.Add(conn.Stat())

	switch {
	case !registered:
	case err == nil, IsDisconnect(err):
		s.log.Infof("connection closed remote=%s", conn.RemoteIP())
	default:
		s.log.Infof("connection closed remote=%s err=%s", conn.RemoteIP(), errString(err))
	}
	s.log.Debugf("session remote=%s idle=%v stat=%s", addrString(conn.RemoteAddr()), conn.SinceLastRecv(), conn.Stat().String())
}

// handshake expects first line to be peer IP address, encrypted if cipher is configured.
func (s *Server) handshake(conn *Conn) (err error) {
	remote := conn.RemoteIP()
	defer errors.DeferredAnnotatef(&err, "auth remote=%s", remote)

	ctx, cancel := context.WithTimeout(s.ctx, s.opt.AuthTimeout)
	defer cancel()
	var token string
	token, err = conn.Receive(ctx)
	if err != nil {
		if isTimeout(err) {
			_ = s.reply(conn, ReplyAuthTimeout, false)
			s.stat.AuthFailed.Add(1)
			s.log.Infof("auth timeout remote=%s", remote)
			err = ErrAuthTimeout
			return err
		}
		if conn.Closed() {
			// read error already closed connection
			return errors.Trace(err)
		}
		// undecryptable token is treated as wrong token
		s.log.Debugf("auth remote=%s token err=%v", remote, err)
		token = ""
	}

	if token != remote {
		_ = s.reply(conn, ReplyAuthMismatch, false)
		s.stat.AuthFailed.Add(1)
		s.log.Infof("auth failed remote=%s token=%q", remote, token)
		err = ErrAuthMismatch
		return err
	}

	if err = s.reply(conn, ReplyAuthOK, s.opt.FullEncryption); err != nil {
		return errors.Trace(err)
	}
	s.registry.Add(conn)
	s.stat.AuthOK.Add(1)
	s.log.Infof("auth ok remote=%s", remote)
	return nil
}

// relay commands one at a time until read error or Close
func (s *Server) commandLoop(conn *Conn) error {
	peer := addrString(conn.RemoteAddr())
	for {
		text, err := conn.Receive(context.Background())
		if !s.alive.IsRunning() {
			return ErrClosing
		}
		if err != nil {
			if !conn.Closed() {
				// rejected envelope: expired, replayed or malformed
				s.log.Errorf("command rejected remote=%s err=%v", peer, err)
			}
			return err
		}
		if text == "" {
			continue
		}
		s.log.Debugf("command remote=%s text=%q", peer, text)

		ack, err := s.opt.Commands.Submit(s.ctx, peer, text, s.opt.AckTimeout)
		switch errors.Cause(err) {
		case nil:
			s.stat.Acks.Add(1)
		case bridge.ErrAckTimeout:
			s.stat.AckTimeouts.Add(1)
			s.log.Infof("command not acknowledged remote=%s text=%q", peer, text)
			ack = ReplyNotAcknowledged
		default:
			return errors.Annotate(err, "submit")
		}
		if err = s.reply(conn, ack, s.opt.FullEncryption); err != nil {
			return err
		}
	}
}

func (s *Server) reply(conn *Conn, text string, encrypt bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.WriteTimeout)
	defer cancel()
	return conn.Send(ctx, text, encrypt)
}
