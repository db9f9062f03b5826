package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/nestwatch/helpers"
	"github.com/temoto/nestwatch/helpers/atomic_clock"
	"github.com/temoto/nestwatch/internal/envelope"
	"github.com/temoto/nestwatch/log2"
)

const (
	DefaultReadLimit    = 4 << 10
	DefaultWriteTimeout = 5 * time.Second
)

type ConnOptions struct {
	Log *log2.Log
	// nil = plaintext channel
	Cipher *envelope.Cipher
	// max line length without delimiter
	ReadLimit int
}

// Conn is newline framed text connection.
// Reads must come from one goroutine, writes are serialized.
type Conn struct {
	wmu  sync.Mutex
	err  helpers.AtomicError
	last atomic_clock.Clock
	net  net.Conn
	opt  ConnOptions
	r    *bufio.Reader
	stat SessionStat
	w    io.Writer
}

func NewConn(netConn net.Conn, opt ConnOptions) *Conn {
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	c := &Conn{
		net: netConn,
		opt: opt,
	}
	if tcp, ok := c.net.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	statread := helpers.NewStatReader(c.net, &c.stat.Recv.Size, 0)
	c.w = helpers.NewStatWriter(c.net, &c.stat.Send.Size, 0)
	c.r = bufio.NewReaderSize(statread, opt.ReadLimit+1)
	c.stat.Conn.Set(1)
	c.last.SetNow()
	return c
}

func (c *Conn) Close() error {
	_ = c.die(ErrClosing)
	return nil
}

func (c *Conn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

// Err returns reason the connection was closed.
func (c *Conn) Err() error {
	err, _ := c.err.Load()
	return err
}

// ReadLine returns next line without delimiter. ctx deadline bounds the read.
// Timeout leaves connection open so caller may still write a reply.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	deadline, _ := ctx.Deadline()
	if err := c.net.SetReadDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetReadDeadline")
		_ = c.die(err)
		return "", err
	}
	b, err := c.r.ReadSlice('\n')
	switch err {
	case nil:
	case bufio.ErrBufferFull:
		err = errors.Annotatef(ErrLineTooLong, "limit=%d", c.opt.ReadLimit)
		_ = c.die(err)
		return "", err
	case io.EOF:
		if len(b) != 0 {
			err = io.ErrUnexpectedEOF
		}
		fallthrough
	default:
		err = errors.Annotate(err, "receive")
		if !isTimeout(err) {
			_ = c.die(err)
		}
		return "", err
	}
	c.last.SetNow()
	c.stat.Recv.Count.Add(1)
	return strings.TrimRight(string(b), "\r\n"), nil
}

// Receive reads one line and decrypts it when cipher is configured.
// Decrypt failure does not close connection.
func (c *Conn) Receive(ctx context.Context) (string, error) {
	line, err := c.ReadLine(ctx)
	if err != nil || c.opt.Cipher == nil || line == "" {
		return line, err
	}
	plain, err := c.opt.Cipher.Decrypt([]byte(line))
	if err != nil {
		return "", errors.Annotate(err, "decrypt")
	}
	return string(plain), nil
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// WriteLine sends text with trailing delimiter as single line.
func (c *Conn) WriteLine(ctx context.Context, text string) error {
	text = strings.TrimRight(text, "\r\n")
	if strings.ContainsAny(text, "\r\n") {
		return errors.NotValidf("multiline text=%q", text)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.net.SetWriteDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetWriteDeadline")
		_ = c.die(err)
		return err
	}
	if err := helpers.WriteAll(c.w, []byte(text+"\n")); err != nil {
		err = errors.Annotate(err, "send")
		_ = c.die(err)
		return err
	}
	c.stat.Send.Count.Add(1)
	return nil
}

// Send writes text, as envelope if encrypt is set and cipher is configured.
// Line breaks inside text are replaced with spaces, same in every mode.
func (c *Conn) Send(ctx context.Context, text string, encrypt bool) error {
	text = lineBreaks.Replace(strings.TrimRight(text, "\r\n"))
	if encrypt && c.opt.Cipher != nil {
		env, err := c.opt.Cipher.Encrypt([]byte(text))
		if err != nil {
			return errors.Annotate(err, "encrypt")
		}
		text = string(env)
	}
	return c.WriteLine(ctx, text)
}

func (c *Conn) Options() *ConnOptions        { return &c.opt }
func (c *Conn) LocalAddr() net.Addr          { return c.net.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *Conn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }
func (c *Conn) Stat() *SessionStat           { return &c.stat }

// RemoteIP is peer address without port, as expected in auth token.
func (c *Conn) RemoteIP() string { return addrIP(c.RemoteAddr()) }

func (c *Conn) String() string {
	return fmt.Sprintf("(remote=%s)", addrString(c.RemoteAddr()))
}

func (c *Conn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	_ = c.net.Close()
	c.opt.Log.Debugf("die +close local=%s remote=%s e=%s", addrString(c.net.LocalAddr()), addrString(c.RemoteAddr()), errString(e))
	return e
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func addrIP(a net.Addr) string {
	switch x := a.(type) {
	case nil:
		return ""
	case *net.TCPAddr:
		return x.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// parseURL accepts tcp://host:port, tcp4:// and tcp6://.
func parseURL(s string) (network, hostport string, err error) {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return "", "", errors.Annotatef(err, "url=%s", s)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
	default:
		return "", "", errors.NotSupportedf("url=%s scheme=%s", s, u.Scheme)
	}
	return u.Scheme, u.Host, nil
}
