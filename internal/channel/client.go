package channel

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/nestwatch/helpers"
	"github.com/temoto/nestwatch/internal/envelope"
	"github.com/temoto/nestwatch/log2"
)

const (
	DefaultDialTimeout = 10 * time.Second
	reportBuffer       = 256
)

type ClientOptions struct {
	Log    *log2.Log
	Cipher *envelope.Cipher
	// auth token, default is local address of the connection
	LocalIP      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int
	// >0 enables dial retry with exponential backoff until ctx is done
	RetryDelay time.Duration
}

// Operator client. Authenticates, sends commands one at a time,
// receives reports on separate channel.
type Client struct {
	sync.Mutex // one command at a time
	alive      *alive.Alive
	conn       *Conn
	opt        ClientOptions
	replies    chan string
	reports    chan string
}

// Dial connects to url and authenticates.
func Dial(ctx context.Context, url string, opt ClientOptions) (*Client, error) {
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = DefaultDialTimeout
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	network, hostport, err := parseURL(url)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	var conn *Conn
	backoff := helpers.Backoff{Min: opt.RetryDelay, Max: 10 * opt.RetryDelay, K: 2}
	for {
		conn, err = dialAuth(ctx, network, hostport, opt)
		if err == nil || opt.RetryDelay <= 0 || errors.Cause(err) == ErrAuthMismatch {
			break
		}
		delay := backoff.DelayAfter(false)
		opt.Log.Errorf("dial url=%s err=%v retry in %v", url, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.Annotatef(ctx.Err(), "dial url=%s last err=%v", url, err)
		}
	}
	if err != nil {
		return nil, errors.Annotatef(err, "dial url=%s", url)
	}

	c := &Client{
		alive:   alive.NewAlive(),
		conn:    conn,
		opt:     opt,
		replies: make(chan string, 1),
		reports: make(chan string, reportBuffer),
	}
	c.alive.Add(1)
	go c.reader()
	return c, nil
}

func dialAuth(ctx context.Context, network, hostport string, opt ClientOptions) (*Conn, error) {
	dialer := net.Dialer{Timeout: opt.DialTimeout}
	netConn, err := dialer.DialContext(ctx, network, hostport)
	if err != nil {
		return nil, errors.Annotate(err, "connect")
	}
	conn := NewConn(netConn, ConnOptions{Log: opt.Log, Cipher: opt.Cipher, ReadLimit: opt.ReadLimit})
	if err = handshakeClient(ctx, conn, opt); err != nil {
		_ = conn.Close()
		return nil, errors.Annotate(err, "handshake")
	}
	return conn, nil
}

func handshakeClient(ctx context.Context, conn *Conn, opt ClientOptions) error {
	token := opt.LocalIP
	if token == "" {
		token = addrIP(conn.LocalAddr())
	}
	wctx, cancel := context.WithTimeout(ctx, opt.WriteTimeout)
	defer cancel()
	if err := conn.Send(wctx, token, true); err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, DefaultAuthTimeout+opt.WriteTimeout)
	defer cancel()
	line, err := conn.ReadLine(rctx)
	if err != nil {
		return err
	}
	reply, err := decodeLine(conn, line)
	if err != nil {
		return err
	}
	switch reply {
	case ReplyAuthOK:
		return nil
	case ReplyAuthMismatch:
		return ErrAuthMismatch
	case ReplyAuthTimeout:
		return ErrAuthTimeout
	}
	return errors.Errorf("unexpected auth reply=%q", reply)
}

// Command sends text and waits for [ACK] or [ERR] reply.
func (c *Client) Command(ctx context.Context, text string) (string, error) {
	if !c.alive.Add(1) {
		return "", ErrClosing
	}
	defer c.alive.Done()
	c.Lock()
	defer c.Unlock()

	// drop stale reply to previously abandoned command
	select {
	case <-c.replies:
	default:
	}
	wctx, cancel := context.WithTimeout(ctx, c.opt.WriteTimeout)
	err := c.conn.Send(wctx, text, true)
	cancel()
	if err != nil {
		return "", errors.Annotate(err, "command")
	}
	select {
	case r, ok := <-c.replies:
		if !ok {
			return "", errors.Annotate(c.connErr(), "command")
		}
		return r, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Reports is closed when connection ends.
func (c *Client) Reports() <-chan string { return c.reports }

func (c *Client) Conn() *Conn { return c.conn }

func (c *Client) Close() error {
	c.alive.Stop()
	err := c.conn.Close()
	c.alive.Wait()
	return err
}

func (c *Client) connErr() error {
	if err := c.conn.Err(); err != nil {
		return err
	}
	return ErrClosing
}

func (c *Client) reader() {
	defer c.alive.Done()
	defer close(c.reports)
	defer close(c.replies)
	for {
		line, err := c.conn.ReadLine(context.Background())
		if err != nil {
			if c.alive.IsRunning() && !IsDisconnect(err) {
				c.opt.Log.Errorf("client read err=%v", err)
			}
			return
		}
		text, err := decodeLine(c.conn, line)
		if err != nil {
			c.opt.Log.Errorf("client line=%q err=%v", line, err)
			continue
		}
		if isReply(text) {
			select {
			case c.replies <- text:
			default:
				c.opt.Log.Errorf("client unexpected reply=%q dropped", text)
			}
			continue
		}
		select {
		case c.reports <- text:
		default:
			c.opt.Log.Errorf("client report buffer full, dropped=%q", text)
		}
	}
}

// decodeLine accepts both plaintext and envelope lines.
// Base64 alphabet never contains '[' so plaintext replies are recognized by prefix.
func decodeLine(conn *Conn, line string) (string, error) {
	cipher := conn.Options().Cipher
	if cipher == nil || line == "" || strings.HasPrefix(line, "[") {
		return line, nil
	}
	plain, err := cipher.Decrypt([]byte(line))
	if err != nil {
		return "", errors.Annotate(err, "decrypt")
	}
	return string(plain), nil
}

func isReply(text string) bool {
	return strings.HasPrefix(text, "[ACK]") || strings.HasPrefix(text, "[ERR]")
}
