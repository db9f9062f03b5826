package channel

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/juju/errors"
)

// Fixed replies. Rejection and timeout are always sent in plaintext.
const (
	ReplyAuthOK          = "[ACK] authentication successful"
	ReplyAuthMismatch    = "[ERR] invalid token"
	ReplyAuthTimeout     = "[ERR] timeout for login attempt"
	ReplyNotAcknowledged = "[ERR] command not acknowledged"
)

var (
	ErrAuthMismatch = fmt.Errorf("invalid token")
	ErrAuthTimeout  = fmt.Errorf("timeout for login attempt")
	ErrClosing      = fmt.Errorf("closing")
	ErrLineTooLong  = fmt.Errorf("line too long")
)

// IsDisconnect reports whether err means the remote side is gone:
// EOF, connection reset, broken pipe or local close.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err) {
	case io.EOF, io.ErrUnexpectedEOF, ErrClosing:
		return true
	}
	s := err.Error()
	return strings.HasSuffix(s, "connection reset by peer") ||
		strings.HasSuffix(s, "broken pipe") ||
		strings.HasSuffix(s, "use of closed network connection")
}

func isTimeout(err error) bool {
	if neterr, ok := errors.Cause(err).(net.Error); ok && neterr.Timeout() {
		return true
	}
	return err != nil && strings.HasSuffix(err.Error(), "i/o timeout")
}

// errString reformats some well known errors for easier log reading.
func errString(e error) string {
	switch {
	case e == nil:
		return "<nil>"
	case isTimeout(e):
		return "timeout"
	case strings.HasSuffix(e.Error(), "connection reset by peer"):
		return "closed by remote"
	case errors.Cause(e) == io.EOF:
		return "EOF"
	}
	return e.Error()
}
