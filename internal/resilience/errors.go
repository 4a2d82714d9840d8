package resilience

import (
	"errors"
	"net"
	"slices"
	"strings"
	"syscall"
)

var transientErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// Messages of transport errors that reach us flattened into strings, e.g.
// from pgx connect attempts.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
}

// IsTransient reports whether err is a network failure worth another
// attempt. HTTP status errors from TTN never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if slices.ContainsFunc(transientErrnos, func(target error) bool { return errors.Is(err, target) }) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return slices.ContainsFunc(transientMessages, func(m string) bool { return strings.Contains(msg, m) })
}
