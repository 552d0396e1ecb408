// Package failure holds the error taxonomy shared by the node pool and its
// collaborators. Sentinels are matched with errors.Is; classified request
// failures are matched with errors.As against *Error.
package failure

import (
	"context"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
)

var (
	ErrSelection     = errors.New("nodepool: no suitable node")
	ErrConfiguration = errors.New("nodepool: invalid configuration")
	ErrProbe         = errors.New("nodepool: probe failed")
	ErrDiscovery     = errors.New("nodepool: discovery failed")
)

// Server-side error codes the pool cares about.
const (
	CodeUnknown       = 1002
	CodeTimeout       = 159
	CodeSocketTimeout = 209
	CodeNetwork       = 210
)

// Error is a failure already classified by the request layer. It is what
// callers hand to the pool when asking for a replacement node.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("code %d: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New classifies cause under the given code.
func New(code int, cause error) *Error {
	e := &Error{Code: code, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Network classifies cause as a network error.
func Network(cause error) *Error { return New(CodeNetwork, cause) }

// IsConnectionFailure reports whether err is a classified failure that
// warrants switching to another node: either the network error code or a
// connect timeout underneath.
func IsConnectionFailure(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Code == CodeNetwork {
		return true
	}
	return IsConnectTimeout(e.Cause)
}

// IsConnectTimeout reports whether err was caused by a dial that timed out.
func IsConnectTimeout(err error) bool {
	if err == nil {
		return false
	}
	var op *net.OpError
	if errors.As(err, &op) {
		return op.Op == "dial" && op.Timeout()
	}
	return false
}

// Selection reports that nothing in pool matches what.
func Selection(pool, what string) error {
	return errors.Wrapf(ErrSelection, "%s does not contain suitable node for %s", pool, what)
}

// Configuration reports an invalid option or an unknown strategy.
func Configuration(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Probe wraps a failed connectivity probe against endpoint.
func Probe(endpoint string, cause error) error {
	if cause == nil {
		cause = ErrProbe
	}
	return errors.Mark(errors.Wrapf(cause, "probe %s", endpoint), ErrProbe)
}

// Discovery wraps a failed metadata query against seed.
func Discovery(seed string, cause error) error {
	if cause == nil {
		cause = ErrDiscovery
	}
	return errors.Mark(errors.Wrapf(cause, "discover via %s", seed), ErrDiscovery)
}

// IsTransient reports whether err is the kind of I/O failure that marks a
// server as unreachable rather than misconfigured.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return IsConnectionFailure(err)
}
