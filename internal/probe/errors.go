package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorKind 是失败原因的稳定名称，直接作为 JSON 中 error 字段的值。
type ErrorKind string

const (
	KindNone ErrorKind = ""

	KindDNSFailure     ErrorKind = "DnsFailure"
	KindConnectTimeout ErrorKind = "ConnectTimeout"
	KindConnectRefused ErrorKind = "ConnectRefused"
	// KindConnectFailed covers dial errors that are neither a timeout nor a
	// refusal, e.g. an unreachable local route.
	KindConnectFailed ErrorKind = "ConnectFailed"

	KindNegotiationTimeout     ErrorKind = "NegotiationTimeout"
	KindProtocolViolation      ErrorKind = "ProtocolViolation"
	KindNoAcceptableAuthMethod ErrorKind = "NoAcceptableAuthMethod"
	KindAuthFailed             ErrorKind = "AuthFailed"
	KindProxyRejected          ErrorKind = "ProxyRejected"

	KindSocks5GeneralFailure          ErrorKind = "Socks5GeneralFailure"
	KindSocks5RuleDenied              ErrorKind = "Socks5RuleDenied"
	KindSocks5NetworkUnreachable      ErrorKind = "Socks5NetworkUnreachable"
	KindSocks5HostUnreachable         ErrorKind = "Socks5HostUnreachable"
	KindSocks5ConnectionRefused       ErrorKind = "Socks5ConnectionRefused"
	KindSocks5TTLExpired              ErrorKind = "Socks5TTLExpired"
	KindSocks5CommandNotSupported     ErrorKind = "Socks5CommandNotSupported"
	KindSocks5AddressTypeNotSupported ErrorKind = "Socks5AddressTypeNotSupported"

	KindForwardingFailed ErrorKind = "ForwardingFailed"
)

// SOCKS5 reply codes, RFC 1928 section 6.
var socks5ReplyKinds = map[byte]ErrorKind{
	0x01: KindSocks5GeneralFailure,
	0x02: KindSocks5RuleDenied,
	0x03: KindSocks5NetworkUnreachable,
	0x04: KindSocks5HostUnreachable,
	0x05: KindSocks5ConnectionRefused,
	0x06: KindSocks5TTLExpired,
	0x07: KindSocks5CommandNotSupported,
	0x08: KindSocks5AddressTypeNotSupported,
}

// Error 携带失败分类、失败的步骤以及底层错误。
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, or KindNone when err carries none.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNone
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyDial maps a resolve/dial error to one of the connect kinds.
func classifyDial(op string, err error) *Error {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		return newError(KindDNSFailure, op, err)
	case isTimeout(err), errors.Is(err, context.Canceled):
		return newError(KindConnectTimeout, op, err)
	case isRefused(err):
		return newError(KindConnectRefused, op, err)
	default:
		return newError(KindConnectFailed, op, err)
	}
}

// classifyIO maps an error from a read or write during negotiation. Anything
// other than a deadline (EOF, short read, reset) means the peer does not speak
// the protocol we expect.
func classifyIO(op string, err error) *Error {
	if isTimeout(err) {
		return newError(KindNegotiationTimeout, op, err)
	}
	return newError(KindProtocolViolation, op, err)
}
