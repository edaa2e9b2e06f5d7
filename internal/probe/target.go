// Package probe checks whether an HTTP or SOCKS5 proxy is alive: it connects,
// negotiates a tunnel, optionally sends a request through it and reports the
// outcome as a Result.
package probe

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Scheme 是被探测代理的协议。
type Scheme uint8

const (
	SchemeHTTP Scheme = iota
	SchemeSOCKS5
	// SchemeSOCKS5H 把目标域名原样交给代理解析。
	SchemeSOCKS5H
)

func (s Scheme) String() string {
	switch s {
	case SchemeHTTP:
		return "http"
	case SchemeSOCKS5:
		return "socks5"
	case SchemeSOCKS5H:
		return "socks5h"
	default:
		return "scheme(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseScheme accepts the URL scheme spelling used in proxy lists.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(s) {
	case "http", "https":
		return SchemeHTTP, nil
	case "socks5":
		return SchemeSOCKS5, nil
	case "socks5h":
		return SchemeSOCKS5H, nil
	}
	return 0, fmt.Errorf("unsupported proxy scheme %q", s)
}

var (
	ErrEmptyHost           = errors.New("proxy host is empty")
	ErrZeroPort            = errors.New("proxy port is zero")
	ErrPasswordWithoutUser = errors.New("password given without username")
	ErrCredentialTooLong   = errors.New("username or password longer than 255 bytes")
)

// Target 描述一次探测的代理端点，构造后不可修改。
type Target struct {
	Host     string
	Port     uint16
	Username *string
	Password *string
	Scheme   Scheme
}

// NewTarget validates its arguments and builds a Target. Invalid input is a
// caller bug, so it is reported as an error rather than as a failed probe.
func NewTarget(scheme Scheme, host string, port uint16, username, password *string) (Target, error) {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return Target{}, ErrEmptyHost
	}
	if port == 0 {
		return Target{}, ErrZeroPort
	}
	if scheme > SchemeSOCKS5H {
		return Target{}, fmt.Errorf("unsupported proxy scheme %d", scheme)
	}
	if password != nil && username == nil {
		return Target{}, ErrPasswordWithoutUser
	}
	if (username != nil && len(*username) > 255) || (password != nil && len(*password) > 255) {
		return Target{}, ErrCredentialTooLong
	}
	return Target{
		Host:     host,
		Port:     port,
		Username: copyString(username),
		Password: copyString(password),
		Scheme:   scheme,
	}, nil
}

// Address returns host:port, bracketing IPv6 literals.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// HasAuth reports whether credentials were supplied.
func (t Target) HasAuth() bool {
	return t.Username != nil
}

func (t Target) credentials() (user, pass string) {
	if t.Username != nil {
		user = *t.Username
	}
	if t.Password != nil {
		pass = *t.Password
	}
	return user, pass
}

func (t Target) String() string {
	return t.Scheme.String() + "://" + t.Address()
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
