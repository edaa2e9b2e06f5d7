package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/net/idna"
)

// https://www.ietf.org/rfc/rfc1928.txt, https://www.ietf.org/rfc/rfc1929.txt
const (
	socks5Version    = 0x05
	userPassVersion  = 0x01
	authNone         = 0x00
	authPassword     = 0x02
	authNoAcceptable = 0xFF
	cmdConnect       = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// NegotiationState is the position of a SOCKS5 client handshake.
type NegotiationState int

const (
	StateInit NegotiationState = iota
	StateMethodsSent
	StateMethodChosen
	StateAuthSent
	StateAuthAck
	StateRequestSent
	StateEstablished
)

var stateNames = [...]string{"Init", "MethodsSent", "MethodChosen", "AuthSent", "AuthAck", "RequestSent", "Established"}

func (s NegotiationState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

var errDomainTooLong = errors.New("destination domain longer than 255 bytes")

// socks5Negotiator 驱动一次 SOCKS5 客户端握手，用完即弃。
type socks5Negotiator struct {
	conn     net.Conn
	user     string
	pass     string
	hasAuth  bool
	remote   bool // SOCKS5H: 目标域名交给代理解析
	resolver Resolver

	state  NegotiationState
	method byte
	bound  string
}

func newSocks5Negotiator(conn net.Conn, t Target, resolver Resolver) *socks5Negotiator {
	user, pass := t.credentials()
	return &socks5Negotiator{
		conn:     conn,
		user:     user,
		pass:     pass,
		hasAuth:  t.HasAuth(),
		remote:   t.Scheme == SchemeSOCKS5H,
		resolver: resolver,
	}
}

// negotiate runs the state machine until the tunnel to host:port is
// established or a step fails.
func (n *socks5Negotiator) negotiate(ctx context.Context, host string, port uint16) error {
	for n.state != StateEstablished {
		if err := n.step(ctx, host, port); err != nil {
			return err
		}
	}
	return nil
}

func (n *socks5Negotiator) step(ctx context.Context, host string, port uint16) error {
	switch n.state {
	case StateInit:
		greeting := []byte{socks5Version, 1, authNone}
		if n.hasAuth {
			greeting = []byte{socks5Version, 2, authNone, authPassword}
		}
		if _, err := n.conn.Write(greeting); err != nil {
			return classifyIO("socks5 send methods", err)
		}
		n.state = StateMethodsSent

	case StateMethodsSent:
		var reply [2]byte
		if _, err := io.ReadFull(n.conn, reply[:]); err != nil {
			return classifyIO("socks5 read method", err)
		}
		if reply[0] != socks5Version {
			return newError(KindProtocolViolation, "socks5 read method", fmt.Errorf("unexpected version 0x%02x", reply[0]))
		}
		switch {
		case reply[1] == authNoAcceptable:
			return newError(KindNoAcceptableAuthMethod, "socks5 read method", nil)
		case reply[1] == authNone, reply[1] == authPassword && n.hasAuth:
			n.method = reply[1]
		default:
			return newError(KindProtocolViolation, "socks5 read method", fmt.Errorf("server chose method 0x%02x we did not offer", reply[1]))
		}
		n.state = StateMethodChosen

	case StateMethodChosen:
		if n.method != authPassword {
			return n.sendRequest(ctx, host, port)
		}
		req := make([]byte, 0, 3+len(n.user)+len(n.pass))
		req = append(req, userPassVersion, byte(len(n.user)))
		req = append(req, n.user...)
		req = append(req, byte(len(n.pass)))
		req = append(req, n.pass...)
		if _, err := n.conn.Write(req); err != nil {
			return classifyIO("socks5 send auth", err)
		}
		n.state = StateAuthSent

	case StateAuthSent:
		var reply [2]byte
		if _, err := io.ReadFull(n.conn, reply[:]); err != nil {
			return classifyIO("socks5 read auth", err)
		}
		// 有些服务端在这里回的是 0x05 而不是 0x01
		if reply[0] != userPassVersion && reply[0] != socks5Version {
			return newError(KindProtocolViolation, "socks5 read auth", fmt.Errorf("unexpected auth version 0x%02x", reply[0]))
		}
		if reply[1] != 0x00 {
			return newError(KindAuthFailed, "socks5 read auth", fmt.Errorf("status 0x%02x", reply[1]))
		}
		n.state = StateAuthAck

	case StateAuthAck:
		return n.sendRequest(ctx, host, port)

	case StateRequestSent:
		if err := n.readReply(); err != nil {
			return err
		}
		n.state = StateEstablished
	}
	return nil
}

func (n *socks5Negotiator) sendRequest(ctx context.Context, host string, port uint16) error {
	addr, err := n.encodeDestination(ctx, host)
	if err != nil {
		return err
	}
	req := make([]byte, 0, 3+len(addr)+2)
	req = append(req, socks5Version, cmdConnect, 0x00)
	req = append(req, addr...)
	req = binary.BigEndian.AppendUint16(req, port)
	if _, err := n.conn.Write(req); err != nil {
		return classifyIO("socks5 send request", err)
	}
	n.state = StateRequestSent
	return nil
}

// encodeDestination returns ATYP followed by the address bytes. SOCKS5H sends
// domains as is; plain SOCKS5 resolves them locally first.
func (n *socks5Negotiator) encodeDestination(ctx context.Context, host string) ([]byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		return encodeIP(ip), nil
	}
	if n.remote {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			ascii = host
		}
		if len(ascii) > 255 {
			return nil, newError(KindProtocolViolation, "socks5 encode destination", errDomainTooLong)
		}
		out := make([]byte, 0, 2+len(ascii))
		out = append(out, atypDomain, byte(len(ascii)))
		return append(out, ascii...), nil
	}
	ips, err := resolve(ctx, n.resolver, host)
	if err != nil {
		if isTimeout(err) {
			return nil, newError(KindNegotiationTimeout, "resolve destination", err)
		}
		return nil, newError(KindDNSFailure, "resolve destination", err)
	}
	return encodeIP(ips[0]), nil
}

func encodeIP(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return append([]byte{atypIPv4}, v4...)
	}
	return append([]byte{atypIPv6}, ip.To16()...)
}

// readReply reads VER REP RSV ATYP BND.ADDR BND.PORT. The reply code is
// checked before the address because failing servers often stop after it.
func (n *socks5Negotiator) readReply() error {
	const op = "socks5 read reply"
	var head [4]byte
	if _, err := io.ReadFull(n.conn, head[:]); err != nil {
		return classifyIO(op, err)
	}
	if head[0] != socks5Version {
		return newError(KindProtocolViolation, op, fmt.Errorf("unexpected version 0x%02x", head[0]))
	}
	if head[1] != 0x00 {
		if kind, ok := socks5ReplyKinds[head[1]]; ok {
			return newError(kind, op, nil)
		}
		return newError(KindProtocolViolation, op, fmt.Errorf("unknown reply code 0x%02x", head[1]))
	}

	var addrLen int
	switch head[3] {
	case atypIPv4:
		addrLen = net.IPv4len
	case atypIPv6:
		addrLen = net.IPv6len
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(n.conn, l[:]); err != nil {
			return classifyIO(op, err)
		}
		addrLen = int(l[0])
	default:
		return newError(KindProtocolViolation, op, fmt.Errorf("unknown address type 0x%02x", head[3]))
	}

	buf := make([]byte, addrLen+2)
	if _, err := io.ReadFull(n.conn, buf); err != nil {
		return classifyIO(op, err)
	}
	boundPort := binary.BigEndian.Uint16(buf[addrLen:])
	var boundHost string
	if head[3] == atypDomain {
		boundHost = string(buf[:addrLen])
	} else {
		ip := net.IP(buf[:addrLen])
		if ip.IsUnspecified() {
			return nil
		}
		boundHost = ip.String()
	}
	n.bound = net.JoinHostPort(boundHost, strconv.Itoa(int(boundPort)))
	return nil
}
