// Package socks establishes SOCKS4/SOCKS5 CONNECT tunnels for scan
// traffic. Every outbound probe goes through a tunnel; there is no direct
// dial path in this package.
package socks

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// Proxy types accepted by Dial.
const (
	TypeSOCKS4 = "socks4"
	TypeSOCKS5 = "socks5"
)

// DefaultConnectTimeout bounds tunnel establishment when the caller does
// not supply a deadline.
const DefaultConnectTimeout = 5 * time.Second

// Proxy describes one SOCKS endpoint from the coordinator's pool.
type Proxy struct {
	Host     string
	Port     int
	Type     string
	Username string
	Password string
}

func (p Proxy) addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ProxyError wraps a tunnel failure with both endpoints so scan failures
// name the proxy that broke, not just the destination.
type ProxyError struct {
	ProxyAddr string
	DestAddr  string
	Err       error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("socks tunnel via %s to %s: %v", e.ProxyAddr, e.DestAddr, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// Dial opens a CONNECT tunnel through p to destHost:destPort and returns
// the raw byte stream. The connect deadline comes from ctx if set,
// otherwise DefaultConnectTimeout applies.
func Dial(ctx context.Context, p Proxy, destHost string, destPort int) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	dest := net.JoinHostPort(destHost, strconv.Itoa(destPort))
	var (
		conn net.Conn
		err  error
	)
	switch p.Type {
	case TypeSOCKS5:
		conn, err = dialSOCKS5(ctx, p, dest)
	case TypeSOCKS4:
		conn, err = dialSOCKS4(ctx, p, destHost, destPort)
	default:
		err = fmt.Errorf("unsupported proxy type %q", p.Type)
	}
	if err != nil {
		return nil, &ProxyError{ProxyAddr: p.addr(), DestAddr: dest, Err: err}
	}
	return conn, nil
}

// dialSOCKS5 negotiates through x/net/proxy, which handles the version 5
// greeting and username/password auth.
func dialSOCKS5(ctx context.Context, p Proxy, dest string) (net.Conn, error) {
	var auth *proxy.Auth
	if p.Username != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	d, err := proxy.SOCKS5("tcp", p.addr(), auth, &net.Dialer{})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context")
	}
	return cd.DialContext(ctx, "tcp", dest)
}

// dialSOCKS4 speaks the version 4 CONNECT handshake directly; x/net/proxy
// only implements SOCKS5. SOCKS4 carries a raw IPv4 destination, so a
// hostname is first resolved locally to an IPv4 address, and IPv6
// destinations are rejected. The username field rides along as the SOCKS4
// userid.
func dialSOCKS4(ctx context.Context, p Proxy, destHost string, destPort int) (net.Conn, error) {
	ip := net.ParseIP(destHost)
	if ip == nil {
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", destHost)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("socks4 requires an IPv4 destination, cannot resolve %q: %v", destHost, err)
		}
		ip = addrs[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("socks4 cannot reach IPv6 destination %s", ip)
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", p.addr())
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// VN=4, CD=1 (CONNECT), DSTPORT, DSTIP, USERID, NUL
	req := []byte{0x04, 0x01}
	req = binary.BigEndian.AppendUint16(req, uint16(destPort))
	req = append(req, ip4...)
	req = append(req, p.Username...)
	req = append(req, 0x00)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 request: %w", err)
	}

	// Reply: VN=0, CD, DSTPORT, DSTIP (8 bytes total)
	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 reply: %w", err)
	}
	if reply[1] != 0x5A {
		conn.Close()
		return nil, fmt.Errorf("socks4 connect rejected: code 0x%02X", reply[1])
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}
