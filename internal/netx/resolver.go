// Package netx provides server-address parsing and SSRF-safe DNS
// resolution. Every destination admitted to the queue or dialed by an
// agent passes through the private-range guard here.
package netx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// DefaultPort is the Minecraft default server port.
const DefaultPort = 25565

// ErrPrivateIP marks a destination that resolved only into private or
// reserved address space.
var ErrPrivateIP = errors.New("netx: address resolves to a private or reserved range")

// privateNets are the ranges the scanner must never touch: loopback,
// link-local, RFC1918, CGNAT, multicast, reserved, unspecified, broadcast
// and their IPv6 equivalents.
var privateNets []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"169.254.0.0/16",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"0.0.0.0/32",
		"255.255.255.255/32",
		"::1/128",
		"::/128",
		"fe80::/10",
		"fc00::/7",
		"ff00::/8",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("netx: bad builtin cidr %q: %v", cidr, err))
		}
		privateNets = append(privateNets, n)
	}
}

// IsPrivateIP reports whether ip falls in any guarded range.
func IsPrivateIP(ip net.IP) bool {
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseServerAddress splits "host[:port]" and clamps the port: missing,
// unparseable or non-positive ports become 25565; ports above 65535 clamp
// to 65535. Bracketed IPv6 literals are accepted.
func ParseServerAddress(s string) (string, int) {
	s = strings.TrimSpace(s)

	// Bracketed IPv6: [::a]:25565 or bare [::a].
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]"); end > 0 {
			host := s[1:end]
			rest := s[end+1:]
			if strings.HasPrefix(rest, ":") {
				return host, clampPort(rest[1:])
			}
			return host, DefaultPort
		}
	}

	// Unbracketed IPv6 literals contain multiple colons and carry no port.
	if strings.Count(s, ":") > 1 {
		return s, DefaultPort
	}

	host, portStr, found := strings.Cut(s, ":")
	if !found {
		return s, DefaultPort
	}
	return host, clampPort(portStr)
}

func clampPort(s string) int {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p <= 0 {
		return DefaultPort
	}
	if p > 65535 {
		return 65535
	}
	return p
}

// Resolver answers A/AAAA and SRV queries against the configured upstream
// nameservers.
type Resolver struct {
	client  *dns.Client
	servers []string
}

// NewResolver loads the system resolver configuration; when resolv.conf is
// unreadable it falls back to well-known public resolvers.
func NewResolver() *Resolver {
	servers := []string{"1.1.1.1:53", "8.8.8.8:53"}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		servers = servers[:0]
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	return &Resolver{client: new(dns.Client), servers: servers}
}

// NewResolverWithServers pins the upstream servers; used by tests.
func NewResolverWithServers(servers ...string) *Resolver {
	return &Resolver{client: new(dns.Client), servers: servers}
}

// ResolveServerIP resolves host to the first public IP address. Literal
// IPs skip DNS and only pass the private-range check. When every answer is
// private, ErrPrivateIP is returned.
func (r *Resolver) ResolveServerIP(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return "", fmt.Errorf("%w: %s", ErrPrivateIP, host)
		}
		return ip.String(), nil
	}

	var sawAnswer bool
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.lookup(ctx, host, qtype)
		if err != nil {
			continue
		}
		for _, ip := range addrs {
			sawAnswer = true
			if !IsPrivateIP(ip) {
				return ip.String(), nil
			}
		}
	}
	if sawAnswer {
		return "", fmt.Errorf("%w: %s", ErrPrivateIP, host)
	}
	return "", fmt.Errorf("netx: cannot resolve %q", host)
}

// LookupMinecraftSRV queries _minecraft._tcp.<host> and returns the target
// and port of the first SRV answer. ok=false means no usable record.
func (r *Resolver) LookupMinecraftSRV(ctx context.Context, host string) (string, int, bool) {
	name := dns.Fqdn("_minecraft._tcp." + host)
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)
	msg.RecursionDesired = true

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return "", 0, false
	}
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok && srv.Target != "." {
			return strings.TrimSuffix(srv.Target, "."), int(srv.Port), true
		}
	}
	return "", 0, false
}

func (r *Resolver) lookup(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, rr := range resp.Answer {
		switch a := rr.(type) {
		case *dns.A:
			out = append(out, a.A)
		case *dns.AAAA:
			out = append(out, a.AAAA)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("netx: no %s records for %q", dns.TypeToString[qtype], host)
	}
	return out, nil
}

// exchange tries each upstream in order until one answers.
func (r *Resolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("netx: upstream %s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("netx: no upstream resolvers configured")
	}
	return nil, lastErr
}
