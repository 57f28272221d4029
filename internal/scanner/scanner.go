// Package scanner executes one Minecraft server probe: SOCKS tunnel,
// handshake + status exchange, optional ping, retries with exponential
// delay.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/reconmc/reconmc/internal/mcproto"
	"github.com/reconmc/reconmc/internal/netx"
	"github.com/reconmc/reconmc/internal/socks"
)

// Defaults applied by Scan when an Options field is zero.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultRetries    = 3
	DefaultRetryDelay = time.Second

	maxRetryDelay = 30 * time.Second
	readChunkSize = 4096
)

// Error kinds recorded in Result.ErrorKind.
const (
	ErrKindDNS     = "DNSError"
	ErrKindProxy   = "ProxyError"
	ErrKindTimeout = "TimeoutError"
	ErrKindFrame   = "FrameError"
	ErrKindJSON    = "JSONError"
	ErrKindNetwork = "NetworkError"
)

// Options configures a single probe.
type Options struct {
	Host            string
	Port            int
	Timeout         time.Duration // per-attempt budget, covers connect + exchange
	Retries         int
	RetryDelay      time.Duration
	ProtocolVersion int32
	Ping            bool
	SRVLookup       bool
	Proxy           socks.Proxy
}

// Status is the decoded server response. Raw is always preserved verbatim;
// Data is nil when the payload is not valid JSON. Latency is milliseconds,
// -1 when ping was disabled.
type Status struct {
	Raw     string         `json:"raw"`
	Data    map[string]any `json:"data"`
	Latency int64          `json:"latency"`
}

// Result is the outcome of one probe including retries.
type Result struct {
	Success    bool      `json:"success"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	ResolvedIP string    `json:"resolvedIp,omitempty"`
	Status     *Status   `json:"status,omitempty"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"errorKind,omitempty"`
}

// Scanner probes servers through leased proxies. The zero value is not
// usable; construct with New.
type Scanner struct {
	resolver *netx.Resolver
	dial     func(ctx context.Context, p socks.Proxy, host string, port int) (net.Conn, error)
	now      func() time.Time
}

// New returns a Scanner. resolver may be nil when SRV lookups are never
// requested.
func New(resolver *netx.Resolver) *Scanner {
	return &Scanner{resolver: resolver, dial: socks.Dial, now: time.Now}
}

// Scan runs the probe with retries. The returned Result is never nil; the
// error return is reserved for context cancellation.
func (s *Scanner) Scan(ctx context.Context, opts Options) (*Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ProtocolVersion == 0 {
		opts.ProtocolVersion = mcproto.DefaultProtocolVersion
	}
	if opts.Port <= 0 {
		opts.Port = netx.DefaultPort
	}

	target, targetPort := opts.Host, opts.Port

	// SRV records only apply when the caller did not pin a non-default
	// port, mirroring vanilla client behavior.
	if opts.SRVLookup && s.resolver != nil && opts.Port == netx.DefaultPort && net.ParseIP(opts.Host) == nil {
		if t, p, ok := s.resolver.LookupMinecraftSRV(ctx, opts.Host); ok {
			target, targetPort = t, p
		}
	}

	result := &Result{Host: opts.Host, Port: opts.Port, Timestamp: s.now()}
	if ip := net.ParseIP(target); ip != nil {
		result.ResolvedIP = ip.String()
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		result.Attempts = attempt

		status, err := s.attempt(ctx, opts, target, targetPort)
		if err == nil {
			result.Success = true
			result.Status = status
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if attempt < opts.Retries {
			delay := opts.RetryDelay << uint(attempt-1)
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}

	result.Error = lastErr.Error()
	result.ErrorKind = classify(lastErr)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// attempt performs one tunnel + exchange cycle.
func (s *Scanner) attempt(ctx context.Context, opts Options, target string, targetPort int) (*Status, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := s.dial(attemptCtx, opts.Proxy, target, targetPort)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := s.now().Add(opts.Timeout)
	conn.SetDeadline(deadline)

	if _, err := conn.Write(mcproto.HandshakePacket(opts.ProtocolVersion, target, uint16(targetPort))); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	if _, err := conn.Write(mcproto.StatusRequestPacket()); err != nil {
		return nil, fmt.Errorf("write status request: %w", err)
	}

	fr := mcproto.NewFramer()
	status := &Status{Latency: -1}
	var haveStatus, wantPong bool

	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		events, err := fr.Feed(buf[:n])
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			switch ev.Kind {
			case mcproto.EventStatus:
				status.Raw = ev.Status
				haveStatus = true
			case mcproto.EventPong:
				status.Latency = ev.Latency.Milliseconds()
				wantPong = false
			}
		}

		if haveStatus && opts.Ping && !wantPong && status.Latency < 0 {
			if _, err := conn.Write(mcproto.PingPacket(s.now().UnixMilli())); err != nil {
				return nil, fmt.Errorf("write ping: %w", err)
			}
			wantPong = true
			events, err := fr.MarkPingSent()
			if err != nil {
				return nil, err
			}
			for _, ev := range events {
				if ev.Kind == mcproto.EventPong {
					status.Latency = ev.Latency.Milliseconds()
					wantPong = false
				}
			}
		}

		if haveStatus && (!opts.Ping || (!wantPong && status.Latency >= 0)) {
			break
		}
	}

	// A server that violates the JSON schema still yields a successful
	// scan: the raw payload is kept and Data stays nil.
	var data map[string]any
	if err := json.Unmarshal([]byte(status.Raw), &data); err == nil {
		status.Data = data
	}
	return status, nil
}

// classify maps an attempt error onto the reporting taxonomy.
func classify(err error) string {
	var perr *socks.ProxyError
	var nerr net.Error
	switch {
	case errors.Is(err, mcproto.ErrOversizedPacket), errors.Is(err, mcproto.ErrMalformedVarInt):
		return ErrKindFrame
	case errors.As(err, &perr):
		return ErrKindProxy
	case errors.Is(err, netx.ErrPrivateIP):
		return ErrKindDNS
	case errors.As(err, &nerr) && nerr.Timeout(),
		errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	default:
		return ErrKindNetwork
	}
}
