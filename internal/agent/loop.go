package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reconmc/reconmc/internal/database"
	"github.com/reconmc/reconmc/internal/netx"
	"github.com/reconmc/reconmc/internal/scanner"
	"github.com/reconmc/reconmc/internal/socks"
)

// Loop timing. ScanDeadline is a hard cap: the scan future races a timer
// and loses unconditionally at 60 s.
const (
	HeartbeatInterval  = 30 * time.Second
	ScanDeadline       = 60 * time.Second
	reportAttempts     = 3
	reportDelayPerStep = 2 * time.Second
)

// ScanFunc matches scanner.Scan; tests substitute a fake.
type ScanFunc func(ctx context.Context, opts scanner.Options) (*scanner.Result, error)

// Loop is the agent dispatch loop: poll, claim, scan, report, repeat.
// Exactly one probe is in flight at a time.
type Loop struct {
	client       *Client
	scan         ScanFunc
	pollInterval time.Duration
	log          *slog.Logger
}

func NewLoop(client *Client, sc *scanner.Scanner, pollInterval time.Duration) *Loop {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Loop{
		client:       client,
		scan:         sc.Scan,
		pollInterval: pollInterval,
		log:          slog.Default(),
	}
}

// Run registers, then polls until ctx is cancelled. A cancellation arriving
// mid-item lets the item finish and report before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	name, err := l.client.Register(ctx)
	if err != nil {
		return fmt.Errorf("register with coordinator: %w", err)
	}
	l.log.Info("registered with coordinator", "agent_name", name)

	// Heartbeats run beside the scan so a 60-second probe cannot let the
	// registration expire.
	go l.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			l.log.Info("shutting down")
			return nil
		default:
		}

		work, err := l.client.Claim(ctx)
		if err != nil {
			l.log.Warn("claim failed", "error", err)
			l.sleep(ctx)
			continue
		}
		if work == nil {
			l.sleep(ctx)
			continue
		}

		// The in-flight item survives a shutdown signal: its reporting
		// context is detached from ctx cancellation.
		l.handle(context.WithoutCancel(ctx), work)
	}
}

func (l *Loop) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.client.Heartbeat(ctx, nil, nil); err != nil {
				l.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (l *Loop) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(l.pollInterval):
	}
}

// handle runs one claimed probe and reports exactly one terminal outcome.
func (l *Loop) handle(ctx context.Context, work *database.ClaimedWork) {
	buf := NewLogBuffer(slog.Default().Handler())
	taskLog := buf.Logger().With("queue_id", work.QueueID, "server", work.ServerAddress)
	taskLog.Info("starting scan")

	busy := database.AgentBusy
	if err := l.client.Heartbeat(ctx, &busy, &work.QueueID); err != nil {
		taskLog.Warn("busy heartbeat failed", "error", err)
	}

	result := l.runScan(ctx, work, taskLog)

	if result.Success {
		taskLog.Info("scan succeeded", "attempts", result.Attempts, "latency_ms", result.Status.Latency)
		l.report(ctx, work.QueueID, taskLog, func() error {
			return l.client.Complete(ctx, work.QueueID, result)
		})
	} else {
		taskLog.Warn("scan failed", "attempts", result.Attempts, "kind", result.ErrorKind, "error", result.Error)
		l.report(ctx, work.QueueID, taskLog, func() error {
			return l.client.Fail(ctx, work.QueueID, result.Error)
		})
	}

	idle := database.AgentIdle
	if err := l.client.Heartbeat(ctx, &idle, nil); err != nil {
		taskLog.Warn("idle heartbeat failed", "error", err)
	}

	if err := l.client.ShipLogs(ctx, work.QueueID, buf.Drain()); err != nil {
		l.log.Warn("shipping task logs failed", "queue_id", work.QueueID, "error", err)
	}
}

// runScan races the scan against the hard deadline.
func (l *Loop) runScan(ctx context.Context, work *database.ClaimedWork, taskLog *slog.Logger) *scanner.Result {
	scanCtx, cancel := context.WithTimeout(ctx, ScanDeadline)
	defer cancel()

	host := work.ServerAddress
	if host == "" {
		host = work.ResolvedIP
	}

	opts := scanner.Options{
		Host:      host,
		Port:      work.Port,
		Ping:      true,
		SRVLookup: work.Hostname != "" && work.Port == netx.DefaultPort,
		Proxy: socks.Proxy{
			Host:     work.Proxy.Host,
			Port:     work.Proxy.Port,
			Type:     work.Proxy.Type,
			Username: work.Proxy.Username.String,
			Password: work.Proxy.Password.String,
		},
	}

	done := make(chan *scanner.Result, 1)
	go func() {
		res, _ := l.scan(scanCtx, opts)
		done <- res
	}()

	select {
	case res := <-done:
		if res == nil {
			res = &scanner.Result{
				Host: host, Port: work.Port, Timestamp: time.Now(),
				Error: "scan aborted", ErrorKind: scanner.ErrKindTimeout,
			}
		}
		return res
	case <-scanCtx.Done():
		taskLog.Warn("scan hit hard deadline", "deadline", ScanDeadline)
		return &scanner.Result{
			Host: host, Port: work.Port, Timestamp: time.Now(),
			Error: fmt.Sprintf("scan exceeded %s hard deadline", ScanDeadline), ErrorKind: scanner.ErrKindTimeout,
		}
	}
}

// report delivers one terminal outcome with the fixed retry schedule
// (2 s after the first failure, 4 s after the second). Exhausting the
// retries is CRITICAL but not fatal:
// the coordinator sweep will fail the item eventually.
func (l *Loop) report(ctx context.Context, queueID string, taskLog *slog.Logger, send func() error) {
	var err error
	for attempt := 1; attempt <= reportAttempts; attempt++ {
		if err = send(); err == nil {
			return
		}
		taskLog.Warn("terminal report failed", "attempt", attempt, "error", err)
		if attempt < reportAttempts {
			time.Sleep(time.Duration(attempt) * reportDelayPerStep)
		}
	}
	taskLog.Error("CRITICAL: terminal report abandoned, item left for the sweep",
		"queue_id", queueID, "error", err)
}
