package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/reconmc/reconmc/internal/metrics"
	"github.com/reconmc/reconmc/internal/netx"
	"github.com/reconmc/reconmc/internal/sanitize"
)

// ErrNotFound is the store-level 404.
var ErrNotFound = errors.New("database: not found")

// ScanHistoryCap bounds the per-server history list.
const ScanHistoryCap = 100

// Resolver is the slice of netx.Resolver that admission needs; tests
// substitute a fake.
type Resolver interface {
	ResolveServerIP(ctx context.Context, host string) (string, error)
}

// QueueStore implements admission, dedup and the claim/complete/fail state
// machine over the scan_queue table.
type QueueStore struct {
	db       *sqlx.DB
	resolver Resolver
}

func NewQueueStore(db *sqlx.DB, resolver Resolver) *QueueStore {
	return &QueueStore{db: db, resolver: resolver}
}

// QueuedItem is the admission echo for one accepted address.
type QueuedItem struct {
	ID            string `json:"id"`
	ServerAddress string `json:"serverAddress"`
	ResolvedIP    string `json:"resolvedIp"`
	Port          int    `json:"port"`
}

// AdmissionResult aggregates one AddServers batch.
type AdmissionResult struct {
	Added   int          `json:"added"`
	Skipped int          `json:"skipped"`
	Queued  []QueuedItem `json:"queued"`
}

type admissionKey struct {
	resolvedIP string
	port       int
	hostname   string // "" when the input was an IP literal
}

// AddServers admits a batch of "host[:port]" strings: parse, resolve,
// SSRF-guard, dedup within the batch and against non-terminal queue rows,
// then insert the survivors as pending. Private and unresolvable inputs
// are silently dropped; duplicates count as skipped.
func (s *QueueStore) AddServers(ctx context.Context, inputs []string) (*AdmissionResult, error) {
	result := &AdmissionResult{Queued: []QueuedItem{}}
	seen := make(map[admissionKey]bool)

	type candidate struct {
		key      admissionKey
		address  string
		hostname NullString
	}
	var candidates []candidate

	for _, raw := range inputs {
		host, port := netx.ParseServerAddress(raw)
		if host == "" {
			metrics.AdmissionTotal.WithLabelValues("invalid").Inc()
			continue
		}

		var hostname NullString
		if net.ParseIP(host) == nil {
			hostname = NewNullString(host)
		}

		ip, err := s.resolver.ResolveServerIP(ctx, host)
		if err != nil {
			if errors.Is(err, netx.ErrPrivateIP) {
				metrics.AdmissionTotal.WithLabelValues("private").Inc()
			} else {
				slog.Debug("admission resolve failed", "host", sanitize.ErrorMessage(host), "error", err)
				metrics.AdmissionTotal.WithLabelValues("invalid").Inc()
			}
			continue
		}

		key := admissionKey{resolvedIP: ip, port: port, hostname: hostname.String}
		if seen[key] {
			result.Skipped++
			metrics.AdmissionTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		seen[key] = true
		candidates = append(candidates, candidate{key: key, address: host, hostname: hostname})
	}

	for _, c := range candidates {
		id := uuid.NewString()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO scan_queue (id, server_address, hostname, resolved_ip, port)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (resolved_ip, port, COALESCE(hostname, '')) DO NOTHING`,
			id, c.address, c.hostname, c.key.resolvedIP, c.key.port)
		if err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", c.address, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.Skipped++
			metrics.AdmissionTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		result.Added++
		metrics.AdmissionTotal.WithLabelValues("added").Inc()
		result.Queued = append(result.Queued, QueuedItem{
			ID:            id,
			ServerAddress: c.address,
			ResolvedIP:    c.key.resolvedIP,
			Port:          c.key.port,
		})
	}
	return result, nil
}

// Claim hands one pending item to agentID, leasing a proxy and an account
// in the same transaction. Returns (nil, nil) when the queue is empty or
// no resources are free — in the latter case the transaction is rolled
// back so the item stays pending for another claimer.
func (s *QueueStore) Claim(ctx context.Context, agentID string) (*ClaimedWork, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var agent Agent
	err = tx.GetContext(ctx, &agent, `SELECT * FROM agents WHERE id = $1 FOR UPDATE`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	var item QueueItem
	err = tx.GetContext(ctx, &item, `
		SELECT * FROM scan_queue
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending item: %w", err)
	}

	lease, err := allocate(ctx, tx)
	if errors.Is(err, ErrNoResources) {
		metrics.ClaimsTotal.WithLabelValues("no_resources").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE scan_queue
		SET status = 'processing',
		    assigned_agent_id = $2,
		    assigned_proxy_id = $3,
		    assigned_account_id = $4,
		    started_at = now()
		WHERE id = $1`,
		item.ID, agentID, lease.Proxy.ID, lease.Account.ID); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET status = 'busy', current_queue_id = $2
		WHERE id = $1`, agentID, item.ID); err != nil {
		return nil, fmt.Errorf("mark agent busy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	return &ClaimedWork{
		QueueID:       item.ID,
		ServerAddress: item.ServerAddress,
		Hostname:      item.Hostname.String,
		ResolvedIP:    item.ResolvedIP,
		Port:          item.Port,
		Proxy:         lease.Proxy,
		Account:       lease.Account,
	}, nil
}

// Complete records a successful scan: history upsert, lease release, agent
// reset, row delete — one transaction, release strictly before delete.
func (s *QueueStore) Complete(ctx context.Context, queueID string, result json.RawMessage) error {
	return s.finalize(ctx, queueID, result, "")
}

// Fail records a failed scan the same way, with a sanitized error message
// and a null latest result.
func (s *QueueStore) Fail(ctx context.Context, queueID, errorMessage string) error {
	return s.finalize(ctx, queueID, nil, sanitize.ErrorMessage(errorMessage))
}

func (s *QueueStore) finalize(ctx context.Context, queueID string, result json.RawMessage, errorMessage string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var item QueueItem
	err = tx.GetContext(ctx, &item, `
		SELECT * FROM scan_queue
		WHERE id = $1 AND status = 'processing'
		FOR UPDATE`, queueID)
	if errors.Is(err, sql.ErrNoRows) {
		// Already finalized, swept, or never claimed: idempotent no-op.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}

	entry := ScanHistoryEntry{
		Timestamp:    time.Now().UTC(),
		Result:       result,
		ErrorMessage: errorMessage,
	}
	if err := upsertServerHistory(ctx, tx, &item, entry); err != nil {
		return err
	}

	outcome := "completed"
	counter := `UPDATE queue_counters SET completed = completed + 1`
	if errorMessage != "" {
		outcome = "failed"
		counter = `UPDATE queue_counters SET failed = failed + 1`
	}
	if _, err := tx.ExecContext(ctx, counter); err != nil {
		return fmt.Errorf("bump counters: %w", err)
	}

	// Release the lease and detach the agent before the row goes away, so
	// a concurrent reader never sees a deleted item holding usage.
	if err := release(ctx, tx, item.AssignedProxyID.String, item.AssignedAccountID.String); err != nil {
		return err
	}
	if item.AssignedAgentID.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET status = 'idle', current_queue_id = NULL
			WHERE id = $1`, item.AssignedAgentID.String); err != nil {
			return fmt.Errorf("reset agent: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scan_queue WHERE id = $1`, queueID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.ScansTotal.WithLabelValues(outcome).Inc()
	return nil
}

// upsertServerHistory prepends the entry to the destination's history row,
// creating the row on first contact and capping history at ScanHistoryCap.
func upsertServerHistory(ctx context.Context, tx *sqlx.Tx, item *QueueItem, entry ScanHistoryEntry) error {
	var server Server
	err := tx.GetContext(ctx, &server, `
		SELECT * FROM servers
		WHERE resolved_ip = $1 AND port = $2 AND hostname IS NOT DISTINCT FROM $3
		FOR UPDATE`,
		item.ResolvedIP, item.Port, item.Hostname)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		history, merr := json.Marshal([]ScanHistoryEntry{entry})
		if merr != nil {
			return fmt.Errorf("marshal history: %w", merr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO servers (id, server_address, hostname, resolved_ip, port,
			                     last_scanned_at, scan_count, latest_result, scan_history)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)`,
			uuid.NewString(), item.ServerAddress, item.Hostname, item.ResolvedIP,
			item.Port, entry.Timestamp, nullableJSON(entry.Result), history)
		if err != nil {
			return fmt.Errorf("insert server: %w", err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("load server: %w", err)
	}

	var history []ScanHistoryEntry
	if len(server.ScanHistory) > 0 {
		if err := json.Unmarshal(server.ScanHistory, &history); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
	}
	history = append([]ScanHistoryEntry{entry}, history...)
	if len(history) > ScanHistoryCap {
		history = history[:ScanHistoryCap]
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE servers
		SET scan_count = scan_count + 1,
		    last_scanned_at = $2,
		    latest_result = $3,
		    scan_history = $4
		WHERE id = $1`,
		server.ID, entry.Timestamp, nullableJSON(entry.Result), raw)
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	return nil
}

// nullableJSON maps an absent result onto SQL NULL instead of the empty
// string (which JSONB would reject).
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Stats serves GET /api/queue.
func (s *QueueStore) Stats(ctx context.Context) (*QueueStats, error) {
	var stats QueueStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			(SELECT count(*) FROM scan_queue WHERE status = 'pending')    AS pending,
			(SELECT count(*) FROM scan_queue WHERE status = 'processing') AS processing,
			(SELECT completed FROM queue_counters)                        AS completed,
			(SELECT failed FROM queue_counters)                           AS failed,
			(SELECT count(*) FROM servers)                                AS total_servers`)
	if err != nil {
		return nil, err
	}
	metrics.QueuePending.Set(float64(stats.Pending))
	metrics.QueueProcessing.Set(float64(stats.Processing))
	return &stats, nil
}

// FailStuck fails every item that has been processing longer than
// threshold. The sweep path for agents that died mid-scan.
func (s *QueueStore) FailStuck(ctx context.Context, threshold time.Duration) (int, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM scan_queue
		WHERE status = 'processing' AND started_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.Fail(ctx, id, "scan timed out: agent never reported a result"); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
