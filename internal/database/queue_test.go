package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconmc/reconmc/internal/netx"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "sqlmock"), mock
}

// fakeResolver resolves from a fixed table; unknown hosts error and hosts
// mapped to "" are reported private.
type fakeResolver struct {
	table map[string]string
}

func (r *fakeResolver) ResolveServerIP(_ context.Context, host string) (string, error) {
	ip, ok := r.table[host]
	if !ok {
		return "", fmt.Errorf("no such host %q", host)
	}
	if ip == "" {
		return "", netx.ErrPrivateIP
	}
	return ip, nil
}

func queueColumns() []string {
	return []string{"id", "server_address", "hostname", "resolved_ip", "port", "status",
		"assigned_agent_id", "assigned_proxy_id", "assigned_account_id",
		"created_at", "started_at", "error_message"}
}

func pendingItemRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows(queueColumns()).
		AddRow(id, "mc.example.com", "mc.example.com", "93.184.216.34", 25565, StatusPending,
			nil, nil, nil, time.Now(), nil, nil)
}

func processingItemRow(id, agentID, proxyID, accountID string) *sqlmock.Rows {
	return sqlmock.NewRows(queueColumns()).
		AddRow(id, "mc.example.com", "mc.example.com", "93.184.216.34", 25565, StatusProcessing,
			agentID, proxyID, accountID, time.Now(), time.Now(), nil)
}

func proxyColumns() []string {
	return []string{"id", "host", "port", "type", "username", "password",
		"max_concurrent", "current_usage", "is_active", "last_used_at"}
}

func accountColumns() []string {
	return []string{"id", "type", "username", "access_token", "refresh_token",
		"max_concurrent", "current_usage", "is_active", "is_valid",
		"last_validated_at", "last_used_at"}
}

func agentColumns() []string {
	return []string{"id", "display_name", "status", "current_queue_id", "last_heartbeat"}
}

// --------------------------------------------------------------------------
// Admission
// --------------------------------------------------------------------------

func TestAddServersDedupsWithinBatch(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, &fakeResolver{table: map[string]string{
		"mc.example.com": "93.184.216.34",
	}})

	// Both inputs share key (93.184.216.34, 25565, mc.example.com); only
	// one insert happens.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scan_queue")).
		WithArgs(sqlmock.AnyArg(), "mc.example.com", "mc.example.com", "93.184.216.34", 25565).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := store.AddServers(context.Background(), []string{"mc.example.com:25565", "mc.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Queued, 1)
	assert.Equal(t, "93.184.216.34", res.Queued[0].ResolvedIP)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddServersDropsPrivateSilently(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, &fakeResolver{table: map[string]string{"10.0.0.5": ""}})

	res, err := store.AddServers(context.Background(), []string{"10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 0, res.Skipped)
	assert.Empty(t, res.Queued)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddServersSkipsExistingQueueRow(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, &fakeResolver{table: map[string]string{
		"mc.example.com": "93.184.216.34",
	}})

	// ON CONFLICT DO NOTHING affects zero rows for the duplicate.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scan_queue")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := store.AddServers(context.Background(), []string{"mc.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 1, res.Skipped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddServersIPLiteralHasNullHostname(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, &fakeResolver{table: map[string]string{
		"93.184.216.34": "93.184.216.34",
	}})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scan_queue")).
		WithArgs(sqlmock.AnyArg(), "93.184.216.34", nil, "93.184.216.34", 25565).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := store.AddServers(context.Background(), []string{"93.184.216.34"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	require.NoError(t, mock.ExpectationsWereMet())
}

// --------------------------------------------------------------------------
// Claim
// --------------------------------------------------------------------------

func TestClaimSuccess(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM agents WHERE id = $1 FOR UPDATE")).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(agentColumns()).
			AddRow("agent-1", "Agent 1", AgentIdle, nil, time.Now()))
	mock.ExpectQuery("SELECT \\* FROM scan_queue").
		WillReturnRows(pendingItemRow("q-1"))
	mock.ExpectQuery("SELECT \\* FROM proxies").
		WillReturnRows(sqlmock.NewRows(proxyColumns()).
			AddRow("p-1", "5.6.7.8", 1080, ProxySOCKS5, nil, nil, 1, 0, true, nil))
	mock.ExpectQuery("SELECT \\* FROM accounts").
		WillReturnRows(sqlmock.NewRows(accountColumns()).
			AddRow("a-1", AccountCracked, "steve", nil, nil, 1, 0, true, true, nil, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxies SET current_usage = current_usage + 1")).
		WithArgs("p-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET current_usage = current_usage + 1")).
		WithArgs("a-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE scan_queue").
		WithArgs("q-1", "agent-1", "p-1", "a-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET status = 'busy'")).
		WithArgs("agent-1", "q-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	work, err := store.Claim(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, work)
	assert.Equal(t, "q-1", work.QueueID)
	assert.Equal(t, "mc.example.com", work.ServerAddress)
	assert.Equal(t, "5.6.7.8", work.Proxy.Host)
	assert.Equal(t, 1, work.Proxy.CurrentUsage)
	assert.Equal(t, "steve", work.Account.Username.String)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimUnknownAgent(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM agents WHERE id = $1 FOR UPDATE")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Claim(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmptyQueue(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM agents WHERE id = $1 FOR UPDATE")).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(agentColumns()).
			AddRow("agent-1", "Agent 1", AgentIdle, nil, time.Now()))
	mock.ExpectQuery("SELECT \\* FROM scan_queue").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	work, err := store.Claim(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Nil(t, work)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAbortsWhenNoResources(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, nil)

	// No proxy available: the whole transaction rolls back and the item
	// stays pending for the next claimer.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM agents WHERE id = $1 FOR UPDATE")).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(agentColumns()).
			AddRow("agent-1", "Agent 1", AgentIdle, nil, time.Now()))
	mock.ExpectQuery("SELECT \\* FROM scan_queue").
		WillReturnRows(pendingItemRow("q-1"))
	mock.ExpectQuery("SELECT \\* FROM proxies").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	work, err := store.Claim(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Nil(t, work)
	require.NoError(t, mock.ExpectationsWereMet())
}

// --------------------------------------------------------------------------
// Complete / Fail
// --------------------------------------------------------------------------

func expectServerUpsertInsert(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT \\* FROM servers").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO servers")).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestCompleteHappyPath(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM scan_queue").
		WithArgs("q-1").
		WillReturnRows(processingItemRow("q-1", "agent-1", "p-1", "a-1"))
	expectServerUpsertInsert(mock)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_counters SET completed = completed + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Release strictly precedes the row delete.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxies SET current_usage = GREATEST(current_usage - 1, 0)")).
		WithArgs("p-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET current_usage = GREATEST(current_usage - 1, 0)")).
		WithArgs("a-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET status = 'idle'")).
		WithArgs("agent-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM scan_queue WHERE id = $1")).
		WithArgs("q-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Complete(context.Background(), "q-1", json.RawMessage(`{"success":true}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteIdempotentWhenNotProcessing(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM scan_queue").
		WithArgs("q-gone").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.Complete(context.Background(), "q-gone", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailWritesHistoryAndCounters(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM scan_queue").
		WithArgs("q-1").
		WillReturnRows(processingItemRow("q-1", "agent-1", "p-1", "a-1"))
	expectServerUpsertInsert(mock)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_counters SET failed = failed + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxies SET current_usage = GREATEST(current_usage - 1, 0)")).
		WithArgs("p-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET current_usage = GREATEST(current_usage - 1, 0)")).
		WithArgs("a-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET status = 'idle'")).
		WithArgs("agent-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM scan_queue")).
		WithArgs("q-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Fail(context.Background(), "q-1", "connect timeout\r\nvia proxy")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletePrependsAndCapsHistory(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQueueStore(db, nil)

	// Existing server with a full history: the oldest entry must fall off.
	old := make([]ScanHistoryEntry, ScanHistoryCap)
	for i := range old {
		old[i] = ScanHistoryEntry{Timestamp: time.Unix(int64(1000-i), 0).UTC()}
	}
	oldRaw, err := json.Marshal(old)
	require.NoError(t, err)

	serverCols := []string{"id", "server_address", "hostname", "resolved_ip", "port",
		"first_seen_at", "last_scanned_at", "scan_count", "latest_result", "scan_history"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM scan_queue").
		WithArgs("q-1").
		WillReturnRows(processingItemRow("q-1", "agent-1", "p-1", "a-1"))
	mock.ExpectQuery("SELECT \\* FROM servers").
		WillReturnRows(sqlmock.NewRows(serverCols).
			AddRow("s-1", "mc.example.com", "mc.example.com", "93.184.216.34", 25565,
				time.Now(), time.Now(), ScanHistoryCap, nil, oldRaw))
	mock.ExpectExec("UPDATE servers").
		WithArgs("s-1", sqlmock.AnyArg(), sqlmock.AnyArg(), historyOfLen(ScanHistoryCap)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_counters SET completed = completed + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE proxies").WithArgs("p-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts").WithArgs("a-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE agents").WithArgs("agent-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM scan_queue").WithArgs("q-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.Complete(context.Background(), "q-1", json.RawMessage(`{"players":{"online":1}}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// historyOfLen matches a JSON argument holding exactly n history entries.
type historyOfLen int

func (h historyOfLen) Match(v driver.Value) bool {
	raw, ok := v.([]byte)
	if !ok {
		if s, sok := v.(string); sok {
			raw = []byte(s)
		} else {
			return false
		}
	}
	var entries []ScanHistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return false
	}
	return len(entries) == int(h)
}
