package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverColumns() []string {
	return []string{"id", "server_address", "hostname", "resolved_ip", "port",
		"first_seen_at", "last_scanned_at", "scan_count", "latest_result", "scan_history"}
}

func TestGetByAddressHostname(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewServerStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE hostname = $1 AND port = $2")).
		WithArgs("mc.example.com", 25565).
		WillReturnRows(sqlmock.NewRows(serverColumns()).
			AddRow("s-1", "mc.example.com", "mc.example.com", "93.184.216.34", 25565,
				time.Now(), time.Now(), 3, nil, []byte(`[]`)))

	server, err := store.GetByAddress(context.Background(), "mc.example.com")
	require.NoError(t, err)
	assert.Equal(t, "s-1", server.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByAddressIPLiteral(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewServerStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE resolved_ip = $1 AND port = $2 AND hostname IS NULL")).
		WithArgs("93.184.216.34", 1337).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetByAddress(context.Background(), "93.184.216.34:1337")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteScanRemovesEntry(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewServerStore(db)

	ts1 := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	ts2 := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	history, err := json.Marshal([]ScanHistoryEntry{
		{Timestamp: ts1, Result: json.RawMessage(`{"a":1}`)},
		{Timestamp: ts2, Result: json.RawMessage(`{"b":2}`)},
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM servers").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(serverColumns()).
			AddRow("s-1", "mc.example.com", nil, "93.184.216.34", 25565,
				time.Now(), time.Now(), 2, nil, history))
	mock.ExpectExec("UPDATE servers").
		WithArgs("s-1", historyOfLen(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.DeleteScan(context.Background(), "s-1", ts2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteScanLastEntryDeletesRow(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewServerStore(db)

	ts := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	history, err := json.Marshal([]ScanHistoryEntry{{Timestamp: ts}})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM servers").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(serverColumns()).
			AddRow("s-1", "mc.example.com", nil, "93.184.216.34", 25565,
				time.Now(), time.Now(), 1, nil, history))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM servers WHERE id = $1")).
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.DeleteScan(context.Background(), "s-1", ts))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteScanUnknownTimestamp(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewServerStore(db)

	history, err := json.Marshal([]ScanHistoryEntry{{Timestamp: time.Now().UTC()}})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM servers").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(serverColumns()).
			AddRow("s-1", "mc.example.com", nil, "93.184.216.34", 25565,
				time.Now(), time.Now(), 1, nil, history))
	mock.ExpectRollback()

	err = store.DeleteScan(context.Background(), "s-1", time.Unix(0, 0))
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
