package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/reconmc/reconmc/internal/netx"
)

// ServerStore reads and prunes the aggregated scan history.
type ServerStore struct {
	db *sqlx.DB
}

func NewServerStore(db *sqlx.DB) *ServerStore {
	return &ServerStore{db: db}
}

func (s *ServerStore) List(ctx context.Context, limit, offset int) ([]Server, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	out := []Server{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM servers
		ORDER BY last_scanned_at DESC NULLS LAST
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM servers`); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *ServerStore) Get(ctx context.Context, id string) (*Server, error) {
	var server Server
	err := s.db.GetContext(ctx, &server, `SELECT * FROM servers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

// GetByAddress looks a server up by its original "host[:port]" string,
// matching either the stored hostname or the resolved IP.
func (s *ServerStore) GetByAddress(ctx context.Context, address string) (*Server, error) {
	host, port := netx.ParseServerAddress(address)

	var hostname NullString
	if net.ParseIP(host) == nil {
		hostname = NewNullString(host)
	}

	var server Server
	var err error
	if hostname.Valid {
		err = s.db.GetContext(ctx, &server, `
			SELECT * FROM servers WHERE hostname = $1 AND port = $2`, hostname.String, port)
	} else {
		err = s.db.GetContext(ctx, &server, `
			SELECT * FROM servers WHERE resolved_ip = $1 AND port = $2 AND hostname IS NULL`, host, port)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *ServerStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteScan removes the history entry matching the given timestamp.
// Removing the last entry deletes the server row entirely.
func (s *ServerStore) DeleteScan(ctx context.Context, id string, ts time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var server Server
	err = tx.GetContext(ctx, &server, `SELECT * FROM servers WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var history []ScanHistoryEntry
	if len(server.ScanHistory) > 0 {
		if err := json.Unmarshal(server.ScanHistory, &history); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
	}

	kept := history[:0]
	removed := false
	for _, entry := range history {
		if !removed && entry.Timestamp.Equal(ts) {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	if !removed {
		return ErrNotFound
	}

	if len(kept) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id); err != nil {
			return err
		}
		return tx.Commit()
	}

	raw, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	latest := nullableJSON(kept[0].Result)
	if _, err := tx.ExecContext(ctx, `
		UPDATE servers
		SET scan_history = $2, latest_result = $3
		WHERE id = $1`, id, raw, latest); err != nil {
		return err
	}
	return tx.Commit()
}
