package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/reconmc/reconmc/internal/netx"
)

// ErrNoResources means no proxy or account currently has spare capacity.
// The caller must abort its claim transaction so the item stays pending.
var ErrNoResources = errors.New("database: no proxy or account available")

// ErrValidation marks operator input rejected before it touched a row.
var ErrValidation = errors.New("database: validation failed")

// ResourceStore manages the proxy and account pools.
type ResourceStore struct {
	db *sqlx.DB
}

func NewResourceStore(db *sqlx.DB) *ResourceStore {
	return &ResourceStore{db: db}
}

// allocate leases one (proxy, account) pair inside the caller's claim
// transaction. Rows are picked least-recently-used first (NULLs first so
// fresh resources rotate in), locked with SKIP LOCKED so concurrent claims
// never contend, and usage counters are bumped before the lease returns.
func allocate(ctx context.Context, tx *sqlx.Tx) (*Lease, error) {
	var proxy Proxy
	err := tx.GetContext(ctx, &proxy, `
		SELECT * FROM proxies
		WHERE is_active AND current_usage < max_concurrent
		ORDER BY last_used_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoResources
	}
	if err != nil {
		return nil, fmt.Errorf("select proxy: %w", err)
	}

	var account Account
	err = tx.GetContext(ctx, &account, `
		SELECT * FROM accounts
		WHERE is_active AND is_valid AND current_usage < max_concurrent
		ORDER BY last_used_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoResources
	}
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE proxies SET current_usage = current_usage + 1, last_used_at = now()
		WHERE id = $1`, proxy.ID); err != nil {
		return nil, fmt.Errorf("lease proxy: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET current_usage = current_usage + 1, last_used_at = now()
		WHERE id = $1`, account.ID); err != nil {
		return nil, fmt.Errorf("lease account: %w", err)
	}

	proxy.CurrentUsage++
	account.CurrentUsage++
	return &Lease{Proxy: proxy, Account: account}, nil
}

// release returns a lease inside tx. Counters clamp at zero, which makes a
// double release a no-op.
func release(ctx context.Context, tx *sqlx.Tx, proxyID, accountID string) error {
	if proxyID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE proxies SET current_usage = GREATEST(current_usage - 1, 0)
			WHERE id = $1`, proxyID); err != nil {
			return fmt.Errorf("release proxy: %w", err)
		}
	}
	if accountID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET current_usage = GREATEST(current_usage - 1, 0)
			WHERE id = $1`, accountID); err != nil {
			return fmt.Errorf("release account: %w", err)
		}
	}
	return nil
}

// Release returns a lease outside any claim transaction (operator sweep
// path). Idempotent.
func (s *ResourceStore) Release(ctx context.Context, proxyID, accountID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := release(ctx, tx, proxyID, accountID); err != nil {
		return err
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Proxy CRUD
// ---------------------------------------------------------------------------

// AddProxy validates and inserts one proxy. Private-range proxy hosts are
// rejected: a proxy inside the guarded ranges would let scans reach them.
func (s *ResourceStore) AddProxy(ctx context.Context, p Proxy) (*Proxy, error) {
	if p.Host == "" || p.Port < 1 || p.Port > 65535 {
		return nil, fmt.Errorf("%w: proxy needs host and port 1-65535", ErrValidation)
	}
	if p.Type != ProxySOCKS4 && p.Type != ProxySOCKS5 {
		return nil, fmt.Errorf("%w: proxy type must be socks4 or socks5", ErrValidation)
	}
	if ip := net.ParseIP(p.Host); ip != nil && netx.IsPrivateIP(ip) {
		return nil, fmt.Errorf("%w: private-range proxy host %s", ErrValidation, p.Host)
	}
	if p.MaxConcurrent < 1 {
		p.MaxConcurrent = 3
	}
	p.ID = uuid.NewString()
	p.IsActive = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxies (id, host, port, type, username, password, max_concurrent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Host, p.Port, p.Type, p.Username, p.Password, p.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("insert proxy: %w", err)
	}
	return &p, nil
}

func (s *ResourceStore) ListProxies(ctx context.Context) ([]Proxy, error) {
	out := []Proxy{}
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM proxies ORDER BY host, port`)
	return out, err
}

func (s *ResourceStore) DeleteProxy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *ResourceStore) SetProxyActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proxies SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ImportProxies parses "host:port[:user:pass]" lines and inserts each
// valid one. Errors aggregate per line; one bad line does not abort the
// batch.
func (s *ResourceStore) ImportProxies(ctx context.Context, proxyType string, lines []string) (added int, errs []string) {
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p, err := parseProxyLine(proxyType, line)
		if err == nil {
			_, err = s.AddProxy(ctx, *p)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		added++
	}
	return added, errs
}

func parseProxyLine(proxyType, line string) (*Proxy, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return nil, fmt.Errorf("%w: want host:port[:user:pass]", ErrValidation)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad port %q", ErrValidation, parts[1])
	}
	p := &Proxy{Host: parts[0], Port: port, Type: proxyType}
	if len(parts) == 4 {
		p.Username = NewNullString(parts[2])
		p.Password = NewNullString(parts[3])
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Account CRUD
// ---------------------------------------------------------------------------

func (s *ResourceStore) AddAccount(ctx context.Context, a Account) (*Account, error) {
	if a.Type != AccountMicrosoft && a.Type != AccountCracked {
		return nil, fmt.Errorf("%w: account type must be microsoft or cracked", ErrValidation)
	}
	if a.Type == AccountCracked && !a.Username.Valid {
		return nil, fmt.Errorf("%w: cracked account needs a username", ErrValidation)
	}
	if a.MaxConcurrent < 1 {
		a.MaxConcurrent = 3
	}
	a.ID = uuid.NewString()
	a.IsActive = true
	a.IsValid = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, type, username, access_token, refresh_token, max_concurrent)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Type, a.Username, a.AccessToken, a.RefreshToken, a.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return &a, nil
}

func (s *ResourceStore) ListAccounts(ctx context.Context) ([]Account, error) {
	out := []Account{}
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM accounts ORDER BY type, username`)
	return out, err
}

func (s *ResourceStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkAccountInvalid pulls an account out of the allocatable pool after a
// failed login.
func (s *ResourceStore) MarkAccountInvalid(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET is_valid = FALSE, last_validated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ImportAccounts parses "username[:password]" lines into cracked accounts.
// The password field is ignored for cracked accounts (offline-mode servers
// authenticate by name only) but tolerated so common combo lists import
// cleanly.
func (s *ResourceStore) ImportAccounts(ctx context.Context, lines []string) (added int, errs []string) {
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		username, _, _ := strings.Cut(line, ":")
		if username == "" {
			errs = append(errs, fmt.Sprintf("line %d: missing username", i+1))
			continue
		}
		_, err := s.AddAccount(ctx, Account{
			Type:     AccountCracked,
			Username: NewNullString(username),
		})
		if err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		added++
	}
	return added, errs
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
