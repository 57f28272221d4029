package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// AgentTTL is how long an agent survives without a heartbeat before any
// list operation hard-deletes it.
const AgentTTL = 60 * time.Second

var (
	agentIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
	agentNamePattern = regexp.MustCompile(`^agent-(\d+)$`)
)

// ErrBadAgentID rejects ids outside ^[A-Za-z0-9_-]{1,100}$.
var ErrBadAgentID = errors.New("database: invalid agent id")

// AgentStore is the ephemeral agent registry.
type AgentStore struct {
	db *sqlx.DB
}

func NewAgentStore(db *sqlx.DB) *AgentStore {
	return &AgentStore{db: db}
}

// displayName derives "Agent n" from agent-<n> ids and falls back to the
// raw id otherwise.
func displayName(agentID string) string {
	if m := agentNamePattern.FindStringSubmatch(agentID); m != nil {
		n := strings.TrimLeft(m[1], "0")
		if n == "" {
			n = "0"
		}
		return "Agent " + n
	}
	return agentID
}

// Register upserts the agent as idle with a fresh heartbeat. Re-registering
// an existing id resets its state.
func (s *AgentStore) Register(ctx context.Context, agentID string) (*Agent, error) {
	if !agentIDPattern.MatchString(agentID) {
		return nil, ErrBadAgentID
	}
	agent := &Agent{
		ID:          agentID,
		DisplayName: displayName(agentID),
		Status:      AgentIdle,
	}
	err := s.db.GetContext(ctx, &agent.LastHeartbeat, `
		INSERT INTO agents (id, display_name, status, current_queue_id, last_heartbeat)
		VALUES ($1, $2, 'idle', NULL, now())
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    status = 'idle',
		    current_queue_id = NULL,
		    last_heartbeat = now()
		RETURNING last_heartbeat`,
		agentID, agent.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return agent, nil
}

// Heartbeat stamps last_heartbeat and applies any supplied state fields.
// Unknown agents get ErrNotFound so callers re-register.
func (s *AgentStore) Heartbeat(ctx context.Context, agentID string, status, currentQueueID *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET last_heartbeat = now(),
		    status = COALESCE($2, status),
		    current_queue_id = CASE WHEN $3::boolean THEN $4 ELSE current_queue_id END
		WHERE id = $1`,
		agentID, status, currentQueueID != nil, currentQueueID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return requireRow(res)
}

// List returns live agents, expiring stale rows first. Expiry is a hard
// delete: agents are ephemeral and re-register on reconnect.
func (s *AgentStore) List(ctx context.Context) ([]Agent, error) {
	if err := s.Expire(ctx); err != nil {
		return nil, err
	}
	out := []Agent{}
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM agents ORDER BY id`)
	return out, err
}

// Expire hard-deletes agents whose heartbeat is older than AgentTTL. Runs
// before every list and from the sweeper; racing sweeps are harmless.
func (s *AgentStore) Expire(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM agents
		WHERE last_heartbeat < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(AgentTTL.Seconds())))
	return err
}
