// Package logsink receives buffered task logs shipped by agents. Lines
// always go to the coordinator's structured log; when Redis is configured
// they are additionally retained per task for short-term inspection.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reconmc/reconmc/internal/sanitize"
)

const (
	keyPrefix     = "reconmc:tasklogs:"
	retention     = 24 * time.Hour
	maxPerTask    = 1000
	connectProbes = 3 * time.Second
)

// Line is one agent-side log record.
type Line struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink fans task logs out to slog and, optionally, Redis.
type Sink struct {
	rdb *redis.Client
}

// New returns a Sink. addr may be empty, in which case Redis retention is
// skipped entirely; a Redis that does not answer the startup ping is
// skipped with a warning. A Redis that stops answering later makes Ingest
// return an error for that batch, after its lines have gone to slog.
func New(addr, password string, db int) *Sink {
	s := &Sink{}
	if addr == "" {
		return s
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  connectProbes,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), connectProbes)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis unavailable, task logs go to slog only", "addr", addr, "error", err)
		rdb.Close()
		return s
	}
	slog.Info("Redis task-log retention enabled", "addr", addr)
	s.rdb = rdb
	return s
}

func (s *Sink) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Ingest records one batch of lines for a task. Every user-originated
// string is sanitized before it can reach a log stream.
func (s *Sink) Ingest(ctx context.Context, taskID, agentID string, lines []Line) error {
	taskID = sanitize.String(taskID, 100)
	agentID = sanitize.String(agentID, 100)

	for i := range lines {
		lines[i].Level = sanitize.String(lines[i].Level, 16)
		lines[i].Message = sanitize.Message(lines[i].Message)
		slog.Info("task log",
			"task_id", taskID,
			"agent_id", agentID,
			"agent_level", lines[i].Level,
			"msg", lines[i].Message)
	}

	if s.rdb == nil || len(lines) == 0 {
		return nil
	}

	key := keyPrefix + taskID
	payloads := make([]interface{}, 0, len(lines))
	for _, l := range lines {
		raw, err := json.Marshal(l)
		if err != nil {
			continue
		}
		payloads = append(payloads, raw)
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, payloads...)
	pipe.LTrim(ctx, key, int64(-maxPerTask), -1)
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retain task logs: %w", err)
	}
	return nil
}
