// Package agent implements the scanning agent: the coordinator HTTP
// client, the per-task log buffer, and the poll → claim → scan → report
// dispatch loop.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/reconmc/reconmc/internal/database"
	"github.com/reconmc/reconmc/internal/logsink"
)

// Client talks to the coordinator API. Register and Claim retry transient
// failures with exponential backoff; Heartbeat and ShipLogs are
// single-shot, and so are the terminal reports (Complete/Fail) because the
// dispatch loop owns their retry policy.
type Client struct {
	baseURL string
	agentID string
	http    *http.Client
}

// ErrNotFound mirrors a coordinator 404 (unknown agent or queue item).
var ErrNotFound = fmt.Errorf("agent: coordinator returned 404")

func NewClient(baseURL, agentID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Register announces this agent. Retried: a coordinator restart must not
// kill a fresh agent.
func (c *Client) Register(ctx context.Context) (string, error) {
	var resp struct {
		AgentName string `json:"agentName"`
	}
	err := c.withRetry(ctx, func() error {
		return c.post(ctx, "/api/agents/register", map[string]string{"agentId": c.agentID}, &resp)
	})
	return resp.AgentName, err
}

// Heartbeat stamps liveness and optionally updates status fields.
func (c *Client) Heartbeat(ctx context.Context, status, currentQueueID *string) error {
	body := map[string]any{"agentId": c.agentID}
	if status != nil {
		body["status"] = *status
	}
	if currentQueueID != nil {
		body["currentQueueId"] = *currentQueueID
	}
	return c.post(ctx, "/api/agents/heartbeat", body, nil)
}

// Claim asks for one unit of work. nil means the queue is empty (204).
func (c *Client) Claim(ctx context.Context) (*database.ClaimedWork, error) {
	var work database.ClaimedWork
	found := false
	err := c.withRetry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodPost, "/api/queue/claim",
			map[string]string{"agentId": c.agentID})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusNoContent:
			return nil
		case http.StatusOK:
			found = true
			return json.NewDecoder(resp.Body).Decode(&work)
		default:
			return c.statusError(resp)
		}
	})
	if err != nil || !found {
		return nil, err
	}
	return &work, nil
}

// Complete reports a successful scan. Single attempt.
func (c *Client) Complete(ctx context.Context, queueID string, result any) error {
	return c.post(ctx, "/api/queue/"+queueID+"/complete", map[string]any{"result": result}, nil)
}

// Fail reports a failed scan. Single attempt.
func (c *Client) Fail(ctx context.Context, queueID, errorMessage string) error {
	return c.post(ctx, "/api/queue/"+queueID+"/fail", map[string]string{"errorMessage": errorMessage}, nil)
}

// ShipLogs flushes a task's buffered log lines to the coordinator sink.
func (c *Client) ShipLogs(ctx context.Context, queueID string, lines []logsink.Line) error {
	if len(lines) == 0 {
		return nil
	}
	return c.post(ctx, "/api/tasks/"+queueID+"/logs", map[string]any{
		"agentId": c.agentID,
		"logs":    lines,
	}, nil)
}

// ---------------------------------------------------------------------------
// Transport plumbing
// ---------------------------------------------------------------------------

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		// 4xx responses are permanent; everything else is worth retrying.
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("agent: coordinator answered %d: %s", e.code, e.body)
}

func isPermanent(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.code >= 400 && se.code < 500
	}
	return errors.Is(err, ErrNotFound)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &httpStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
}
