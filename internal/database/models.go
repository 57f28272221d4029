package database

import (
	"encoding/json"
	"time"
)

// Queue item states. Terminal items are deleted once their history row is
// written, so only pending and processing ever persist for long.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
)

// Agent states.
const (
	AgentIdle = "idle"
	AgentBusy = "busy"
)

// Proxy types.
const (
	ProxySOCKS4 = "socks4"
	ProxySOCKS5 = "socks5"
)

// Account types.
const (
	AccountMicrosoft = "microsoft"
	AccountCracked   = "cracked"
)

// QueueItem is one pending or in-flight probe.
type QueueItem struct {
	ID                string     `db:"id" json:"id"`
	ServerAddress     string     `db:"server_address" json:"serverAddress"`
	Hostname          NullString `db:"hostname" json:"hostname"`
	ResolvedIP        string     `db:"resolved_ip" json:"resolvedIp"`
	Port              int        `db:"port" json:"port"`
	Status            string     `db:"status" json:"status"`
	AssignedAgentID   NullString `db:"assigned_agent_id" json:"assignedAgentId"`
	AssignedProxyID   NullString `db:"assigned_proxy_id" json:"assignedProxyId"`
	AssignedAccountID NullString `db:"assigned_account_id" json:"assignedAccountId"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	StartedAt         NullTime   `db:"started_at" json:"startedAt"`
	ErrorMessage      NullString `db:"error_message" json:"errorMessage"`
}

// ScanHistoryEntry is one recorded probe outcome, newest first in
// Server.ScanHistory.
type ScanHistoryEntry struct {
	Timestamp    time.Time       `json:"timestamp"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Server aggregates scan history per destination. The uniqueness key is
// (resolved_ip, port, hostname) with NULL hostname equal to NULL.
type Server struct {
	ID            string           `db:"id" json:"id"`
	ServerAddress string           `db:"server_address" json:"serverAddress"`
	Hostname      NullString       `db:"hostname" json:"hostname"`
	ResolvedIP    string           `db:"resolved_ip" json:"resolvedIp"`
	Port          int              `db:"port" json:"port"`
	FirstSeenAt   time.Time        `db:"first_seen_at" json:"firstSeenAt"`
	LastScannedAt NullTime         `db:"last_scanned_at" json:"lastScannedAt"`
	ScanCount     int              `db:"scan_count" json:"scanCount"`
	LatestResult  *json.RawMessage `db:"latest_result" json:"latestResult,omitempty"`
	ScanHistory   json.RawMessage  `db:"scan_history" json:"scanHistory"`
}

// Proxy is a SOCKS endpoint with a concurrency cap.
type Proxy struct {
	ID            string     `db:"id" json:"id"`
	Host          string     `db:"host" json:"host"`
	Port          int        `db:"port" json:"port"`
	Type          string     `db:"type" json:"type"`
	Username      NullString `db:"username" json:"username,omitempty"`
	Password      NullString `db:"password" json:"password,omitempty"`
	MaxConcurrent int        `db:"max_concurrent" json:"maxConcurrent"`
	CurrentUsage  int        `db:"current_usage" json:"currentUsage"`
	IsActive      bool       `db:"is_active" json:"isActive"`
	LastUsedAt    NullTime   `db:"last_used_at" json:"lastUsedAt"`
}

// Account is a Minecraft credential with a concurrency cap. Accounts with
// IsValid=false are never leased.
type Account struct {
	ID              string     `db:"id" json:"id"`
	Type            string     `db:"type" json:"type"`
	Username        NullString `db:"username" json:"username,omitempty"`
	AccessToken     NullString `db:"access_token" json:"accessToken,omitempty"`
	RefreshToken    NullString `db:"refresh_token" json:"refreshToken,omitempty"`
	MaxConcurrent   int        `db:"max_concurrent" json:"maxConcurrent"`
	CurrentUsage    int        `db:"current_usage" json:"currentUsage"`
	IsActive        bool       `db:"is_active" json:"isActive"`
	IsValid         bool       `db:"is_valid" json:"isValid"`
	LastValidatedAt NullTime   `db:"last_validated_at" json:"lastValidatedAt"`
	LastUsedAt      NullTime   `db:"last_used_at" json:"lastUsedAt"`
}

// Agent is an ephemeral worker row, hard-deleted when heartbeats stop.
type Agent struct {
	ID             string     `db:"id" json:"id"`
	DisplayName    string     `db:"display_name" json:"displayName"`
	Status         string     `db:"status" json:"status"`
	CurrentQueueID NullString `db:"current_queue_id" json:"currentQueueId"`
	LastHeartbeat  time.Time  `db:"last_heartbeat" json:"lastHeartbeat"`
}

// Lease is an allocated (proxy, account) pair bound to a processing item.
type Lease struct {
	Proxy   Proxy
	Account Account
}

// ClaimedWork is what an agent receives from a successful claim.
type ClaimedWork struct {
	QueueID       string  `json:"queueId"`
	ServerAddress string  `json:"serverAddress"`
	Hostname      string  `json:"hostname,omitempty"`
	ResolvedIP    string  `json:"resolvedIp"`
	Port          int     `json:"port"`
	Proxy         Proxy   `json:"proxy"`
	Account       Account `json:"account"`
}

// QueueStats is the aggregate view served by GET /api/queue.
type QueueStats struct {
	Pending      int `db:"pending" json:"pending"`
	Processing   int `db:"processing" json:"processing"`
	Completed    int `db:"completed" json:"completed"`
	Failed       int `db:"failed" json:"failed"`
	TotalServers int `db:"total_servers" json:"totalServers"`
}
