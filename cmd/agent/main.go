// The agent polls the coordinator for probes, executes them through
// leased SOCKS proxies, and reports results back. One probe in flight at
// a time; SIGINT/SIGTERM lets the current probe finish.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reconmc/reconmc/internal/agent"
	"github.com/reconmc/reconmc/internal/config"
	"github.com/reconmc/reconmc/internal/netx"
	"github.com/reconmc/reconmc/internal/scanner"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", "error", err)
		os.Exit(1)
	}
	if cfg.Agent.CoordinatorURL == "" {
		slog.Error("COORDINATOR_URL is required")
		os.Exit(1)
	}
	agentID := cfg.Agent.AgentID
	if agentID == "" {
		agentID = fmt.Sprintf("agent-%d", time.Now().Unix()%100000)
		slog.Info("AGENT_ID not set, generated one", "agent_id", agentID)
	}

	client := agent.NewClient(cfg.Agent.CoordinatorURL, agentID)
	sc := scanner.New(netx.NewResolver())
	loop := agent.NewLoop(client, sc, cfg.Agent.PollInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loop.Run(ctx); err != nil {
		slog.Error("agent loop failed", "error", err)
		os.Exit(1)
	}
}
