package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/reconmc/reconmc/internal/logsink"
)

type claimRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	work, err := s.queue.Claim(r.Context(), req.AgentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if work == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, work)
}

type completeRequest struct {
	Result json.RawMessage `json:"result"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.queue.Complete(r.Context(), mux.Vars(r)["id"], req.Result); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type failRequest struct {
	ErrorMessage string `json:"errorMessage"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.queue.Fail(r.Context(), mux.Vars(r)["id"], req.ErrorMessage); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type taskLogsRequest struct {
	AgentID string         `json:"agentId"`
	Logs    []logsink.Line `json:"logs"`
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	var req taskLogsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.logs.Ingest(r.Context(), mux.Vars(r)["id"], req.AgentID, req.Logs); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
