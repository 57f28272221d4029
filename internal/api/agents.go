package api

import "net/http"

type registerRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	agent, err := s.agents.Register(r.Context(), req.AgentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"agentId":   agent.ID,
		"agentName": agent.DisplayName,
	})
}

type heartbeatRequest struct {
	AgentID        string  `json:"agentId"`
	Status         *string `json:"status,omitempty"`
	CurrentQueueID *string `json:"currentQueueId,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.agents.Heartbeat(r.Context(), req.AgentID, req.Status, req.CurrentQueueID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}
