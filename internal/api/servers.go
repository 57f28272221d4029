package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

type addServersRequest struct {
	Servers []string `json:"servers"`
}

func (s *Server) handleAddServers(w http.ResponseWriter, r *http.Request) {
	var req addServersRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Servers) == 0 {
		writeError(w, http.StatusBadRequest, "servers list is empty")
		return
	}
	result, err := s.queue.AddServers(r.Context(), req.Servers)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	servers, total, err := s.servers.List(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"total":   total,
	})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.servers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleServerByAddress(w http.ResponseWriter, r *http.Request) {
	server, err := s.servers.GetByAddress(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.servers.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ts, err := time.Parse(time.RFC3339Nano, vars["timestamp"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "timestamp must be RFC 3339")
		return
	}
	if err := s.servers.DeleteScan(r.Context(), vars["id"], ts); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
