package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/reconmc/reconmc/internal/database"
)

// nullable maps "" onto SQL NULL.
func nullable(s string) database.NullString {
	return database.NewNullString(s)
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.resources.ListProxies(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": proxies, "total": len(proxies)})
}

type addProxyRequest struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Type          string `json:"type"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	MaxConcurrent int    `json:"maxConcurrent"`
}

func (s *Server) handleAddProxy(w http.ResponseWriter, r *http.Request) {
	var req addProxyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	proxy := database.Proxy{
		Host:          req.Host,
		Port:          req.Port,
		Type:          req.Type,
		Username:      nullable(req.Username),
		Password:      nullable(req.Password),
		MaxConcurrent: req.MaxConcurrent,
	}
	created, err := s.resources.AddProxy(r.Context(), proxy)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type importProxiesRequest struct {
	Type  string   `json:"type"`
	Lines []string `json:"lines"`
}

func (s *Server) handleImportProxies(w http.ResponseWriter, r *http.Request) {
	var req importProxiesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = database.ProxySOCKS5
	}
	added, errs := s.resources.ImportProxies(r.Context(), req.Type, req.Lines)
	writeJSON(w, http.StatusOK, map[string]any{
		"added":  added,
		"errors": errs,
	})
}

func (s *Server) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	if err := s.resources.DeleteProxy(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.resources.ListAccounts(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts, "total": len(accounts)})
}

type addAccountRequest struct {
	Type          string `json:"type"`
	Username      string `json:"username"`
	AccessToken   string `json:"accessToken"`
	RefreshToken  string `json:"refreshToken"`
	MaxConcurrent int    `json:"maxConcurrent"`
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account := database.Account{
		Type:          req.Type,
		Username:      nullable(req.Username),
		AccessToken:   nullable(req.AccessToken),
		RefreshToken:  nullable(req.RefreshToken),
		MaxConcurrent: req.MaxConcurrent,
	}
	created, err := s.resources.AddAccount(r.Context(), account)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type importAccountsRequest struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleImportAccounts(w http.ResponseWriter, r *http.Request) {
	var req importAccountsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	added, errs := s.resources.ImportAccounts(r.Context(), req.Lines)
	writeJSON(w, http.StatusOK, map[string]any{
		"added":  added,
		"errors": errs,
	})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.resources.DeleteAccount(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInvalidateAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.resources.MarkAccountInvalid(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
