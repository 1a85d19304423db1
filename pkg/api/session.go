package api

import (
	"net/http"

	"peer-wan-console/pkg/model"
	"peer-wan-console/pkg/policy"
)

type openRequest struct {
	NodeID string `json:"nodeId"`
}

type sessionResponse struct {
	NodeID   string             `json:"nodeId"`
	Rules    []model.PolicyRule `json:"rules"`
	Defaults policy.Defaults    `json:"defaults"`
	Path     policy.PathView    `json:"path"`
}

func (s *Server) sessionState() sessionResponse {
	c := s.opts.Controller
	return sessionResponse{
		NodeID:   c.NodeID(),
		Rules:    c.Rules(),
		Defaults: c.Defaults(),
		Path:     c.Path(),
	}
}

func (s *Server) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := s.opts.Controller.Open(r.Context(), req.NodeID); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionState())
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	s.opts.Controller.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionView(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusNotFound, "no_status", "status feeds are not enabled")
		return
	}
	sess := s.opts.Status.Current()
	if sess == nil {
		writeError(w, http.StatusConflict, "no_session", "no node session open")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleSessionReload drops local edits and re-reads the node's policy.
func (s *Server) handleSessionReload(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.Reload(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionState())
}

// handleSessionRefresh re-fetches logs and tasks outside the poll timer.
func (s *Server) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusNotFound, "no_status", "status feeds are not enabled")
		return
	}
	sess := s.opts.Status.Current()
	if sess == nil {
		writeError(w, http.StatusConflict, "no_session", "no node session open")
		return
	}
	if err := sess.RefreshLogs(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := sess.RefreshTasks(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type pickRequest struct {
	NodeID string `json:"nodeId"`
}

func (s *Server) handlePathView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Controller.Path())
}

func (s *Server) handlePathPick(w http.ResponseWriter, r *http.Request) {
	var req pickRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	added, err := s.opts.Controller.Pick(req.NodeID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "path": s.opts.Controller.Path()})
}

func (s *Server) handlePathConfirm(w http.ResponseWriter, r *http.Request) {
	path, err := s.opts.Controller.ConfirmPath()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if path == nil {
		path = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": path})
}

func (s *Server) handlePathCancel(w http.ResponseWriter, r *http.Request) {
	s.opts.Controller.CancelPath()
	writeJSON(w, http.StatusOK, s.opts.Controller.Path())
}
