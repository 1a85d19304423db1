package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"peer-wan-console/pkg/policy"
)

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.opts.Controller.Rules()})
}

func (s *Server) handleRuleAdd(w http.ResponseWriter, r *http.Request) {
	var d policy.Draft
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	rule, err := s.opts.Controller.AddRule(r.Context(), d)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func ruleIndex(r *http.Request) (int, bool) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	return i, err == nil
}

func (s *Server) handleRuleRemove(w http.ResponseWriter, r *http.Request) {
	i, ok := ruleIndex(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_index", "rule index must be an integer")
		return
	}
	if err := s.opts.Controller.RemoveRule(r.Context(), i); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRulePreview(w http.ResponseWriter, r *http.Request) {
	if s.opts.Expander == nil {
		writeError(w, http.StatusNotFound, "no_preview", "rule preview is not enabled")
		return
	}
	i, ok := ruleIndex(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_index", "rule index must be an integer")
		return
	}
	rules := s.opts.Controller.Rules()
	if i < 0 || i >= len(rules) {
		s.writeFailure(w, policy.ErrRuleIndex)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rule":     rules[i],
		"prefixes": s.opts.Expander.Expand(r.Context(), rules[i]),
	})
}

// defaultsRequest accepts bypass CIDRs as text or a list, like rule domains.
type defaultsRequest struct {
	EgressPeerID        string             `json:"egressPeerId"`
	DefaultRoute        bool               `json:"defaultRoute"`
	BypassCIDRs         policy.DomainInput `json:"bypassCidrs"`
	DefaultRouteNextHop string             `json:"defaultRouteNextHop,omitempty"`
}

func (s *Server) handleDefaultsGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Controller.Defaults())
}

func (s *Server) handleDefaultsPut(w http.ResponseWriter, r *http.Request) {
	var req defaultsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	d := policy.Defaults{
		EgressPeerID:        req.EgressPeerID,
		DefaultRoute:        req.DefaultRoute,
		BypassCIDRs:         req.BypassCIDRs.Values(),
		DefaultRouteNextHop: req.DefaultRouteNextHop,
	}
	if err := s.opts.Controller.SetDefaults(d); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.Defaults())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.Submit(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	doc, _ := s.opts.Controller.Document()
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRawPolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := s.opts.Controller.RawPolicy(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Controller.Diagnose(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if res == nil {
		// the command went out but no result has been stored yet
		writeJSON(w, http.StatusAccepted, map[string]any{"pending": true})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "no_history", "rule journal is not enabled")
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		nodeID = s.opts.Controller.NodeID()
	}
	if nodeID == "" {
		s.writeFailure(w, policy.ErrNoSession)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := s.opts.History.List(r.Context(), nodeID, limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ops})
}
