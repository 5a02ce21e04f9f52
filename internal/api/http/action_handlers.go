package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	appGovernance "github.com/constituent/constituent/internal/application/governance"
	domainAction "github.com/constituent/constituent/internal/domain/action"
	"github.com/constituent/constituent/internal/domain/notify"
	"github.com/constituent/constituent/internal/domain/policy"
	"github.com/constituent/constituent/internal/domain/registry"
)

type proposeRequest struct {
	ActionType string              `json:"action_type"`
	Params     domainAction.Params `json:"params,omitempty"`
}

type approveRequest struct {
	Approver string `json:"approver"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type cancelRequest struct {
	Operator string `json:"operator"`
}

func (s *Server) proposeAction(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.ActionType) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "action_type required")
		return
	}
	if req.Params == nil {
		req.Params = domainAction.Params{}
	}

	a, err := s.governanceSvc.Propose(r.Context(), req.ActionType, req.Params)
	if err != nil {
		s.respondGovernanceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 500)
	filter := domainAction.Filter{}
	if v := r.URL.Query().Get("status"); v != "" {
		st := domainAction.Status(strings.ToUpper(v))
		filter.Status = &st
	}
	if v := r.URL.Query().Get("level"); v != "" {
		lvl := domainAction.Level(strings.ToUpper(v))
		filter.Level = &lvl
	}
	if v := r.URL.Query().Get("action_type"); v != "" {
		filter.ActionType = &v
	}
	items, err := s.governanceSvc.List(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"actions": items})
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "actionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid actionId")
		return
	}
	a, err := s.governanceSvc.Get(r.Context(), id)
	if err != nil {
		s.respondGovernanceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) getActionTransitions(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "actionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid actionId")
		return
	}
	transitions, err := s.governanceSvc.Transitions(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"transitions": transitions})
}

func (s *Server) approveAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "actionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid actionId")
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.Approver) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "approver required")
		return
	}
	a, err := s.governanceSvc.Approve(r.Context(), id, req.Approver)
	if err != nil {
		s.respondGovernanceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) rejectAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "actionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid actionId")
		return
	}
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "reason required")
		return
	}
	a, err := s.governanceSvc.Reject(r.Context(), id, req.Reason)
	if err != nil {
		s.respondGovernanceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) cancelAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "actionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid actionId")
		return
	}
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.Operator) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "operator required")
		return
	}
	a, err := s.governanceSvc.Cancel(r.Context(), id, req.Operator)
	if err != nil {
		s.respondGovernanceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "client_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	client := notify.NewSSEClient(clientID)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Initial comment flushes headers and keeps the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.MessageChan:
			if msg == nil {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// respondGovernanceError maps the governance error taxonomy onto HTTP
// statuses: usage errors are 4xx, everything else is 500.
func (s *Server) respondGovernanceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrUnknownActionType):
		respondError(w, http.StatusBadRequest, "UNKNOWN_ACTION_TYPE", err.Error())
	case errors.Is(err, registry.ErrInvalidParams), errors.Is(err, registry.ErrNoExecutor):
		respondError(w, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
	case errors.Is(err, appGovernance.ErrHumanOnly):
		respondError(w, http.StatusForbidden, "HUMAN_ONLY", err.Error())
	case errors.Is(err, domainAction.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domainAction.ErrInvalidTransition), errors.Is(err, domainAction.ErrConflict):
		respondError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
