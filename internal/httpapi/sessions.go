package httpapi

import (
	"net/http"
	"strconv"

	"inferd/internal/store"
	"inferd/pkg/types"
)

type createSessionRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	sess, err := s.Store.CreateSession(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionInfo(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	sessions, err := s.Store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]types.SessionInfo, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessionInfo(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type renameSessionRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req renameSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.Store.RenameSession(r.Context(), id, req.Name); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.Store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := s.Store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if _, err := s.Store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.Store.Messages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]types.MessageInfo, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, types.MessageInfo{
			ID:        m.ID,
			SessionID: m.SessionID,
			Role:      m.Role,
			Content:   m.Content,
			TokenEst:  m.TokenEst,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func sessionInfo(s *store.Session) types.SessionInfo {
	return types.SessionInfo{
		ID:            s.ID,
		Name:          s.Name,
		MessageCount:  s.MessageCount,
		TotalTokenEst: s.TotalTokenEst,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
