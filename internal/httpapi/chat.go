package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"inferd/internal/llmclient"
	"inferd/internal/procman"
	"inferd/pkg/types"
)

// handleChat streams the assistant reply as Server-Sent Events. Events
// are emitted as they arrive from the engine; failures after the stream
// started surface as an error event rather than a status code.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	started := false
	sendEvent := func(ev types.ChatEvent) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, err := s.Chat.Respond(r.Context(), req, sendEvent); err != nil {
		if !started {
			writeError(w, err)
		}
		// After the stream started the error event already went out.
	}
}

type embeddingsRequest struct {
	Texts []string `json:"texts"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Texts) == 0 {
		writeJSONError(w, http.StatusBadRequest, "texts is required")
		return
	}
	client, err := s.engineClient(types.ModeEmbedding)
	if err != nil {
		writeError(w, err)
		return
	}
	vecs, err := client.Embed(r.Context(), req.Texts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"embeddings": vecs})
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" || len(req.Documents) == 0 {
		writeJSONError(w, http.StatusBadRequest, "query and documents are required")
		return
	}
	client, err := s.engineClient(types.ModeRerank)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := client.Rerank(r.Context(), req.Query, req.Documents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// engineClient returns the mode's client after checking that its engine
// is actually serving.
func (s *Server) engineClient(mode types.Mode) (*llmclient.Client, error) {
	ctrl, err := s.Manager.Server(mode)
	if err != nil {
		return nil, err
	}
	if st := ctrl.Status(); st.State != types.StateRunning {
		return nil, procman.ErrNotRunning(string(mode), string(st.State))
	}
	return s.Manager.Client(mode)
}
