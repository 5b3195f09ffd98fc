package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"inferd/pkg/types"
)

func TestChatStreamCollectsFragments(t *testing.T) {
	var gotBody chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(types.ModeGeneration, srv.URL, types.ClientParams{Temperature: 0.7, RepeatPenalty: 1.1, MaxTokens: 2048})
	var sb strings.Builder
	err := c.ChatStream(context.Background(), []types.ChatMessage{{Role: "user", Content: "hi"}}, Overrides{}, func(s string) error {
		sb.WriteString(s)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if sb.String() != "Hello" {
		t.Fatalf("got %q, want %q", sb.String(), "Hello")
	}
	if !gotBody.Stream {
		t.Fatal("request should ask for a stream")
	}
	if gotBody.Temperature != 0.7 || gotBody.MaxTokens != 2048 {
		t.Fatalf("defaults not applied: %+v", gotBody)
	}
}

func TestChatStreamOverrides(t *testing.T) {
	var gotBody chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	temp := 0.2
	maxTok := 64
	c := New(types.ModeGeneration, srv.URL, types.ClientParams{Temperature: 0.7, MaxTokens: 2048})
	err := c.ChatStream(context.Background(), nil, Overrides{Temperature: &temp, MaxTokens: &maxTok}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if gotBody.Temperature != 0.2 || gotBody.MaxTokens != 64 {
		t.Fatalf("overrides not applied: %+v", gotBody)
	}
}

func TestChatStreamCallbackErrorAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"y\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	boom := errors.New("boom")
	calls := 0
	c := New(types.ModeGeneration, srv.URL, types.ClientParams{})
	err := c.ChatStream(context.Background(), nil, Overrides{}, func(string) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want callback error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback should stop the stream, got %d calls", calls)
	}
}

func TestChatStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(types.ModeGeneration, srv.URL, types.ClientParams{})
	err := c.ChatStream(context.Background(), nil, Overrides{}, func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("want http error, got %v", err)
	}
}

func TestEmbedPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		// Out-of-order indices in the response must not reorder output.
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0.3,0.4]},{"index":0,"embedding":[0.1,0.2]}]}`)
	}))
	defer srv.Close()

	c := New(types.ModeEmbedding, srv.URL, types.ClientParams{Normalize: true, Truncate: true})
	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("want 2 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 0.1 || vecs[1][0] != 0.3 {
		t.Fatalf("order not preserved: %v", vecs)
	}
}

func TestRerankReturnDocuments(t *testing.T) {
	var gotBody rerankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rerank" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"results":[{"index":2,"relevance_score":0.9,"document":{"text":"third"}},{"index":0,"relevance_score":0.1,"document":{"text":"first"}}]}`)
	}))
	defer srv.Close()

	c := New(types.ModeRerank, srv.URL, types.ClientParams{TopN: 2, ReturnDocuments: true})
	res, err := c.Rerank(context.Background(), "q", []string{"first", "second", "third"})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if gotBody.TopN != 2 || !gotBody.ReturnDocuments {
		t.Fatalf("stored params not sent: %+v", gotBody)
	}
	if len(res) != 2 || res[0].Index != 2 || res[0].Document != "third" {
		t.Fatalf("unexpected results: %+v", res)
	}
}

func TestSetParamsAppliesToNextRequest(t *testing.T) {
	var gotBody chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(types.ModeGeneration, srv.URL, types.ClientParams{Temperature: 0.7})
	c.SetParams(types.ClientParams{Temperature: 1.5, MaxTokens: 10})
	if err := c.ChatStream(context.Background(), nil, Overrides{}, func(string) error { return nil }); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if gotBody.Temperature != 1.5 || gotBody.MaxTokens != 10 {
		t.Fatalf("updated params not used: %+v", gotBody)
	}
}
