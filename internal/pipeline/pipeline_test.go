package pipeline

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/config"
	"inferd/internal/download"
	"inferd/internal/procman"
	"inferd/internal/store"
	"inferd/pkg/types"
)

// fakeEngine stands in for a llama-server: it always reports healthy and
// serves a canned (or injected) chat completion stream. The spawned
// engine binary is a sleeping script; only the HTTP side matters.
type fakeEngine struct {
	srv *httptest.Server

	mu   sync.Mutex
	chat http.HandlerFunc
}

func (f *fakeEngine) setChat(h http.HandlerFunc) {
	f.mu.Lock()
	f.chat = h
	f.mu.Unlock()
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	fe := &fakeEngine{}
	fe.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/v1/chat/completions":
			fe.mu.Lock()
			h := fe.chat
			fe.mu.Unlock()
			if h != nil {
				h(w, r)
				return
			}
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(fe.srv.Close)
	return fe
}

type env struct {
	st     *store.Store
	mgr    *procman.Manager
	res    *download.Resolver
	engine *fakeEngine
	dir    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	fe := newFakeEngine(t)
	u, err := url.Parse(fe.srv.URL)
	if err != nil {
		t.Fatalf("parse engine url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse engine port: %v", err)
	}

	script := filepath.Join(t.TempDir(), "fake-engine")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 60\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	params := types.ServerParams{ContextSize: 15360, Threads: 8, BatchSize: 512}
	cparams := types.ClientParams{Temperature: 0.7, RepeatPenalty: 1.1, MaxTokens: 2048, TopN: 3}
	modes := make(map[types.Mode]procman.ModeSettings)
	for _, m := range types.Modes() {
		modes[m] = procman.ModeSettings{Port: port, Params: params, ClientParams: cparams}
	}
	mgr := procman.NewManager(procman.ManagerConfig{
		BinPath:        script,
		Host:           u.Hostname(),
		HealthRetries:  5,
		HealthInterval: 10 * time.Millisecond,
		StopGrace:      500 * time.Millisecond,
		Modes:          modes,
		Log:            zerolog.Nop(),
	})
	t.Cleanup(mgr.StopAll)

	dir := t.TempDir()
	res := download.NewResolver(st, download.New(zerolog.Nop()), dir, zerolog.Nop())
	return &env{st: st, mgr: mgr, res: res, engine: fe, dir: dir}
}

func (e *env) selector() *Selector {
	return NewSelector(e.st, e.mgr, e.res, zerolog.Nop())
}

func (e *env) changer() *ParamChanger {
	return NewParamChanger(e.st, e.mgr, zerolog.Nop())
}

func (e *env) chatPipeline() *Chat {
	return NewChat(e.st, e.mgr, ChatConfig{
		DefaultSystemPrompt: "You are a helpful assistant.",
		DefaultContextSize:  15360,
	}, zerolog.Nop())
}

func (e *env) startup(cfg config.Config) *Startup {
	return NewStartup(e.st, e.mgr, cfg, zerolog.Nop())
}

// modelServer serves dummy model bytes for any .gguf path.
func modelServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("weights"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func intp(v int) *int             { return &v }
func floatp(v float64) *float64   { return &v }
func boolp(v bool) *bool          { return &v }
