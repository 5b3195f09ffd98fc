package procman

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	modes := map[types.Mode]ModeSettings{
		types.ModeGeneration: {Port: 8051, Params: types.ServerParams{ContextSize: 15360, Threads: 8, BatchSize: 512}},
		types.ModeEmbedding:  {Port: 8052, Params: types.ServerParams{ContextSize: 8192, Threads: 8, BatchSize: 512}},
		types.ModeRerank:     {Port: 8053, Params: types.ServerParams{ContextSize: 8192, Threads: 8, BatchSize: 512}},
	}
	return NewManager(ManagerConfig{
		BinPath:        "/usr/bin/true",
		Host:           "127.0.0.1",
		HealthRetries:  1,
		HealthInterval: time.Millisecond,
		StopGrace:      time.Millisecond,
		Modes:          modes,
		Log:            zerolog.Nop(),
	})
}

func TestManagerServerUnknownMode(t *testing.T) {
	m := testManager(t)
	if _, err := m.Server(types.Mode("translation")); !IsUnknownMode(err) {
		t.Fatalf("want unknown mode error, got %v", err)
	}
	if _, err := m.Client(types.Mode("translation")); !IsUnknownMode(err) {
		t.Fatalf("want unknown mode error, got %v", err)
	}
}

func TestManagerServerAndClientPerMode(t *testing.T) {
	m := testManager(t)
	for _, mode := range types.Modes() {
		c, err := m.Server(mode)
		if err != nil {
			t.Fatalf("Server(%s): %v", mode, err)
		}
		if c.Mode() != mode {
			t.Fatalf("controller mode = %s, want %s", c.Mode(), mode)
		}
		cl, err := m.Client(mode)
		if err != nil {
			t.Fatalf("Client(%s): %v", mode, err)
		}
		if cl.Mode() != mode {
			t.Fatalf("client mode = %s, want %s", cl.Mode(), mode)
		}
	}
}

func TestManagerStatusesCanonicalOrder(t *testing.T) {
	m := testManager(t)
	sts := m.Statuses()
	if len(sts) != 3 {
		t.Fatalf("want 3 statuses, got %d", len(sts))
	}
	want := types.Modes()
	for i, st := range sts {
		if st.Mode != want[i] {
			t.Fatalf("statuses[%d].Mode = %s, want %s", i, st.Mode, want[i])
		}
		if st.State != types.StateNotStarted {
			t.Fatalf("fresh controller state = %s, want not_started", st.State)
		}
	}
}

func TestManagerStopAllWithoutProcesses(t *testing.T) {
	m := testManager(t)
	m.StopAll()
	for _, st := range m.Statuses() {
		if st.State != types.StateNotStarted {
			t.Fatalf("StopAll changed idle state to %s", st.State)
		}
	}
}
