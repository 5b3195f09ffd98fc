package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"inferd/pkg/types"
)

func TestSelectDownloadsStartsAndMarksCurrent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srv := modelServer(t)

	res, err := e.selector().Select(ctx, "alpha", types.ModeGeneration, srv.URL+"/alpha.gguf")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !res.Success || res.ServerStatus != types.StateRunning {
		t.Fatalf("result = %+v", res)
	}
	wantPath := filepath.Join(e.dir, "alpha.gguf")
	if res.ModelPath != wantPath {
		t.Fatalf("path = %q, want %q", res.ModelPath, wantPath)
	}

	rec, err := e.st.GetModelByName(ctx, "alpha", types.ModeGeneration)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if !rec.IsCurrent || !rec.IsDownloaded {
		t.Fatalf("record = %+v", rec)
	}

	ctrl, err := e.mgr.Server(types.ModeGeneration)
	if err != nil {
		t.Fatalf("Server: %v", err)
	}
	st := ctrl.Status()
	if st.State != types.StateRunning || st.ModelPath != wantPath {
		t.Fatalf("controller status = %+v", st)
	}
}

func TestSelectSameRunningModelIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srv := modelServer(t)
	sel := e.selector()

	if _, err := sel.Select(ctx, "alpha", types.ModeGeneration, srv.URL+"/alpha.gguf"); err != nil {
		t.Fatalf("first Select: %v", err)
	}
	ctrl, _ := e.mgr.Server(types.ModeGeneration)
	pid := ctrl.Status().PID

	res, err := sel.Select(ctx, "alpha", types.ModeGeneration, "")
	if err != nil {
		t.Fatalf("second Select: %v", err)
	}
	if !res.Success || !strings.Contains(res.Message, "already active") {
		t.Fatalf("result = %+v", res)
	}
	if ctrl.Status().PID != pid {
		t.Fatal("no-op selection must not restart the engine")
	}
}

func TestSelectSwitchesModels(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srv := modelServer(t)
	sel := e.selector()

	if _, err := sel.Select(ctx, "alpha", types.ModeGeneration, srv.URL+"/alpha.gguf"); err != nil {
		t.Fatalf("select alpha: %v", err)
	}
	if _, err := sel.Select(ctx, "beta", types.ModeGeneration, srv.URL+"/beta.gguf"); err != nil {
		t.Fatalf("select beta: %v", err)
	}

	a, err := e.st.GetModelByName(ctx, "alpha", types.ModeGeneration)
	if err != nil {
		t.Fatalf("get alpha: %v", err)
	}
	b, err := e.st.GetModelByName(ctx, "beta", types.ModeGeneration)
	if err != nil {
		t.Fatalf("get beta: %v", err)
	}
	if a.IsCurrent || !b.IsCurrent {
		t.Fatalf("current flags wrong: alpha=%v beta=%v", a.IsCurrent, b.IsCurrent)
	}
	ctrl, _ := e.mgr.Server(types.ModeGeneration)
	if st := ctrl.Status(); st.ModelName != "beta" {
		t.Fatalf("engine serves %q, want beta", st.ModelName)
	}
}

func TestSelectFailureKeepsCurrentModel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srv := modelServer(t)
	sel := e.selector()

	if _, err := sel.Select(ctx, "alpha", types.ModeGeneration, srv.URL+"/alpha.gguf"); err != nil {
		t.Fatalf("select alpha: %v", err)
	}
	// beta has no file and no working URL.
	res, err := sel.Select(ctx, "beta", types.ModeGeneration, "")
	if err == nil {
		t.Fatal("want error selecting unresolvable model")
	}
	if res.Success {
		t.Fatalf("result should report failure: %+v", res)
	}
	a, err := e.st.GetModelByName(ctx, "alpha", types.ModeGeneration)
	if err != nil {
		t.Fatalf("get alpha: %v", err)
	}
	if !a.IsCurrent {
		t.Fatal("failed selection must not clear the current model")
	}
}

func TestSelectUnknownMode(t *testing.T) {
	e := newEnv(t)
	// The manager registry is the single mode boundary.
	if _, err := e.selector().Select(context.Background(), "m", types.Mode("classify"), ""); err == nil {
		t.Fatal("want error for unknown mode")
	}
}
