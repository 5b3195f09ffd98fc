// Package procman spawns and supervises one inference engine subprocess
// per mode. A Controller owns a single process slot: it validates model
// files, starts the engine in its own process group, polls its health
// endpoint until ready, and tears it down with escalation on stop.
package procman

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

const outputTailBytes = 4096

// ControllerConfig fixes the identity of one engine slot. Port and mode
// never change over the controller's lifetime; server params may.
type ControllerConfig struct {
	Mode           types.Mode
	BinPath        string
	Host           string
	Port           int
	Params         types.ServerParams
	HealthRetries  int
	HealthInterval time.Duration
	StopGrace      time.Duration
	Log            zerolog.Logger
}

// Controller manages at most one engine subprocess.
type Controller struct {
	cfg  ControllerConfig
	http *http.Client

	// opMu serializes lifecycle operations (start, stop, restart) so two
	// callers can never race a spawn against a teardown. mu guards the
	// snapshot fields so Status stays cheap while a start is in flight.
	opMu sync.Mutex

	mu        sync.Mutex
	params    types.ServerParams
	state     types.ServerState
	modelName string
	modelPath string
	errMsg    string
	cmd       *exec.Cmd
	done      chan struct{}
	waitErr   error
	output    *lockedBuffer
}

// lockedBuffer collects combined engine output. The exec machinery writes
// from its own goroutine, so reads of the tail must synchronize too.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) Tail(n int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.b.String()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// NewController constructs a controller in the not_started state.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.HealthRetries <= 0 {
		cfg.HealthRetries = 30
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Controller{
		cfg:    cfg,
		http:   &http.Client{Timeout: 0},
		params: cfg.Params,
		state:  types.StateNotStarted,
	}
}

func (c *Controller) Mode() types.Mode { return c.cfg.Mode }

// BaseURL is the engine's HTTP address for this slot.
func (c *Controller) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.cfg.Host, c.cfg.Port)
}

// Params returns the server params the next start will use.
func (c *Controller) Params() types.ServerParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Status reports a consistent snapshot. ProcessAlive is derived from the
// exit watcher, not from the state field, so a crashed engine shows
// state running with ProcessAlive false until the next lifecycle op.
func (c *Controller) Status() types.ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	alive := false
	pid := 0
	if c.cmd != nil && c.cmd.Process != nil {
		pid = c.cmd.Process.Pid
		select {
		case <-c.done:
		default:
			alive = true
		}
	}
	return types.ServerStatus{
		Mode:         c.cfg.Mode,
		State:        c.state,
		ModelName:    c.modelName,
		ModelPath:    c.modelPath,
		ErrorMessage: c.errMsg,
		ProcessAlive: alive,
		Port:         c.cfg.Port,
		PID:          pid,
	}
}

// Start launches the engine on modelPath, replacing any live process,
// and blocks until the engine answers its health endpoint or the retry
// budget runs out. On failure the controller lands in the error state
// with a human-readable message.
func (c *Controller) Start(ctx context.Context, modelPath, modelName string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.start(ctx, modelPath, modelName)
}

// Switch moves the controller onto another model: the live process, if
// any, is stopped before the new one launches. Both steps run under one
// lifecycle lock so no other operation can slip between the stop and
// the start. Without a live process it behaves like Start.
func (c *Controller) Switch(ctx context.Context, modelPath, modelName string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.terminate() {
		engineStopsTotal.WithLabelValues(string(c.cfg.Mode)).Inc()
		c.cfg.Log.Info().
			Str("mode", string(c.cfg.Mode)).
			Str("model", modelName).
			Msg("engine stopped for model switch")
	}
	return c.start(ctx, modelPath, modelName)
}

func (c *Controller) start(ctx context.Context, modelPath, modelName string) error {
	if !fsutil.PathExists(modelPath) {
		msg := "model file not found: " + modelPath
		c.setError(msg)
		return ErrInvalidModel(msg)
	}
	if !fsutil.IsModelFile(modelPath) {
		msg := "not a model file: " + modelPath
		c.setError(msg)
		return ErrInvalidModel(msg)
	}

	c.terminate()

	c.mu.Lock()
	c.state = types.StateStarting
	c.modelName = modelName
	c.modelPath = modelPath
	c.errMsg = ""
	params := c.params
	c.mu.Unlock()

	out := &lockedBuffer{}
	cmd := exec.Command(c.cfg.BinPath, c.args(modelPath, params)...)
	cmd.Stdout = out
	cmd.Stderr = out
	// Own process group so stop can signal the engine and any workers it
	// forks in one shot.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		msg := fmt.Sprintf("start %s: %v", c.cfg.BinPath, err)
		c.setError(msg)
		engineStartFailuresTotal.WithLabelValues(string(c.cfg.Mode)).Inc()
		return ErrProcessFailure(msg)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		if c.cmd == cmd {
			c.waitErr = err
		}
		c.mu.Unlock()
		close(done)
	}()

	c.mu.Lock()
	c.cmd = cmd
	c.done = done
	c.waitErr = nil
	c.output = out
	c.mu.Unlock()

	c.cfg.Log.Info().
		Str("mode", string(c.cfg.Mode)).
		Str("model", modelName).
		Int("pid", cmd.Process.Pid).
		Int("port", c.cfg.Port).
		Msg("engine starting")

	healthURL := c.BaseURL() + "/health"
	for i := 0; i < c.cfg.HealthRetries; i++ {
		select {
		case <-ctx.Done():
			c.terminate()
			c.setError("canceled while waiting for engine health")
			engineStartFailuresTotal.WithLabelValues(string(c.cfg.Mode)).Inc()
			return ctx.Err()
		case <-done:
			c.mu.Lock()
			werr := c.waitErr
			c.cmd = nil
			c.done = nil
			c.mu.Unlock()
			msg := fmt.Sprintf("engine exited before healthy: %v; output tail: %s", werr, out.Tail(outputTailBytes))
			c.setError(msg)
			engineStartFailuresTotal.WithLabelValues(string(c.cfg.Mode)).Inc()
			return ErrProcessFailure(msg)
		case <-time.After(c.cfg.HealthInterval):
		}
		if c.healthy(ctx, healthURL) {
			c.mu.Lock()
			c.state = types.StateRunning
			c.errMsg = ""
			c.mu.Unlock()
			engineStartsTotal.WithLabelValues(string(c.cfg.Mode)).Inc()
			c.cfg.Log.Info().
				Str("mode", string(c.cfg.Mode)).
				Str("model", modelName).
				Int("pid", cmd.Process.Pid).
				Msg("engine healthy")
			return nil
		}
	}

	c.terminate()
	msg := fmt.Sprintf("engine not healthy after %d attempts; output tail: %s",
		c.cfg.HealthRetries, out.Tail(outputTailBytes))
	c.setError(msg)
	engineStartFailuresTotal.WithLabelValues(string(c.cfg.Mode)).Inc()
	return ErrProcessFailure(msg)
}

// Stop terminates the engine if one is live. No-op success when there is
// no process. A successful stop clears the model identity.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.terminate() {
		return
	}
	c.mu.Lock()
	c.state = types.StateStopped
	c.modelName = ""
	c.modelPath = ""
	c.errMsg = ""
	c.mu.Unlock()
	engineStopsTotal.WithLabelValues(string(c.cfg.Mode)).Inc()
	c.cfg.Log.Info().Str("mode", string(c.cfg.Mode)).Msg("engine stopped")
}

// UpdateParams stores p for future starts and, when a process is live,
// restarts it on the current model so the new values take effect.
func (c *Controller) UpdateParams(ctx context.Context, p types.ServerParams) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.params = p
	path := c.modelPath
	name := c.modelName
	live := c.cmd != nil
	c.mu.Unlock()
	if !live || path == "" {
		return nil
	}
	engineRestartsTotal.WithLabelValues(string(c.cfg.Mode)).Inc()
	c.cfg.Log.Info().Str("mode", string(c.cfg.Mode)).Msg("restarting engine for new params")
	return c.start(ctx, path, name)
}

// terminate kills the live process group, if any, with SIGTERM first and
// SIGKILL after the grace period. It does no state bookkeeping beyond
// clearing the process handle; callers decide the resulting state.
func (c *Controller) terminate() bool {
	c.mu.Lock()
	cmd := c.cmd
	done := c.done
	c.cmd = nil
	c.done = nil
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(c.cfg.StopGrace):
		c.cfg.Log.Warn().Str("mode", string(c.cfg.Mode)).Int("pid", pid).Msg("engine ignored SIGTERM, killing")
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
	}
	return true
}

func (c *Controller) setError(msg string) {
	c.mu.Lock()
	c.state = types.StateError
	c.errMsg = msg
	c.mu.Unlock()
	c.cfg.Log.Error().Str("mode", string(c.cfg.Mode)).Msg(msg)
}

func (c *Controller) healthy(ctx context.Context, url string) bool {
	hctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Controller) args(modelPath string, p types.ServerParams) []string {
	args := []string{
		"-m", modelPath,
		"-t", strconv.Itoa(p.Threads),
		"--host", c.cfg.Host,
		"--port", strconv.Itoa(c.cfg.Port),
		"--ctx-size", strconv.Itoa(p.ContextSize),
		"--n-gpu-layers", strconv.Itoa(p.GPULayers),
		"--batch-size", strconv.Itoa(p.BatchSize),
		"--metrics",
		"--no-mmap",
	}
	switch c.cfg.Mode {
	case types.ModeEmbedding:
		args = append(args, "--embedding")
	case types.ModeRerank:
		args = append(args, "--reranking")
	}
	return args
}
