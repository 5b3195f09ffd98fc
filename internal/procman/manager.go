package procman

import (
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/llmclient"
	"inferd/pkg/types"
)

// ModeSettings fixes one engine slot: its port and the initial server and
// client parameters.
type ModeSettings struct {
	Port         int
	Params       types.ServerParams
	ClientParams types.ClientParams
}

// ManagerConfig carries everything needed to build one controller and one
// HTTP client per registered mode.
type ManagerConfig struct {
	BinPath        string
	Host           string
	HealthRetries  int
	HealthInterval time.Duration
	StopGrace      time.Duration
	Modes          map[types.Mode]ModeSettings
	Log            zerolog.Logger
}

// Manager is the registry of engine controllers, one per mode. It is the
// single place where a mode string resolves to a controller or client.
type Manager struct {
	log     zerolog.Logger
	ctrls   map[types.Mode]*Controller
	clients map[types.Mode]*llmclient.Client
}

// NewManager builds controllers and clients for every registered mode.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		log:     cfg.Log,
		ctrls:   make(map[types.Mode]*Controller, len(cfg.Modes)),
		clients: make(map[types.Mode]*llmclient.Client, len(cfg.Modes)),
	}
	for mode, s := range cfg.Modes {
		ctrl := NewController(ControllerConfig{
			Mode:           mode,
			BinPath:        cfg.BinPath,
			Host:           cfg.Host,
			Port:           s.Port,
			Params:         s.Params,
			HealthRetries:  cfg.HealthRetries,
			HealthInterval: cfg.HealthInterval,
			StopGrace:      cfg.StopGrace,
			Log:            cfg.Log.With().Str("component", "engine").Logger(),
		})
		m.ctrls[mode] = ctrl
		m.clients[mode] = llmclient.New(mode, ctrl.BaseURL(), s.ClientParams)
	}
	return m
}

// Server returns the controller for mode.
func (m *Manager) Server(mode types.Mode) (*Controller, error) {
	c, ok := m.ctrls[mode]
	if !ok {
		return nil, ErrUnknownMode(string(mode))
	}
	return c, nil
}

// Client returns the engine HTTP client for mode.
func (m *Manager) Client(mode types.Mode) (*llmclient.Client, error) {
	c, ok := m.clients[mode]
	if !ok {
		return nil, ErrUnknownMode(string(mode))
	}
	return c, nil
}

// Statuses reports every registered controller in canonical mode order.
func (m *Manager) Statuses() []types.ServerStatus {
	out := make([]types.ServerStatus, 0, len(m.ctrls))
	for _, mode := range types.Modes() {
		if c, ok := m.ctrls[mode]; ok {
			out = append(out, c.Status())
		}
	}
	return out
}

// StopAll tears down every live engine. Used on daemon shutdown.
func (m *Manager) StopAll() {
	for _, mode := range types.Modes() {
		if c, ok := m.ctrls[mode]; ok {
			c.Stop()
		}
	}
	m.log.Info().Msg("all engines stopped")
}
