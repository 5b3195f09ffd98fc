package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"inferd/pkg/types"
)

// ModeConfig holds the per-capability engine settings. ModelName and
// ModelURL describe the default model seeded into the store on first
// boot; both may be empty.
type ModeConfig struct {
	Port        int    `json:"port" yaml:"port" toml:"port"`
	ContextSize int    `json:"context_size" yaml:"context_size" toml:"context_size"`
	ModelName   string `json:"model_name" yaml:"model_name" toml:"model_name"`
	ModelURL    string `json:"model_url" yaml:"model_url" toml:"model_url"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by Default() values.
type Config struct {
	Addr       string `json:"addr" yaml:"addr" toml:"addr"`
	EngineBin  string `json:"engine_bin" yaml:"engine_bin" toml:"engine_bin"`
	EngineHost string `json:"engine_host" yaml:"engine_host" toml:"engine_host"`
	ModelsDir  string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DBPath     string `json:"db_path" yaml:"db_path" toml:"db_path"`

	Generation ModeConfig `json:"generation" yaml:"generation" toml:"generation"`
	Embedding  ModeConfig `json:"embedding" yaml:"embedding" toml:"embedding"`
	Rerank     ModeConfig `json:"rerank" yaml:"rerank" toml:"rerank"`

	Threads   int `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	BatchSize int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`

	Temperature   float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	RepeatPenalty float64 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	MaxTokens     int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`

	HealthRetries  int           `json:"health_retries" yaml:"health_retries" toml:"health_retries"`
	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	StopGrace      time.Duration `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace"`

	SystemPrompt string `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:       ":8050",
		EngineBin:  "llama-server",
		EngineHost: "127.0.0.1",
		ModelsDir:  "~/.cache/inferd/models",
		DBPath:     "~/.cache/inferd/inferd.db",
		Generation: ModeConfig{Port: 8051, ContextSize: 15360},
		Embedding:  ModeConfig{Port: 8052, ContextSize: 8192},
		Rerank:     ModeConfig{Port: 8053, ContextSize: 8192},

		Threads:   8,
		GPULayers: 0,
		BatchSize: 512,

		Temperature:   0.7,
		RepeatPenalty: 1.1,
		MaxTokens:     2048,

		HealthRetries:  30,
		HealthInterval: 2 * time.Second,
		StopGrace:      10 * time.Second,

		SystemPrompt: "You are a helpful assistant.",
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Merge overlays the non-zero fields of b onto a and returns the result.
func Merge(a, b Config) Config {
	if b.Addr != "" {
		a.Addr = b.Addr
	}
	if b.EngineBin != "" {
		a.EngineBin = b.EngineBin
	}
	if b.EngineHost != "" {
		a.EngineHost = b.EngineHost
	}
	if b.ModelsDir != "" {
		a.ModelsDir = b.ModelsDir
	}
	if b.DBPath != "" {
		a.DBPath = b.DBPath
	}
	a.Generation = mergeMode(a.Generation, b.Generation)
	a.Embedding = mergeMode(a.Embedding, b.Embedding)
	a.Rerank = mergeMode(a.Rerank, b.Rerank)
	if b.Threads != 0 {
		a.Threads = b.Threads
	}
	if b.GPULayers != 0 {
		a.GPULayers = b.GPULayers
	}
	if b.BatchSize != 0 {
		a.BatchSize = b.BatchSize
	}
	if b.Temperature != 0 {
		a.Temperature = b.Temperature
	}
	if b.RepeatPenalty != 0 {
		a.RepeatPenalty = b.RepeatPenalty
	}
	if b.MaxTokens != 0 {
		a.MaxTokens = b.MaxTokens
	}
	if b.HealthRetries != 0 {
		a.HealthRetries = b.HealthRetries
	}
	if b.HealthInterval != 0 {
		a.HealthInterval = b.HealthInterval
	}
	if b.StopGrace != 0 {
		a.StopGrace = b.StopGrace
	}
	if b.SystemPrompt != "" {
		a.SystemPrompt = b.SystemPrompt
	}
	return a
}

func mergeMode(a, b ModeConfig) ModeConfig {
	if b.Port != 0 {
		a.Port = b.Port
	}
	if b.ContextSize != 0 {
		a.ContextSize = b.ContextSize
	}
	if b.ModelName != "" {
		a.ModelName = b.ModelName
	}
	if b.ModelURL != "" {
		a.ModelURL = b.ModelURL
	}
	return a
}

// Mode returns the per-mode engine settings for m.
func (c Config) Mode(m types.Mode) ModeConfig {
	switch m {
	case types.ModeEmbedding:
		return c.Embedding
	case types.ModeRerank:
		return c.Rerank
	default:
		return c.Generation
	}
}
