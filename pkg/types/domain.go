package types

import "fmt"

// Mode identifies one of the three inference capabilities. Each mode is
// bound to its own engine process and port.
type Mode string

const (
	ModeGeneration Mode = "generation"
	ModeEmbedding  Mode = "embedding"
	ModeRerank     Mode = "rerank"
)

// Modes lists every valid mode in a stable order.
func Modes() []Mode { return []Mode{ModeGeneration, ModeEmbedding, ModeRerank} }

// ParseMode validates a mode string at the manager boundary. An empty
// string defaults to generation.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeGeneration, ModeEmbedding, ModeRerank:
		return Mode(s), nil
	case "":
		return ModeGeneration, nil
	}
	return "", fmt.Errorf("invalid mode: %q (must be generation, embedding or rerank)", s)
}

// ServerState is the lifecycle state of one engine process controller.
type ServerState string

const (
	StateNotStarted ServerState = "not_started"
	StateStarting   ServerState = "starting"
	StateRunning    ServerState = "running"
	StateError      ServerState = "error"
	StateStopped    ServerState = "stopped"
)

// ServerStatus is a read-only snapshot of a controller. It is recomputed
// from the live process and never persisted.
type ServerStatus struct {
	Mode         Mode        `json:"mode"`
	State        ServerState `json:"state"`
	ModelName    string      `json:"model_name,omitempty"`
	ModelPath    string      `json:"model_path,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	ProcessAlive bool        `json:"process_alive"`
	Port         int         `json:"port,omitempty"`
	PID          int         `json:"pid,omitempty"`
}

// ServerParams are settings the engine reads only at process launch;
// changing any of them requires a restart.
type ServerParams struct {
	ContextSize int `json:"context_size"`
	Threads     int `json:"threads"`
	GPULayers   int `json:"gpu_layers"`
	BatchSize   int `json:"batch_size"`
}

// ClientParams are applied per-request by the calling client and take
// effect immediately. Only the fields relevant to a mode are used.
type ClientParams struct {
	// Generation
	Temperature   float64 `json:"temperature,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	// Embedding
	Normalize bool `json:"normalize,omitempty"`
	Truncate  bool `json:"truncate,omitempty"`
	// Rerank
	TopN            int  `json:"top_n,omitempty"`
	ReturnDocuments bool `json:"return_documents,omitempty"`
}

// ChatMessage is one turn in an outbound engine payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DownloadState tracks the lifecycle of one model file acquisition.
type DownloadState string

const (
	DownloadRunning   DownloadState = "downloading"
	DownloadCompleted DownloadState = "completed"
	DownloadFailed    DownloadState = "failed"
)

// DownloadTask is the pollable progress record for one URL.
type DownloadTask struct {
	URL        string        `json:"url"`
	Filename   string        `json:"filename"`
	Status     DownloadState `json:"status"`
	Downloaded int64         `json:"downloaded"`
	Total      int64         `json:"total"`
	Progress   float64       `json:"progress"`
	Error      string        `json:"error,omitempty"`
}
