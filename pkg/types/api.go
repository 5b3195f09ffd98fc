package types

import "time"

// SelectRequest asks the orchestrator to make a mode serve a model.
type SelectRequest struct {
	ModelName   string `json:"model_name"`
	Mode        string `json:"mode,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// SelectResult is the structured outcome of a model selection.
type SelectResult struct {
	Success      bool        `json:"success"`
	Message      string      `json:"message"`
	ModelName    string      `json:"model_name"`
	ModelPath    string      `json:"model_path,omitempty"`
	ServerStatus ServerState `json:"server_status"`
}

// ParamUpdate carries a partial parameter change. Nil fields were not
// supplied and are left untouched.
type ParamUpdate struct {
	ContextSize     *int     `json:"context_size,omitempty"`
	Threads         *int     `json:"threads,omitempty"`
	GPULayers       *int     `json:"gpu_layers,omitempty"`
	BatchSize       *int     `json:"batch_size,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	RepeatPenalty   *float64 `json:"repeat_penalty,omitempty"`
	MaxTokens       *int     `json:"max_tokens,omitempty"`
	Normalize       *bool    `json:"normalize,omitempty"`
	Truncate        *bool    `json:"truncate,omitempty"`
	TopN            *int     `json:"top_n,omitempty"`
	ReturnDocuments *bool    `json:"return_documents,omitempty"`
}

// ParamResult reports what a parameter change actually did.
type ParamResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	RequiresRestart bool   `json:"requires_restart"`
}

// ChatRequest is the inbound chat payload.
type ChatRequest struct {
	SessionID     uint     `json:"session_id"`
	Message       string   `json:"message"`
	Mode          string   `json:"mode,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
}

// ChatEvent is one forwarded unit of a chat stream. SessionID is set on
// the final event so implicitly created sessions are discoverable.
type ChatEvent struct {
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done,omitempty"`
	SessionID uint   `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionInfo summarizes one chat session.
type SessionInfo struct {
	ID            uint      `json:"id"`
	Name          string    `json:"name"`
	MessageCount  int       `json:"message_count"`
	TotalTokenEst int       `json:"total_token_estimate"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MessageInfo is one persisted chat turn.
type MessageInfo struct {
	ID         uint      `json:"id"`
	SessionID  uint      `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokenEst   int       `json:"token_estimate"`
	CreatedAt  time.Time `json:"created_at"`
}

// ModelInfo is the API view of a model record.
type ModelInfo struct {
	ID           uint   `json:"id"`
	Name         string `json:"name"`
	Mode         Mode   `json:"mode"`
	Path         string `json:"path"`
	DownloadURL  string `json:"download_url,omitempty"`
	IsCurrent    bool   `json:"is_current"`
	IsDownloaded bool   `json:"is_downloaded"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
