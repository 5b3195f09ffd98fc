package pipeline

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"inferd/internal/llmclient"
	"inferd/internal/procman"
	"inferd/internal/store"
	"inferd/internal/tokenest"
	"inferd/pkg/types"
)

// ChatConfig carries the fallbacks used when nothing is persisted yet.
type ChatConfig struct {
	DefaultSystemPrompt string
	DefaultContextSize  int
}

// Chat runs one conversational turn: window the history into the token
// budget, persist the user turn, stream the completion, and persist the
// assistant turn only when it arrived whole.
type Chat struct {
	store *store.Store
	mgr   *procman.Manager
	cfg   ChatConfig
	log   zerolog.Logger
}

// NewChat constructs a Chat pipeline.
func NewChat(st *store.Store, mgr *procman.Manager, cfg ChatConfig, log zerolog.Logger) *Chat {
	return &Chat{store: st, mgr: mgr, cfg: cfg, log: log}
}

// Respond executes req and forwards stream events through onEvent. It
// returns the session id, which may be freshly created when req names
// none. The user message is persisted before streaming begins; partial
// assistant output from a failed stream is discarded.
func (c *Chat) Respond(ctx context.Context, req types.ChatRequest, onEvent func(types.ChatEvent) error) (uint, error) {
	if strings.TrimSpace(req.Message) == "" {
		return 0, ErrInvalidParam("message must not be empty")
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		return 0, err
	}
	ctrl, err := c.mgr.Server(mode)
	if err != nil {
		return 0, err
	}
	if st := ctrl.Status(); st.State != types.StateRunning {
		return 0, procman.ErrNotRunning(string(mode), string(st.State))
	}
	client, err := c.mgr.Client(mode)
	if err != nil {
		return 0, err
	}

	var sess *store.Session
	if req.SessionID == 0 {
		sess, err = c.store.CreateSession(ctx, req.Message)
	} else {
		sess, err = c.store.GetSession(ctx, req.SessionID)
	}
	if err != nil {
		return 0, err
	}

	sysPrompt := c.store.GetParamString(ctx, KeySystemPrompt, c.cfg.DefaultSystemPrompt)
	ctxSize := c.store.GetParamInt(ctx, ParamKey(mode, "context_size"), c.cfg.DefaultContextSize)

	window, err := c.historyWindow(ctx, sess.ID, ctxSize, sysPrompt)
	if err != nil {
		return sess.ID, err
	}

	msgs := make([]types.ChatMessage, 0, len(window)+2)
	msgs = append(msgs, types.ChatMessage{Role: "system", Content: sysPrompt})
	msgs = append(msgs, window...)
	msgs = append(msgs, types.ChatMessage{Role: "user", Content: req.Message})

	userEst := tokenest.EstimateMessage("user", req.Message)
	if _, err := c.store.AddMessage(ctx, sess.ID, "user", req.Message, userEst); err != nil {
		return sess.ID, err
	}

	var sb strings.Builder
	streamErr := client.ChatStream(ctx, msgs, llmclient.Overrides{
		Temperature:   req.Temperature,
		RepeatPenalty: req.RepeatPenalty,
		MaxTokens:     req.MaxTokens,
	}, func(frag string) error {
		sb.WriteString(frag)
		return onEvent(types.ChatEvent{Content: frag})
	})
	if streamErr != nil {
		c.log.Error().Uint("session", sess.ID).Err(streamErr).Msg("chat stream failed")
		_ = onEvent(types.ChatEvent{Error: streamErr.Error(), SessionID: sess.ID})
		return sess.ID, streamErr
	}

	if full := sb.String(); full != "" {
		est := tokenest.EstimateMessage("assistant", full)
		if _, err := c.store.AddMessage(ctx, sess.ID, "assistant", full, est); err != nil {
			return sess.ID, err
		}
	}
	return sess.ID, onEvent(types.ChatEvent{Done: true, SessionID: sess.ID})
}

// historyWindow picks the most recent turns whose precomputed estimates
// fit the budget, returned in chronological order. The budget is half the
// context window minus the system message. Role pairing is not preserved:
// the cut can land between a user turn and its reply.
func (c *Chat) historyWindow(ctx context.Context, sessionID uint, ctxSize int, sysPrompt string) ([]types.ChatMessage, error) {
	budget := ctxSize/2 - tokenest.EstimateMessage("system", sysPrompt)
	if budget <= 0 {
		return nil, nil
	}
	history, err := c.store.MessagesNewestFirst(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	used := 0
	picked := make([]types.ChatMessage, 0, len(history))
	for _, m := range history {
		if used+m.TokenEst > budget {
			break
		}
		used += m.TokenEst
		picked = append(picked, types.ChatMessage{Role: m.Role, Content: m.Content})
	}
	// Reverse back to chronological order.
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked, nil
}
