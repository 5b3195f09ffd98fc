package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"inferd/internal/procman"
	"inferd/internal/store"
	"inferd/pkg/types"
)

// Parameter store keys are scoped per mode ("generation.context_size").
// The system prompt is global.
const KeySystemPrompt = "system_prompt"

// ParamKey builds the store key for one mode-scoped parameter field.
func ParamKey(mode types.Mode, field string) string {
	return string(mode) + "." + field
}

// ParamChanger applies partial parameter updates to one mode: validate
// everything first, restart the engine only when a server-affecting value
// actually changed, mutate the client in place, and persist every
// supplied field.
type ParamChanger struct {
	store *store.Store
	mgr   *procman.Manager
	log   zerolog.Logger
}

// NewParamChanger constructs a ParamChanger.
func NewParamChanger(st *store.Store, mgr *procman.Manager, log zerolog.Logger) *ParamChanger {
	return &ParamChanger{store: st, mgr: mgr, log: log}
}

// Apply validates and applies upd for mode. One invalid field rejects the
// whole update with no side effects.
func (p *ParamChanger) Apply(ctx context.Context, mode types.Mode, upd types.ParamUpdate) (types.ParamResult, error) {
	if err := validateUpdate(upd); err != nil {
		return types.ParamResult{Message: err.Error()}, err
	}
	ctrl, err := p.mgr.Server(mode)
	if err != nil {
		return types.ParamResult{Message: err.Error()}, err
	}
	client, err := p.mgr.Client(mode)
	if err != nil {
		return types.ParamResult{Message: err.Error()}, err
	}

	var changed []string

	// Server-affecting values. Supplied-but-equal fields do not count as
	// changes and must not trigger a restart.
	sp := ctrl.Params()
	serverChanged := false
	applyInt := func(dst *int, v *int, name string, srv bool) {
		if v == nil || *dst == *v {
			return
		}
		*dst = *v
		changed = append(changed, fmt.Sprintf("%s=%d", name, *v))
		if srv {
			serverChanged = true
		}
	}
	applyInt(&sp.ContextSize, upd.ContextSize, "context_size", true)
	applyInt(&sp.Threads, upd.Threads, "threads", true)
	applyInt(&sp.GPULayers, upd.GPULayers, "gpu_layers", true)
	applyInt(&sp.BatchSize, upd.BatchSize, "batch_size", true)

	// Client-affecting values apply on the next request without a restart.
	cp := client.Params()
	clientChanged := false
	applyFloat := func(dst *float64, v *float64, name string) {
		if v == nil || *dst == *v {
			return
		}
		*dst = *v
		clientChanged = true
		changed = append(changed, fmt.Sprintf("%s=%g", name, *v))
	}
	applyClientInt := func(dst *int, v *int, name string) {
		if v == nil || *dst == *v {
			return
		}
		*dst = *v
		clientChanged = true
		changed = append(changed, fmt.Sprintf("%s=%d", name, *v))
	}
	applyBool := func(dst *bool, v *bool, name string) {
		if v == nil || *dst == *v {
			return
		}
		*dst = *v
		clientChanged = true
		changed = append(changed, fmt.Sprintf("%s=%t", name, *v))
	}
	applyFloat(&cp.Temperature, upd.Temperature, "temperature")
	applyFloat(&cp.RepeatPenalty, upd.RepeatPenalty, "repeat_penalty")
	applyClientInt(&cp.MaxTokens, upd.MaxTokens, "max_tokens")
	applyBool(&cp.Normalize, upd.Normalize, "normalize")
	applyBool(&cp.Truncate, upd.Truncate, "truncate")
	applyClientInt(&cp.TopN, upd.TopN, "top_n")
	applyBool(&cp.ReturnDocuments, upd.ReturnDocuments, "return_documents")

	if serverChanged {
		if err := ctrl.UpdateParams(ctx, sp); err != nil {
			return types.ParamResult{Message: err.Error(), RequiresRestart: true}, err
		}
	}
	if clientChanged {
		client.SetParams(cp)
	}

	if err := p.persist(ctx, mode, upd); err != nil {
		return types.ParamResult{Message: err.Error(), RequiresRestart: serverChanged}, err
	}

	msg := "no changes"
	if len(changed) > 0 {
		msg = "updated " + strings.Join(changed, ", ")
		p.log.Info().Str("mode", string(mode)).Strs("changes", changed).Msg("parameters updated")
	}
	return types.ParamResult{Success: true, Message: msg, RequiresRestart: serverChanged}, nil
}

// persist writes every supplied field to the store with its type tag, so
// values survive restarts regardless of whether they changed anything.
func (p *ParamChanger) persist(ctx context.Context, mode types.Mode, upd types.ParamUpdate) error {
	set := func(field, value, typ string) error {
		return p.store.SetParameter(ctx, ParamKey(mode, field), value, typ)
	}
	type entry struct {
		field string
		value string
		typ   string
		ok    bool
	}
	entries := []entry{
		{"context_size", itoaPtr(upd.ContextSize), "int", upd.ContextSize != nil},
		{"threads", itoaPtr(upd.Threads), "int", upd.Threads != nil},
		{"gpu_layers", itoaPtr(upd.GPULayers), "int", upd.GPULayers != nil},
		{"batch_size", itoaPtr(upd.BatchSize), "int", upd.BatchSize != nil},
		{"temperature", ftoaPtr(upd.Temperature), "float", upd.Temperature != nil},
		{"repeat_penalty", ftoaPtr(upd.RepeatPenalty), "float", upd.RepeatPenalty != nil},
		{"max_tokens", itoaPtr(upd.MaxTokens), "int", upd.MaxTokens != nil},
		{"normalize", btoaPtr(upd.Normalize), "bool", upd.Normalize != nil},
		{"truncate", btoaPtr(upd.Truncate), "bool", upd.Truncate != nil},
		{"top_n", itoaPtr(upd.TopN), "int", upd.TopN != nil},
		{"return_documents", btoaPtr(upd.ReturnDocuments), "bool", upd.ReturnDocuments != nil},
	}
	for _, e := range entries {
		if !e.ok {
			continue
		}
		if err := set(e.field, e.value, e.typ); err != nil {
			return err
		}
	}
	return nil
}

func validateUpdate(u types.ParamUpdate) error {
	if u.ContextSize != nil && *u.ContextSize <= 0 {
		return ErrInvalidParam("context_size must be > 0")
	}
	if u.Threads != nil && *u.Threads <= 0 {
		return ErrInvalidParam("threads must be > 0")
	}
	if u.GPULayers != nil && *u.GPULayers < 0 {
		return ErrInvalidParam("gpu_layers must be >= 0")
	}
	if u.BatchSize != nil && *u.BatchSize <= 0 {
		return ErrInvalidParam("batch_size must be > 0")
	}
	if u.Temperature != nil && (*u.Temperature < 0 || *u.Temperature > 2) {
		return ErrInvalidParam("temperature must be between 0 and 2")
	}
	if u.RepeatPenalty != nil && *u.RepeatPenalty < 0 {
		return ErrInvalidParam("repeat_penalty must be >= 0")
	}
	if u.MaxTokens != nil && *u.MaxTokens <= 0 {
		return ErrInvalidParam("max_tokens must be > 0")
	}
	if u.TopN != nil && *u.TopN <= 0 {
		return ErrInvalidParam("top_n must be > 0")
	}
	return nil
}

func itoaPtr(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func ftoaPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func btoaPtr(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
