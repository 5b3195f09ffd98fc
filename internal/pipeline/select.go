// Package pipeline composes the store, the engine controllers and the
// model resolver into the operations the HTTP surface exposes: model
// selection, parameter changes, chat turns and boot-time restoration.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"inferd/internal/download"
	"inferd/internal/procman"
	"inferd/internal/store"
	"inferd/pkg/types"
)

// Selector runs the model selection sequence for one mode: resolve the
// file, switch the engine onto it, and persist the new current model only
// after the engine is healthy.
type Selector struct {
	store    *store.Store
	mgr      *procman.Manager
	resolver *download.Resolver
	log      zerolog.Logger
}

// NewSelector constructs a Selector.
func NewSelector(st *store.Store, mgr *procman.Manager, res *download.Resolver, log zerolog.Logger) *Selector {
	return &Selector{store: st, mgr: mgr, resolver: res, log: log}
}

// Select makes mode serve the named model. Selecting the model a healthy
// engine already serves is a no-op success. On any failure the persisted
// current-model marker is left untouched.
func (s *Selector) Select(ctx context.Context, name string, mode types.Mode, downloadURL string) (types.SelectResult, error) {
	ctrl, err := s.mgr.Server(mode)
	if err != nil {
		return failure(name, err), err
	}

	path, err := s.resolver.Resolve(ctx, name, mode, downloadURL)
	if err != nil {
		s.log.Error().Str("model", name).Str("mode", string(mode)).Err(err).Msg("model resolution failed")
		return failure(name, err), err
	}

	st := ctrl.Status()
	if st.State == types.StateRunning && st.ModelPath == path {
		return types.SelectResult{
			Success:      true,
			Message:      fmt.Sprintf("model %q already active", name),
			ModelName:    name,
			ModelPath:    path,
			ServerStatus: st.State,
		}, nil
	}

	launch := ctrl.Start
	if st.ProcessAlive {
		launch = ctrl.Switch
	}
	if err := launch(ctx, path, name); err != nil {
		return failure(name, err), err
	}

	rec, err := s.store.UpsertModel(ctx, name, mode, path, downloadURL)
	if err != nil {
		return failure(name, err), err
	}
	if err := s.store.SetCurrentModel(ctx, rec.ID, mode); err != nil {
		return failure(name, err), err
	}

	s.log.Info().Str("model", name).Str("mode", string(mode)).Str("path", path).Msg("model selected")
	return types.SelectResult{
		Success:      true,
		Message:      fmt.Sprintf("model %q selected for %s", name, mode),
		ModelName:    name,
		ModelPath:    path,
		ServerStatus: ctrl.Status().State,
	}, nil
}

func failure(name string, err error) types.SelectResult {
	return types.SelectResult{
		Success:   false,
		Message:   err.Error(),
		ModelName: name,
	}
}
