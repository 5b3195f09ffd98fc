package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/internal/procman"
	"inferd/internal/store"
	"inferd/pkg/types"
)

// Startup restores persisted state on boot: seed configured default
// models into an empty store, push persisted parameters into controllers
// and clients, and bring the current model of each mode back up when its
// file is still on disk. All steps are best effort; a mode that fails to
// start is logged and left in its error state.
type Startup struct {
	store *store.Store
	mgr   *procman.Manager
	cfg   config.Config
	log   zerolog.Logger
}

// NewStartup constructs a Startup pipeline.
func NewStartup(st *store.Store, mgr *procman.Manager, cfg config.Config, log zerolog.Logger) *Startup {
	return &Startup{store: st, mgr: mgr, cfg: cfg, log: log}
}

// Run executes the boot sequence.
func (s *Startup) Run(ctx context.Context) error {
	if err := s.seed(ctx); err != nil {
		return err
	}
	if err := s.restoreParams(ctx); err != nil {
		return err
	}
	s.autoStart(ctx)
	return nil
}

// seed registers the configured default model for every mode that has no
// records yet.
func (s *Startup) seed(ctx context.Context) error {
	for _, mode := range types.Modes() {
		mc := s.cfg.Mode(mode)
		if mc.ModelName == "" {
			continue
		}
		existing, err := s.store.ListModels(ctx, mode)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		rec, err := s.store.UpsertModel(ctx, mc.ModelName, mode, "", mc.ModelURL)
		if err != nil {
			return err
		}
		s.log.Info().Str("mode", string(mode)).Str("model", rec.Name).Msg("seeded default model")
	}
	return nil
}

// restoreParams overlays persisted parameter values onto the config
// defaults and hands them to the controllers and clients. No engine is
// live yet, so UpdateParams only stores.
func (s *Startup) restoreParams(ctx context.Context) error {
	for _, mode := range types.Modes() {
		ctrl, err := s.mgr.Server(mode)
		if err != nil {
			return err
		}
		client, err := s.mgr.Client(mode)
		if err != nil {
			return err
		}
		mc := s.cfg.Mode(mode)

		sp := types.ServerParams{
			ContextSize: s.store.GetParamInt(ctx, ParamKey(mode, "context_size"), mc.ContextSize),
			Threads:     s.store.GetParamInt(ctx, ParamKey(mode, "threads"), s.cfg.Threads),
			GPULayers:   s.store.GetParamInt(ctx, ParamKey(mode, "gpu_layers"), s.cfg.GPULayers),
			BatchSize:   s.store.GetParamInt(ctx, ParamKey(mode, "batch_size"), s.cfg.BatchSize),
		}
		if err := ctrl.UpdateParams(ctx, sp); err != nil {
			return err
		}

		cp := client.Params()
		cp.Temperature = s.store.GetParamFloat(ctx, ParamKey(mode, "temperature"), s.cfg.Temperature)
		cp.RepeatPenalty = s.store.GetParamFloat(ctx, ParamKey(mode, "repeat_penalty"), s.cfg.RepeatPenalty)
		cp.MaxTokens = s.store.GetParamInt(ctx, ParamKey(mode, "max_tokens"), s.cfg.MaxTokens)
		cp.Normalize = s.store.GetParamBool(ctx, ParamKey(mode, "normalize"), cp.Normalize)
		cp.Truncate = s.store.GetParamBool(ctx, ParamKey(mode, "truncate"), cp.Truncate)
		cp.TopN = s.store.GetParamInt(ctx, ParamKey(mode, "top_n"), cp.TopN)
		cp.ReturnDocuments = s.store.GetParamBool(ctx, ParamKey(mode, "return_documents"), cp.ReturnDocuments)
		client.SetParams(cp)
	}
	return nil
}

// autoStart brings back the persisted current model per mode.
func (s *Startup) autoStart(ctx context.Context) {
	for _, mode := range types.Modes() {
		cur, err := s.store.GetCurrentModel(ctx, mode)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			s.log.Error().Str("mode", string(mode)).Err(err).Msg("current model lookup failed")
			continue
		}
		if cur.Path == "" {
			continue
		}
		if !fsutil.PathExists(cur.Path) {
			s.log.Warn().Str("mode", string(mode)).Str("path", cur.Path).Msg("current model file missing, not starting")
			continue
		}
		ctrl, err := s.mgr.Server(mode)
		if err != nil {
			continue
		}
		if err := ctrl.Start(ctx, cur.Path, cur.Name); err != nil {
			s.log.Error().Str("mode", string(mode)).Str("model", cur.Name).Err(err).Msg("auto-start failed")
		}
	}
}
