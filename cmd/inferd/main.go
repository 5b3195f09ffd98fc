package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/internal/download"
	"inferd/internal/httpapi"
	"inferd/internal/pipeline"
	"inferd/internal/procman"
	"inferd/internal/store"
	"inferd/pkg/types"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Local inference orchestrator for llama-server engines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		engineBin  string
		modelsDir  string
		dbPath     string
		logLevel   string
		logJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and manage engine processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(logLevel, logJSON)
			if err != nil {
				return err
			}

			cfg := config.Default()
			if configPath != "" {
				fileCfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = config.Merge(cfg, fileCfg)
			}
			cfg = config.Merge(cfg, config.Config{
				Addr:      addr,
				EngineBin: engineBin,
				ModelsDir: modelsDir,
				DBPath:    dbPath,
			})
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (.yaml, .json or .toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default :8050)")
	cmd.Flags().StringVar(&engineBin, "engine-bin", "", "llama-server binary to launch")
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "directory holding model files")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs instead of console output")
	return cmd
}

func newLogger(level string, jsonOut bool) (zerolog.Logger, error) {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}
	var out = os.Stderr
	log := zerolog.New(out)
	if !jsonOut {
		log = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	return log.Level(lv).With().Timestamp().Logger(), nil
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	modelsDir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("models dir: %w", err)
	}
	dbPath, err := fsutil.ExpandHome(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("db path: %w", err)
	}
	if err := fsutil.EnsureDir(modelsDir); err != nil {
		return fmt.Errorf("models dir: %w", err)
	}
	if err := fsutil.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return fmt.Errorf("db dir: %w", err)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	modes := make(map[types.Mode]procman.ModeSettings, len(types.Modes()))
	for _, m := range types.Modes() {
		mc := cfg.Mode(m)
		cp := types.ClientParams{
			Temperature:   cfg.Temperature,
			RepeatPenalty: cfg.RepeatPenalty,
			MaxTokens:     cfg.MaxTokens,
		}
		switch m {
		case types.ModeEmbedding:
			cp.Normalize = true
			cp.Truncate = true
		case types.ModeRerank:
			cp.TopN = 3
		}
		modes[m] = procman.ModeSettings{
			Port: mc.Port,
			Params: types.ServerParams{
				ContextSize: mc.ContextSize,
				Threads:     cfg.Threads,
				GPULayers:   cfg.GPULayers,
				BatchSize:   cfg.BatchSize,
			},
			ClientParams: cp,
		}
	}
	mgr := procman.NewManager(procman.ManagerConfig{
		BinPath:        cfg.EngineBin,
		Host:           cfg.EngineHost,
		HealthRetries:  cfg.HealthRetries,
		HealthInterval: cfg.HealthInterval,
		StopGrace:      cfg.StopGrace,
		Modes:          modes,
		Log:            log,
	})
	defer mgr.StopAll()

	dl := download.New(log)
	resolver := download.NewResolver(st, dl, modelsDir, log)

	api := &httpapi.Server{
		Log:        log,
		Store:      st,
		Manager:    mgr,
		Downloader: dl,
		Selector:   pipeline.NewSelector(st, mgr, resolver, log),
		Params:     pipeline.NewParamChanger(st, mgr, log),
		Chat: pipeline.NewChat(st, mgr, pipeline.ChatConfig{
			DefaultSystemPrompt: cfg.SystemPrompt,
			DefaultContextSize:  cfg.Generation.ContextSize,
		}, log),
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(api),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", modelsDir).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Restore persisted state and bring engines back up while the API is
	// already answering health checks.
	startup := pipeline.NewStartup(st, mgr, cfg, log)
	if err := startup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("startup pipeline failed")
	} else {
		api.SetReady()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	mgr.StopAll()
	return nil
}
