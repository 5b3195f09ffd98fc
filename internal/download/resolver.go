package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"inferd/internal/common/fsutil"
	"inferd/internal/store"
	"inferd/pkg/types"
)

// Resolver turns a model record into a local file path: recorded path
// first, then a scan of the models directory, then a download from the
// record's URL as the last resort.
type Resolver struct {
	store     *store.Store
	dl        *Downloader
	modelsDir string
	log       zerolog.Logger
}

// NewResolver constructs a Resolver over the given models directory.
func NewResolver(st *store.Store, dl *Downloader, modelsDir string, log zerolog.Logger) *Resolver {
	return &Resolver{store: st, dl: dl, modelsDir: modelsDir, log: log}
}

// Resolve returns a usable local path for the named model, downloading it
// when necessary, and records the outcome on the model row. A non-empty
// downloadURL registers the model if unknown and takes precedence over
// the recorded URL.
func (r *Resolver) Resolve(ctx context.Context, name string, mode types.Mode, downloadURL string) (string, error) {
	rec, err := r.store.GetModelByName(ctx, name, mode)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// A file dropped into the models directory counts even without a
		// record; register it on sight.
		if p := r.scan(name + fsutil.ModelExt); p != "" {
			r.log.Info().Str("model", name).Str("path", p).Msg("model found on disk")
			if _, err := r.store.UpsertModel(ctx, name, mode, p, downloadURL); err != nil {
				return "", err
			}
			return p, nil
		}
		if downloadURL == "" {
			return "", ErrModelUnavailable(fmt.Sprintf("model %q not on disk for mode %s and no download url", name, mode))
		}
		rec, err = r.store.UpsertModel(ctx, name, mode, "", downloadURL)
		if err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}

	if rec.Path != "" && fsutil.PathExists(rec.Path) {
		if !rec.IsDownloaded {
			if err := r.store.SetDownloaded(ctx, rec.ID, true); err != nil {
				return "", err
			}
		}
		return rec.Path, nil
	}

	url := downloadURL
	if url == "" {
		url = rec.DownloadURL
	}

	// Recorded path stale or absent: look for the file on disk.
	if p := r.scan(recordCandidates(rec)...); p != "" {
		r.log.Info().Str("model", name).Str("path", p).Msg("model found on disk")
		if _, err := r.store.UpsertModel(ctx, name, mode, p, url); err != nil {
			return "", err
		}
		return p, nil
	}

	if url == "" {
		return "", ErrModelUnavailable(fmt.Sprintf("model %q is not on disk and has no download url", name))
	}
	p, err := r.dl.Download(ctx, url, r.modelsDir)
	if err != nil {
		return "", err
	}
	if _, err := r.store.UpsertModel(ctx, name, mode, p, url); err != nil {
		return "", err
	}
	return p, nil
}

// recordCandidates lists the filenames a record's file could plausibly
// carry in the models directory.
func recordCandidates(rec *store.ModelRecord) []string {
	candidates := make([]string, 0, 3)
	if rec.Path != "" {
		candidates = append(candidates, filepath.Base(rec.Path))
	}
	if rec.DownloadURL != "" {
		if u, err := url.Parse(rec.DownloadURL); err == nil {
			candidates = append(candidates, path.Base(u.Path))
		}
	}
	return append(candidates, rec.Name+fsutil.ModelExt)
}

// scan looks in the models directory for the first existing candidate
// filename.
func (r *Resolver) scan(candidates ...string) string {
	for _, c := range candidates {
		if c == "" || c == "." || !fsutil.IsModelFile(c) {
			continue
		}
		p := filepath.Join(r.modelsDir, c)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}
