// Package download fetches model files over HTTP with pollable progress.
// Completed files appear in the destination directory atomically: data is
// streamed to a temp file and renamed only after the full body arrived.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

var downloadedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inferd",
	Subsystem: "download",
	Name:      "bytes_total",
	Help:      "Total bytes of model data downloaded",
})

func init() {
	prometheus.MustRegister(downloadedBytesTotal)
}

const copyChunkSize = 64 * 1024

// Downloader runs model downloads keyed by URL. Concurrent requests for
// the same URL join the in-flight transfer instead of starting a second
// one.
type Downloader struct {
	http *http.Client
	log  zerolog.Logger
	sf   singleflight.Group

	mu    sync.Mutex
	tasks map[string]*types.DownloadTask
}

// New constructs a Downloader. The client carries no global timeout since
// model files are large; cancellation comes from the caller's context.
func New(log zerolog.Logger) *Downloader {
	return &Downloader{
		http: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		log:   log,
		tasks: make(map[string]*types.DownloadTask),
	}
}

// Download fetches rawURL into destDir and returns the final file path.
// If the file already exists it returns immediately. Duplicate concurrent
// calls for the same URL share one transfer and one result.
func (d *Downloader) Download(ctx context.Context, rawURL, destDir string) (string, error) {
	filename, err := filenameFromURL(rawURL)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, filename)
	v, err, _ := d.sf.Do(rawURL, func() (any, error) {
		return dest, d.fetch(ctx, rawURL, filename, destDir, dest)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Task returns a snapshot of the progress record for rawURL.
func (d *Downloader) Task(rawURL string) (types.DownloadTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[rawURL]
	if !ok {
		return types.DownloadTask{}, false
	}
	return *t, true
}

// Tasks returns snapshots of every known progress record.
func (d *Downloader) Tasks() []types.DownloadTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.DownloadTask, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, *t)
	}
	return out
}

func (d *Downloader) fetch(ctx context.Context, rawURL, filename, destDir, dest string) error {
	if fsutil.PathExists(dest) {
		d.update(rawURL, func(t *types.DownloadTask) {
			t.Filename = filename
			t.Status = types.DownloadCompleted
			t.Progress = 100
		})
		return nil
	}
	if err := fsutil.EnsureDir(destDir); err != nil {
		return err
	}
	d.update(rawURL, func(t *types.DownloadTask) {
		t.Filename = filename
		t.Status = types.DownloadRunning
		t.Downloaded = 0
		t.Total = 0
		t.Progress = 0
		t.Error = ""
	})
	d.log.Info().Str("url", rawURL).Str("dest", dest).Msg("download starting")

	err := d.transfer(ctx, rawURL, dest)
	if err != nil {
		d.update(rawURL, func(t *types.DownloadTask) {
			t.Status = types.DownloadFailed
			t.Error = err.Error()
		})
		d.log.Error().Str("url", rawURL).Err(err).Msg("download failed")
		return err
	}
	d.update(rawURL, func(t *types.DownloadTask) {
		t.Status = types.DownloadCompleted
		t.Progress = 100
	})
	d.log.Info().Str("url", rawURL).Str("dest", dest).Msg("download completed")
	return nil
}

func (d *Downloader) transfer(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", rawURL, resp.Status)
	}
	total := resp.ContentLength
	d.update(rawURL, func(t *types.DownloadTask) {
		if total > 0 {
			t.Total = total
		}
	})

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return werr
			}
			written += int64(n)
			downloadedBytesTotal.Add(float64(n))
			d.update(rawURL, func(t *types.DownloadTask) {
				t.Downloaded = written
				if t.Total > 0 {
					t.Progress = float64(written) / float64(t.Total) * 100
				}
			})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rerr
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if total > 0 && written != total {
		os.Remove(tmp)
		return fmt.Errorf("download %s: got %d bytes, expected %d", rawURL, written, total)
	}
	return os.Rename(tmp, dest)
}

func (d *Downloader) update(rawURL string, fn func(*types.DownloadTask)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[rawURL]
	if !ok {
		t = &types.DownloadTask{URL: rawURL}
		d.tasks[rawURL] = t
	}
	fn(t)
}

// filenameFromURL derives the destination filename from the URL path and
// requires a model file extension.
func filenameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid download url %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("download url %q has no filename", rawURL)
	}
	if !fsutil.IsModelFile(name) {
		return "", fmt.Errorf("download url %q does not point at a %s file", rawURL, fsutil.ModelExt)
	}
	return name, nil
}
