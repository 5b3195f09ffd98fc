package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

func TestDownloadWritesFileAtomically(t *testing.T) {
	content := strings.Repeat("g", 200_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := New(zerolog.Nop())
	p, err := d.Download(context.Background(), srv.URL+"/models/test.gguf", dir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if p != filepath.Join(dir, "test.gguf") {
		t.Fatalf("path = %q", p)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(b) != content {
		t.Fatalf("content mismatch: got %d bytes, want %d", len(b), len(content))
	}
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
	task, ok := d.Task(srv.URL + "/models/test.gguf")
	if !ok {
		t.Fatal("no task recorded")
	}
	if task.Status != types.DownloadCompleted || task.Progress != 100 {
		t.Fatalf("task = %+v", task)
	}
	if task.Downloaded != int64(len(content)) {
		t.Fatalf("downloaded = %d, want %d", task.Downloaded, len(content))
	}
}

func TestDownloadRejectsNonModelURL(t *testing.T) {
	d := New(zerolog.Nop())
	if _, err := d.Download(context.Background(), "http://example.com/model.bin", t.TempDir()); err == nil {
		t.Fatal("want error for non-model extension")
	}
	if _, err := d.Download(context.Background(), "http://example.com/", t.TempDir()); err == nil {
		t.Fatal("want error for missing filename")
	}
}

func TestDownloadHTTPErrorMarksTaskFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	d := New(zerolog.Nop())
	url := srv.URL + "/missing.gguf"
	if _, err := d.Download(context.Background(), url, dir); err == nil {
		t.Fatal("want error for 404")
	}
	task, ok := d.Task(url)
	if !ok {
		t.Fatal("no task recorded")
	}
	if task.Status != types.DownloadFailed || task.Error == "" {
		t.Fatalf("task = %+v", task)
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.gguf")); !os.IsNotExist(err) {
		t.Fatal("destination should not exist after failure")
	}
}

func TestDownloadTruncatedBodyLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1000))
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := New(zerolog.Nop())
	url := srv.URL + "/trunc.gguf"
	if _, err := d.Download(context.Background(), url, dir); err == nil {
		t.Fatal("want error for truncated body")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("directory should be empty, got %v", entries)
	}
	if task, _ := d.Task(url); task.Status != types.DownloadFailed {
		t.Fatalf("task = %+v", task)
	}
}

func TestDownloadSkipsExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be contacted for an existing file")
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "have.gguf")
	if err := os.WriteFile(dest, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d := New(zerolog.Nop())
	p, err := d.Download(context.Background(), srv.URL+"/have.gguf", dir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if p != dest {
		t.Fatalf("path = %q, want %q", p, dest)
	}
}

func TestConcurrentDownloadsShareOneTransfer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := New(zerolog.Nop())
	url := srv.URL + "/shared.gguf"

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Download(context.Background(), url, dir)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("download %d: %v", i, err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("server hit %d times, want 1", n)
	}
}
