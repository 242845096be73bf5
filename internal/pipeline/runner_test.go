package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coursecal/internal/assemble"
	"coursecal/internal/config"
)

func runnerConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Output = filepath.Join(dir, "public", "events.json")
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.FetchTimeout = "5s"
	cfg.Sources = []config.SourceConfig{{ID: "dac", URL: url}}
	cfg.Courses = []config.CourseConfig{{Code: "ALGO", Group: 2}}
	return cfg
}

func TestRunnerWritesOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(dacFeed)
	}))
	defer srv.Close()

	cfg := runnerConfig(t, srv.URL+"/dac.ics")
	r, err := NewRunner(cfg, true)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.now = func() time.Time { return buildTime }

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	doc, err := assemble.ReadFile(cfg.Output)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	if doc.Count != res.Document.Count || doc.Count != 4 {
		t.Errorf("written count = %d, built count = %d", doc.Count, res.Document.Count)
	}
}

func TestRunnerIsSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		_, _ = w.Write(dacFeed)
	}))
	defer srv.Close()

	r, err := NewRunner(runnerConfig(t, srv.URL+"/dac.ics"), false)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.now = func() time.Time { return buildTime }

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background())
		done <- err
	}()

	<-entered
	if _, err := r.Run(context.Background()); !errors.Is(err, ErrBuildInProgress) {
		t.Errorf("concurrent Run = %v, want ErrBuildInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Run: %v", err)
	}
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FetchTimeout = "never"
	if _, err := NewRunner(cfg, false); err == nil {
		t.Errorf("expected error for invalid config")
	}
}
