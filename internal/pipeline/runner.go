package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coursecal/internal/assemble"
	"coursecal/internal/config"
	"coursecal/internal/ics"
)

// ErrBuildInProgress is returned by Runner.Run while another build runs.
var ErrBuildInProgress = errors.New("build already in progress")

// Runner performs builds from a configuration, at most one at a time. The
// cron schedule and the HTTP refresh endpoint share one Runner.
type Runner struct {
	cfg     *config.Config
	fetcher *ics.Fetcher
	write   bool

	// now is swapped in tests.
	now func() time.Time

	mu sync.Mutex
}

// NewRunner validates cfg and prepares a fetcher for it. When write is
// true every successful build is written to cfg.Output.
func NewRunner(cfg *config.Config, write bool) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout, err := cfg.FetchTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:     cfg,
		fetcher: ics.NewFetcher(cfg.CacheDir, timeout),
		write:   write,
		now:     time.Now,
	}, nil
}

// Run builds the document once. It does not wait for a running build.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if !r.mu.TryLock() {
		return Result{}, ErrBuildInProgress
	}
	defer r.mu.Unlock()

	now := r.now()
	opts, err := OptionsFromConfig(r.cfg, now)
	if err != nil {
		return Result{}, err
	}
	res, err := Build(ctx, r.fetcher, SourcesFromConfig(r.cfg), opts, now)
	if err != nil {
		return res, err
	}
	if r.write {
		if err := assemble.WriteFile(r.cfg.Output, res.Document); err != nil {
			return res, fmt.Errorf("write %s: %w", r.cfg.Output, err)
		}
	}
	return res, nil
}
