// Package pipeline wires fetching, parsing, expansion, override patching,
// course matching and assembly into one build.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coursecal/internal/assemble"
	"coursecal/internal/config"
	"coursecal/internal/course"
	"coursecal/internal/ics"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

// ErrAllSourcesFailed is returned by Build when sources were configured but
// none of them produced a body (not even from cache).
var ErrAllSourcesFailed = errors.New("every source failed")

// Options is the resolved, typed form of the configuration a build needs.
type Options struct {
	Window         ics.Window
	Location       *time.Location
	GroupPolicy    course.GroupPolicy
	OverridePolicy ics.OverridePolicy
	StableIDs      bool
	MaxOccurrences int
	MinDuration    time.Duration
	Filters        []course.Filter
}

// OptionsFromConfig resolves cfg for a build happening at now.
func OptionsFromConfig(cfg *config.Config, now time.Time) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, err
	}
	minDur, err := cfg.MinDurationValue()
	if err != nil {
		return Options{}, err
	}
	gp, err := course.ParseGroupPolicy(cfg.GroupPolicy)
	if err != nil {
		return Options{}, err
	}
	op, err := ics.ParseOverridePolicy(cfg.OverridePolicy)
	if err != nil {
		return Options{}, err
	}
	from, to := cfg.WindowAt(now)

	filters := make([]course.Filter, 0, len(cfg.Courses))
	for _, c := range cfg.Courses {
		filters = append(filters, course.Filter{
			Code:    c.Code,
			Group:   c.Group,
			Aliases: c.Aliases,
			Exclude: c.Exclude,
		})
	}

	return Options{
		Window:         ics.Window{From: from, To: to},
		Location:       loc,
		GroupPolicy:    gp,
		OverridePolicy: op,
		StableIDs:      cfg.StableIDs,
		MaxOccurrences: cfg.MaxOccurrences,
		MinDuration:    minDur,
		Filters:        filters,
	}, nil
}

// SourcesFromConfig returns the configured feeds with ${VAR} expanded.
func SourcesFromConfig(cfg *config.Config) []ics.Source {
	srcs := cfg.ExpandedSources()
	out := make([]ics.Source, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, ics.Source{ID: s.ID, URL: s.URL})
	}
	return out
}

// SourceStats summarizes what one source contributed to a build.
type SourceStats struct {
	ID          string `json:"id"`
	FromCache   bool   `json:"fromCache"`
	Entries     int    `json:"entries"`
	Overrides   int    `json:"overrides"`
	Occurrences int    `json:"occurrences"`
	Matched     int    `json:"matched"`
	RuleErrors  int    `json:"ruleErrors"`
	Error       string `json:"error,omitempty"`
}

// Result is the outcome of one build.
type Result struct {
	Document model.Document
	Sources  []SourceStats
}

// CourseCounts returns the number of events per course code.
func (r Result) CourseCounts() map[string]int {
	counts := make(map[string]int)
	for _, ev := range r.Document.Events {
		counts[ev.CourseCode]++
	}
	return counts
}

// Build fetches every source and processes the fetched feeds in configured
// order. Failed sources are reported in the stats and left out of the
// document; the returned error is non-nil only when all of them failed.
func Build(ctx context.Context, f *ics.Fetcher, sources []ics.Source, opts Options, now time.Time) (Result, error) {
	start := time.Now()
	feeds, errs := f.FetchAll(ctx, sources)

	res := Process(feeds, opts, now)

	// Failed sources still get a stats row, in configured order.
	fetched := make(map[string]SourceStats, len(res.Sources))
	for _, st := range res.Sources {
		fetched[st.ID] = st
	}
	failed := make(map[string]string, len(errs))
	for _, err := range errs {
		var se *ics.SourceError
		if errors.As(err, &se) {
			failed[se.ID] = se.Err.Error()
		}
	}
	stats := make([]SourceStats, 0, len(sources))
	for _, src := range sources {
		if st, ok := fetched[src.ID]; ok {
			stats = append(stats, st)
			continue
		}
		stats = append(stats, SourceStats{ID: src.ID, Error: failed[src.ID]})
	}
	res.Sources = stats

	appLog.Info("build completed",
		"sources", len(sources),
		"failed", len(errs),
		"events", res.Document.Count,
		"window_from", opts.Window.From.Format(time.RFC3339),
		"window_to", opts.Window.To.Format(time.RFC3339),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)

	if len(sources) > 0 && len(feeds) == 0 {
		return res, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
	}
	return res, nil
}

// Process runs parse, expand, patch, match and assemble over already
// fetched feeds. Feeds are handled in slice order, so for duplicate
// (title, start) pairs the later feed wins.
func Process(feeds []ics.FetchResult, opts Options, now time.Time) Result {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.OverridePolicy == "" {
		opts.OverridePolicy = ics.OverrideReplace
	}
	matcher := course.NewMatcher(opts.Filters, course.Options{GroupPolicy: opts.GroupPolicy})

	stats := make([]SourceStats, len(feeds))
	items := func(yield func(assemble.Item) bool) {
		for i, feed := range feeds {
			stats[i] = SourceStats{ID: feed.Source.ID, FromCache: feed.FromCache}
			if !processFeed(feed, opts, matcher, &stats[i], yield) {
				return
			}
		}
	}

	events := assemble.Assemble(items, assemble.Options{StableIDs: opts.StableIDs})
	return Result{
		Document: model.NewDocument(events, now),
		Sources:  stats,
	}
}

func processFeed(feed ics.FetchResult, opts Options, m *course.Matcher, st *SourceStats, yield func(assemble.Item) bool) bool {
	entries := ics.Parse(feed.Source, feed.Body, ics.ParseOptions{Location: opts.Location})

	// Overrides must be indexed before any master is expanded; Parse is
	// restartable, so the feed is simply read twice. Parse logs its
	// diagnostics on the first pass only.
	overrides := ics.NewOverrides(opts.OverridePolicy, opts.Window, opts.MinDuration)
	routed := make(map[int]bool)
	n := 0
	for e := range entries {
		if overrides.Add(e) {
			routed[n] = true
		}
		n++
	}
	st.Entries = n
	st.Overrides = overrides.Len()

	emit := func(occ model.Occurrence) bool {
		st.Occurrences++
		res, ok := m.Match(course.Entry{
			Title:       occ.Summary,
			Description: occ.Description,
			Location:    occ.Location,
		})
		if !ok {
			return true
		}
		st.Matched++
		return yield(assemble.Item{Occurrence: occ, Match: res})
	}

	expandOpts := ics.ExpandOptions{
		Location:       opts.Location,
		MaxOccurrences: opts.MaxOccurrences,
		MinDuration:    opts.MinDuration,
	}
	i := -1
	for e := range entries {
		i++
		if routed[i] {
			continue
		}
		occs, err := ics.Expand(e, opts.Window, expandOpts)
		if err != nil {
			st.RuleErrors++
		}
		for occ := range occs {
			patched, keep := overrides.Apply(occ)
			if !keep {
				continue
			}
			if !emit(patched) {
				return false
			}
		}
	}
	for occ := range overrides.Extra() {
		if !emit(occ) {
			return false
		}
	}
	return true
}
