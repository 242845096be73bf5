package ics

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/teambition/rrule-go"

	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	defaultMinDuration            = time.Hour
)

// ErrMalformedRule is matched (errors.Is) by every *RuleError.
var ErrMalformedRule = errors.New("malformed recurrence rule")

// RuleError reports an RRULE that could not be interpreted. It is not
// fatal: Expand still returns a usable sequence alongside it.
type RuleError struct {
	UID  string
	Rule string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("malformed RRULE %q (uid %q): %v", e.Rule, e.UID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

func (e *RuleError) Is(target error) bool { return target == ErrMalformedRule }

// Window is the half-open interval [From, To) occurrences must start in.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies in [From, To).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// ExpandOptions controls how recurrence expansion is performed.
type ExpandOptions struct {
	// Location is used for naive UNTIL values; nil means UTC.
	Location *time.Location

	// MaxOccurrences is a safety cap per entry. Zero means 5000.
	MaxOccurrences int

	// MinDuration is used when the entry has neither DTEND nor DURATION.
	// Zero means one hour.
	MinDuration time.Duration
}

func (o ExpandOptions) normalized() ExpandOptions {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.MaxOccurrences <= 0 {
		o.MaxOccurrences = defaultMaxOccurrencesPerEvent
	}
	if o.MinDuration <= 0 {
		o.MinDuration = defaultMinDuration
	}
	return o
}

// Expand returns the occurrences of entry that start inside w, in
// chronological order.
//
//   - Non-recurring entries yield at most one occurrence.
//   - Recurring entries are iterated lazily with rrule-go (EXDATE honored)
//     and iteration stops at the first start at or after w.To, or at
//     MaxOccurrences.
//   - Every occurrence carries the master's duration.
//
// A rule that cannot be parsed yields a *RuleError together with a sequence
// that treats the entry as non-recurring. Override replacement is not done
// here; see Overrides.
func Expand(entry RawEntry, w Window, opts ExpandOptions) (iter.Seq[model.Occurrence], error) {
	opts = opts.normalized()
	dur := entryDuration(entry, opts.MinDuration)

	if w.To.Before(w.From) {
		return func(func(model.Occurrence) bool) {}, nil
	}

	if !entry.IsRecurring || entry.IsOverride {
		return singleOccurrence(entry, w, dur), nil
	}

	set, err := buildRuleSet(entry, opts.Location)
	if err != nil {
		rerr := &RuleError{UID: entry.UID, Rule: entry.RRule, Err: err}
		appLog.Error("expand: failed to parse RRULE", err, "uid", entry.UID, "rrule", entry.RRule)
		return singleOccurrence(entry, w, dur), rerr
	}

	return func(yield func(model.Occurrence) bool) {
		next := set.Iterator()
		emitted := 0
		for {
			start, ok := next()
			if !ok || !start.Before(w.To) {
				return
			}
			if start.Before(w.From) {
				continue
			}
			if emitted >= opts.MaxOccurrences {
				appLog.Warn("expand: truncated occurrences due to cap", "uid", entry.UID, "cap", opts.MaxOccurrences)
				return
			}
			emitted++
			if !yield(makeOccurrence(entry, start, start.Add(dur), true)) {
				return
			}
		}
	}, nil
}

func buildRuleSet(entry RawEntry, loc *time.Location) (*rrule.Set, error) {
	opt, err := rrule.StrToROptionInLocation(entry.RRule, loc)
	if err != nil {
		return nil, err
	}
	opt.Dtstart = entry.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, err
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range entry.ExDates {
		// Align EXDATE location with the entry's start.
		set.ExDate(ex.In(entry.Start.Location()))
	}
	return &set, nil
}

func singleOccurrence(entry RawEntry, w Window, dur time.Duration) iter.Seq[model.Occurrence] {
	return func(yield func(model.Occurrence) bool) {
		if !w.Contains(entry.Start) {
			return
		}
		yield(makeOccurrence(entry, entry.Start, entry.Start.Add(dur), false))
	}
}

// entryDuration is computed once from the master entry and reused for
// every generated occurrence.
func entryDuration(entry RawEntry, minDuration time.Duration) time.Duration {
	switch {
	case !entry.End.IsZero() && !entry.End.Before(entry.Start):
		return entry.End.Sub(entry.Start)
	case entry.Length > 0:
		return entry.Length
	case entry.AllDay:
		return 24 * time.Hour
	default:
		return minDuration
	}
}

func makeOccurrence(entry RawEntry, start, end time.Time, recurring bool) model.Occurrence {
	return model.Occurrence{
		SourceID:    entry.SourceID,
		UID:         entry.UID,
		Summary:     entry.Summary,
		Description: entry.Description,
		Location:    entry.Location,
		Recurring:   recurring,
		AllDay:      entry.AllDay,
		Start:       start,
		End:         end,
	}
}
