package ics

import (
	"fmt"
	"iter"
	"strings"
	"time"

	"coursecal/internal/model"
)

// OverridePolicy decides what happens to RECURRENCE-ID blocks.
type OverridePolicy string

const (
	// OverrideReplace patches the generated occurrence with the override's
	// content (or drops it when the override is cancelled).
	OverrideReplace OverridePolicy = "replace"
	// OverrideKeep leaves generated occurrences alone and emits each override
	// as an extra occurrence next to them.
	OverrideKeep OverridePolicy = "keep"
	// OverrideSkip ignores override blocks entirely.
	OverrideSkip OverridePolicy = "skip"
)

// ParseOverridePolicy validates a configured policy name.
func ParseOverridePolicy(s string) (OverridePolicy, error) {
	switch p := OverridePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case OverrideReplace, OverrideKeep, OverrideSkip:
		return p, nil
	case "":
		return OverrideReplace, nil
	default:
		return "", fmt.Errorf("unknown override policy %q", s)
	}
}

type overrideKey struct {
	uid string
	at  int64
}

// Overrides indexes override entries by (master UID, replaced start) and
// patches expanded occurrences after the fact, so Expand stays a pure
// function of one entry.
type Overrides struct {
	policy      OverridePolicy
	window      Window
	minDuration time.Duration

	byKey map[overrideKey]RawEntry
	order []overrideKey
	used  map[overrideKey]bool
}

// NewOverrides creates an empty index.
func NewOverrides(policy OverridePolicy, w Window, minDuration time.Duration) *Overrides {
	if minDuration <= 0 {
		minDuration = defaultMinDuration
	}
	return &Overrides{
		policy:      policy,
		window:      w,
		minDuration: minDuration,
		byKey:       make(map[overrideKey]RawEntry),
		used:        make(map[overrideKey]bool),
	}
}

// Add indexes e if it is an override with a UID. It reports whether e was
// taken; entries that are not overrides are left to the caller.
func (o *Overrides) Add(e RawEntry) bool {
	if !e.IsOverride {
		return false
	}
	if e.UID == "" {
		// Without a UID there is no master to patch; treat it as standalone.
		return false
	}
	k := overrideKey{uid: e.UID, at: e.RecurrenceID.UnixNano()}
	prev, seen := o.byKey[k]
	if !seen {
		o.order = append(o.order, k)
	}
	if !seen || e.Seq >= prev.Seq {
		o.byKey[k] = e
	}
	return true
}

// Len returns the number of indexed overrides.
func (o *Overrides) Len() int { return len(o.byKey) }

// Apply patches one generated occurrence. The bool is false when the
// occurrence must be dropped.
func (o *Overrides) Apply(occ model.Occurrence) (model.Occurrence, bool) {
	if o.policy != OverrideReplace || occ.UID == "" {
		return occ, true
	}
	k := overrideKey{uid: occ.UID, at: occ.Start.UnixNano()}
	ov, ok := o.byKey[k]
	if !ok {
		return occ, true
	}
	o.used[k] = true
	if ov.Cancelled || !o.window.Contains(ov.Start) {
		return model.Occurrence{}, false
	}
	patched := makeOccurrence(ov, ov.Start, ov.Start.Add(entryDuration(ov, o.minDuration)), occ.Recurring)
	patched.SourceID = occ.SourceID
	return patched, true
}

// Extra yields the override occurrences that Apply did not consume: every
// override under OverrideKeep, and under OverrideReplace the ones whose
// master produced no matching occurrence (e.g. the master instance lies
// outside the window). Call it after all Apply calls.
func (o *Overrides) Extra() iter.Seq[model.Occurrence] {
	return func(yield func(model.Occurrence) bool) {
		if o.policy == OverrideSkip {
			return
		}
		for _, k := range o.order {
			if o.policy == OverrideReplace && o.used[k] {
				continue
			}
			ov := o.byKey[k]
			if ov.Cancelled || !o.window.Contains(ov.Start) {
				continue
			}
			// An override is always one instance of a series.
			occ := makeOccurrence(ov, ov.Start, ov.Start.Add(entryDuration(ov, o.minDuration)), true)
			if !yield(occ) {
				return
			}
		}
	}
}
