package ics

import (
	"errors"
	"slices"
	"strconv"
	"testing"
	"time"

	"coursecal/internal/model"
)

// 2025-09-15 is a Monday.
var monday10 = time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC)

// expandAll collects Expand into a slice.
func expandAll(entry RawEntry, w Window, opts ExpandOptions) ([]model.Occurrence, error) {
	seq, err := Expand(entry, w, opts)
	return slices.Collect(seq), err
}

func fourWeeks() Window {
	from := time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC)
	return Window{From: from, To: from.AddDate(0, 0, 28)}
}

func TestExpandSingleEntry(t *testing.T) {
	e := RawEntry{UID: "one", Summary: "ALGO-Cours", Start: monday10, End: monday10.Add(90 * time.Minute)}

	tests := []struct {
		name string
		w    Window
		want int
	}{
		{"inside", fourWeeks(), 1},
		{"start equals From", Window{From: monday10, To: monday10.Add(time.Hour)}, 1},
		{"start equals To", Window{From: monday10.Add(-time.Hour), To: monday10}, 0},
		{"before window", Window{From: monday10.Add(time.Minute), To: monday10.AddDate(0, 1, 0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			occs, err := expandAll(e, tt.w, ExpandOptions{})
			if err != nil {
				t.Fatalf("expand: %v", err)
			}
			if len(occs) != tt.want {
				t.Fatalf("got %d occurrences, want %d", len(occs), tt.want)
			}
			if tt.want == 1 && !occs[0].End.Equal(e.End) {
				t.Errorf("End = %v, want source end %v", occs[0].End, e.End)
			}
		})
	}
}

func TestExpandWeeklyCount(t *testing.T) {
	e := RawEntry{
		UID:         "weekly",
		Summary:     "ALGO-TD2",
		Start:       monday10,
		End:         monday10.Add(time.Hour),
		IsRecurring: true,
		RRule:       "FREQ=WEEKLY;COUNT=3",
	}

	occs, err := expandAll(e, fourWeeks(), ExpandOptions{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(occs) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(occs))
	}
	for i, occ := range occs {
		want := monday10.AddDate(0, 0, 7*i)
		if !occ.Start.Equal(want) {
			t.Errorf("occurrence %d starts %v, want %v", i, occ.Start, want)
		}
		if occ.Start.Weekday() != time.Monday {
			t.Errorf("occurrence %d on %v", i, occ.Start.Weekday())
		}
		if occ.End.Sub(occ.Start) != time.Hour {
			t.Errorf("occurrence %d lasts %v", i, occ.End.Sub(occ.Start))
		}
		if !occ.Recurring || occ.UID != "weekly" {
			t.Errorf("occurrence %d metadata %+v", i, occ)
		}
	}
}

func TestExpandCountMatchesOccurrences(t *testing.T) {
	w := Window{From: monday10.AddDate(0, 0, -1), To: monday10.AddDate(1, 0, 0)}
	for _, n := range []int{1, 2, 5, 12} {
		e := RawEntry{
			UID: "c", Start: monday10, End: monday10.Add(time.Hour),
			IsRecurring: true, RRule: "FREQ=DAILY;INTERVAL=2;COUNT=" + strconv.Itoa(n),
		}
		occs, err := expandAll(e, w, ExpandOptions{})
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		if len(occs) != n {
			t.Errorf("COUNT=%d produced %d occurrences", n, len(occs))
		}
	}
}

func TestExpandUntilBeforeWindow(t *testing.T) {
	e := RawEntry{
		UID: "old", Start: monday10.AddDate(0, -3, 0), End: monday10.AddDate(0, -3, 0).Add(time.Hour),
		IsRecurring: true, RRule: "FREQ=WEEKLY;UNTIL=20250701T000000Z",
	}
	occs, err := expandAll(e, fourWeeks(), ExpandOptions{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(occs) != 0 {
		t.Errorf("expected no occurrences, got %d", len(occs))
	}
}

func TestExpandOpenEndedBoundedByWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	e := RawEntry{UID: "daily", Start: start, End: start.Add(time.Hour), IsRecurring: true, RRule: "FREQ=DAILY"}
	w := Window{From: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)}

	occs, err := expandAll(e, w, ExpandOptions{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(occs) != 10 {
		t.Fatalf("got %d occurrences, want 10", len(occs))
	}
	for i := 1; i < len(occs); i++ {
		if !occs[i].Start.After(occs[i-1].Start) {
			t.Fatalf("occurrences not chronological at %d", i)
		}
	}
	if !w.Contains(occs[0].Start) || !w.Contains(occs[len(occs)-1].Start) {
		t.Errorf("occurrence outside window")
	}
}

func TestExpandHonorsCap(t *testing.T) {
	e := RawEntry{UID: "hourly", Start: monday10, IsRecurring: true, RRule: "FREQ=HOURLY"}
	occs, err := expandAll(e, fourWeeks(), ExpandOptions{MaxOccurrences: 25})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(occs) != 25 {
		t.Errorf("got %d occurrences, want cap of 25", len(occs))
	}
}

func TestExpandExDates(t *testing.T) {
	e := RawEntry{
		UID: "ex", Start: monday10, End: monday10.Add(time.Hour),
		IsRecurring: true, RRule: "FREQ=WEEKLY;COUNT=4",
		ExDates: []time.Time{monday10.AddDate(0, 0, 7)},
	}
	occs, err := expandAll(e, fourWeeks(), ExpandOptions{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(occs) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(occs))
	}
	for _, occ := range occs {
		if occ.Start.Equal(monday10.AddDate(0, 0, 7)) {
			t.Errorf("excluded date was generated")
		}
	}
}

func TestExpandMalformedRuleFallsBack(t *testing.T) {
	e := RawEntry{
		UID: "bad", Start: monday10, End: monday10.Add(time.Hour),
		IsRecurring: true, RRule: "FREQ=SOMETIMES;COUNT=x",
	}
	occs, err := expandAll(e, fourWeeks(), ExpandOptions{})
	if err == nil {
		t.Fatal("expected a rule error")
	}
	if !errors.Is(err, ErrMalformedRule) {
		t.Errorf("error %v does not match ErrMalformedRule", err)
	}
	var rerr *RuleError
	if !errors.As(err, &rerr) || rerr.UID != "bad" {
		t.Errorf("expected *RuleError for uid bad, got %v", err)
	}
	if len(occs) != 1 || !occs[0].Start.Equal(monday10) {
		t.Errorf("expected single fallback occurrence, got %+v", occs)
	}
}

func TestExpandMinimumDuration(t *testing.T) {
	e := RawEntry{UID: "noend", Start: monday10}
	occs, _ := expandAll(e, fourWeeks(), ExpandOptions{MinDuration: 45 * time.Minute})
	if len(occs) != 1 {
		t.Fatalf("got %d occurrences", len(occs))
	}
	if got := occs[0].End.Sub(occs[0].Start); got != 45*time.Minute {
		t.Errorf("duration = %v, want 45m", got)
	}

	occs, _ = expandAll(RawEntry{UID: "day", Start: monday10, AllDay: true}, fourWeeks(), ExpandOptions{})
	if got := occs[0].End.Sub(occs[0].Start); got != 24*time.Hour {
		t.Errorf("all-day duration = %v, want 24h", got)
	}
}

func TestExpandInvertedWindow(t *testing.T) {
	w := Window{From: monday10, To: monday10.Add(-time.Hour)}
	occs, err := expandAll(RawEntry{Start: monday10}, w, ExpandOptions{})
	if err != nil || len(occs) != 0 {
		t.Errorf("inverted window: %d occurrences, err %v", len(occs), err)
	}
}
