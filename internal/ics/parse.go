package ics

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "coursecal/internal/log"
)

// RawEntry is the normalized representation of a VEVENT block. It is built
// once by the parser and never mutated afterwards.
type RawEntry struct {
	SourceID string

	// UID may be empty; the assembler synthesizes an id in that case.
	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time     // zero if the block had neither DTEND nor DURATION
	Length time.Duration // DURATION value when DTEND was absent
	AllDay bool

	IsRecurring bool
	RRule       string
	ExDates     []time.Time

	// IsOverride marks a block that replaces one occurrence of the series
	// with the same UID; RecurrenceID is the start it replaces.
	IsOverride   bool
	RecurrenceID time.Time

	Cancelled bool
}

// ParseOptions controls timestamp interpretation.
type ParseOptions struct {
	// Location is applied to naive (non-Z) timestamps. Feeds are assumed to
	// be single-timezone; nil means UTC.
	Location *time.Location
}

func (o ParseOptions) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

// Parse returns the entries of one feed as a lazy sequence. Ranging over it
// again re-reads the feed from the start; its diagnostics are only logged
// once per sequence.
//
//   - The whole feed is handed to golang-ical first. If the library rejects
//     it, the feed is salvaged block by block (see salvageEvents) so one bad
//     line only costs the block it sits in.
//   - Blocks without a usable DTSTART are skipped.
//   - RRULE/EXDATE/RECURRENCE-ID are recorded but not expanded; expansion
//     happens in Expand.
func Parse(src Source, feed []byte, opts ParseOptions) iter.Seq[RawEntry] {
	var (
		passes   atomic.Int32
		reported atomic.Bool
	)
	return func(yield func(RawEntry) bool) {
		loc := opts.location()
		first := passes.Add(1) == 1
		count, skipped := 0, 0
		for ve := range vevents(src, feed, first) {
			entry, err := parseVEvent(src, ve, loc)
			if err != nil {
				skipped++
				if first {
					appLog.Debug("ics vevent skipped", "id", src.ID, "reason", err.Error())
				}
				continue
			}
			count++
			if !yield(entry) {
				return
			}
		}
		if reported.CompareAndSwap(false, true) {
			appLog.Debug("ics parse completed", "id", src.ID, "entry_count", count, "skipped", skipped)
		}
	}
}

// vevents yields the VEVENT components of feed, falling back to salvage
// mode when strict parsing fails. Salvage diagnostics are only logged when
// loud is set.
func vevents(src Source, feed []byte, loud bool) iter.Seq[*ical.VEvent] {
	return func(yield func(*ical.VEvent) bool) {
		if len(bytes.TrimSpace(feed)) == 0 {
			return
		}
		cal, err := ical.ParseCalendar(bytes.NewReader(feed))
		if err == nil {
			for _, ve := range cal.Events() {
				if !yield(ve) {
					return
				}
			}
			return
		}

		if loud {
			appLog.Warn("ics strict parse failed; salvaging blocks", "id", src.ID, "err", err.Error())
		}
		for block := range salvageEvents(feed) {
			cal, err := ical.ParseCalendar(strings.NewReader(block))
			if err != nil {
				if loud {
					appLog.Debug("ics block dropped", "id", src.ID, "err", err.Error())
				}
				continue
			}
			for _, ve := range cal.Events() {
				if !yield(ve) {
					return
				}
			}
		}
	}
}

const salvageHeader = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//coursecal//salvage//EN\r\n"

// salvageEvents unfolds feed and yields each VEVENT block wrapped in a
// minimal VCALENDAR. Lines without a name/value separator are dropped and an
// unterminated block at EOF is discarded.
func salvageEvents(feed []byte) iter.Seq[string] {
	return func(yield func(string) bool) {
		var (
			b       strings.Builder
			inEvent bool
			depth   int
		)
		for line := range unfoldLines(feed) {
			upper := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case upper == "BEGIN:VEVENT":
				b.Reset()
				b.WriteString(salvageHeader)
				inEvent = true
				depth = 0
			case !inEvent:
				continue
			case strings.HasPrefix(upper, "BEGIN:"):
				depth++
			case upper == "END:VEVENT" && depth == 0:
				b.WriteString("END:VEVENT\r\nEND:VCALENDAR\r\n")
				inEvent = false
				if !yield(b.String()) {
					return
				}
				continue
			case strings.HasPrefix(upper, "END:"):
				depth--
			}
			if !inEvent || !strings.Contains(line, ":") {
				continue
			}
			b.WriteString(line)
			b.WriteString("\r\n")
		}
	}
}

// unfoldLines joins continuation lines (a line break followed by a space or
// tab) onto the previous line.
func unfoldLines(feed []byte) iter.Seq[string] {
	return func(yield func(string) bool) {
		sc := bufio.NewScanner(bytes.NewReader(feed))
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var (
			cur     strings.Builder
			started bool
		)
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), "\r")
			if started && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
				cur.WriteString(line[1:])
				continue
			}
			if started && !yield(cur.String()) {
				return
			}
			cur.Reset()
			cur.WriteString(line)
			started = true
		}
		if started {
			yield(cur.String())
		}
	}
}

var errMissingStart = errors.New("missing or unparseable DTSTART")

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (RawEntry, error) {
	var out RawEntry
	out.SourceID = src.ID

	out.UID = strings.TrimSpace(propValue(ve, ical.ComponentPropertyUniqueId))

	if seq := propValue(ve, ical.ComponentPropertySequence); seq != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(seq)); err == nil {
			out.Seq = n
		}
	}

	// TEXT values come back from golang-ical already unescaped.
	out.Summary = propValue(ve, ical.ComponentPropertySummary)
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errMissingStart
	}
	start, allDay, err := parseICSTime(dtStart.Value, loc)
	if err != nil {
		return out, fmt.Errorf("%w: %v", errMissingStart, err)
	}
	if hasParam(dtStart.ICalParameters, "VALUE", "DATE") {
		allDay = true
	}
	out.Start = start
	out.AllDay = allDay

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		if end, _, err := parseICSTime(dtEnd.Value, loc); err == nil {
			out.End = end
		}
	}
	if out.End.IsZero() {
		if dur := propValue(ve, ical.ComponentPropertyDuration); dur != "" {
			if d, err := parseICSDuration(dur); err == nil && d >= 0 {
				out.Length = d
				out.End = out.Start.Add(d)
			}
		}
	}

	if rule := strings.TrimSpace(propValue(ve, ical.ComponentPropertyRrule)); rule != "" {
		out.IsRecurring = true
		out.RRule = rule
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := parseICSTime(part, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if rid := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); rid != nil {
		if t, _, err := parseICSTime(rid.Value, loc); err == nil {
			out.RecurrenceID = t
			out.IsOverride = true
		}
	}

	out.Cancelled = strings.EqualFold(strings.TrimSpace(propValue(ve, ical.ComponentProperty("STATUS"))), "CANCELLED")

	return out, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

func hasParam(params map[string][]string, key, want string) bool {
	for k, vs := range params {
		if !strings.EqualFold(k, key) {
			continue
		}
		for _, v := range vs {
			if strings.EqualFold(v, want) {
				return true
			}
		}
	}
	return false
}

// parseICSTime parses DATE and DATE-TIME values. A trailing Z means UTC;
// naive values are placed in loc. RFC 3339 values with an explicit offset
// are accepted as well.
func parseICSTime(v string, loc *time.Location) (t time.Time, allDay bool, err error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	switch {
	case strings.HasSuffix(v, "Z") && len(v) == len("20060102T150405Z"):
		t, err = time.Parse("20060102T150405Z", v)
	case len(v) == len("20060102T150405") && v[8] == 'T':
		t, err = time.ParseInLocation("20060102T150405", v, loc)
	case len(v) == len("20060102"):
		t, err = time.ParseInLocation("20060102", v, loc)
		allDay = true
	default:
		t, err = time.Parse(time.RFC3339, v)
	}
	return t, allDay, err
}

var durationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseICSDuration parses RFC 5545 DURATION values such as PT1H30M or P1D.
func parseICSDuration(v string) (time.Duration, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	m := durationPattern.FindStringSubmatch(v)
	if m == nil || v == "P" || v == "PT" || strings.HasSuffix(v, "T") {
		return 0, fmt.Errorf("invalid duration %q", v)
	}

	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}
