// Package course decides which calendar entries belong to the configured
// courses and groups.
//
// Matching is a pure function of the entry text and the filter list:
//
//	m := course.NewMatcher(filters, course.Options{GroupPolicy: course.GroupLenient})
//	res, ok := m.Match(course.Entry{Title: "UM4IN814-DALAS-TD3"})
//
// Filters are scanned in configured order and the first one whose alias
// appears in the entry wins, so the order of the configuration is a
// tie-break the user controls.
package course

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"coursecal/internal/model"
)

// Filter is one configured course.
type Filter struct {
	Code string
	// Group is the group a tutorial/lab occurrence must carry. Zero accepts
	// any group.
	Group int
	// Aliases are case-insensitive substrings; empty means []string{Code}.
	Aliases []string
	// Exclude vetoes this filter when any keyword appears in the entry.
	Exclude []string
}

// GroupPolicy decides what happens to a tutorial/lab entry that carries
// no group marker.
type GroupPolicy string

const (
	// GroupLenient accepts the entry with an unknown (null) group.
	GroupLenient GroupPolicy = "lenient"
	// GroupStrict rejects the entry.
	GroupStrict GroupPolicy = "strict"
)

// ParseGroupPolicy validates a configured policy name.
func ParseGroupPolicy(s string) (GroupPolicy, error) {
	switch p := GroupPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case GroupLenient, GroupStrict:
		return p, nil
	case "":
		return GroupLenient, nil
	default:
		return "", fmt.Errorf("unknown group policy %q", s)
	}
}

type Options struct {
	GroupPolicy GroupPolicy
}

// Entry is the free text of one calendar entry.
type Entry struct {
	Title       string
	Description string
	Location    string
}

// Result is a positive match.
type Result struct {
	Code        string
	Group       *string
	SessionType model.SessionType
}

type compiledFilter struct {
	Filter
	aliases []string
	exclude []string
}

// Matcher holds a filter list with its aliases folded once.
type Matcher struct {
	filters []compiledFilter
	opts    Options
}

// NewMatcher prepares filters for repeated matching. The filter slice is
// copied; later changes to it are not observed.
func NewMatcher(filters []Filter, opts Options) *Matcher {
	if opts.GroupPolicy == "" {
		opts.GroupPolicy = GroupLenient
	}
	m := &Matcher{opts: opts, filters: make([]compiledFilter, 0, len(filters))}
	for _, f := range filters {
		aliases := f.Aliases
		if len(aliases) == 0 {
			aliases = []string{f.Code}
		}
		cf := compiledFilter{Filter: f}
		for _, a := range aliases {
			if a = fold(a); a != "" {
				cf.aliases = append(cf.aliases, a)
			}
		}
		for _, x := range f.Exclude {
			if x = fold(x); x != "" {
				cf.exclude = append(cf.exclude, x)
			}
		}
		m.filters = append(m.filters, cf)
	}
	return m
}

// Match is a convenience wrapper around NewMatcher(...).Match.
func Match(e Entry, filters []Filter, opts Options) (Result, bool) {
	return NewMatcher(filters, opts).Match(e)
}

// Match classifies e. The second return value is false when no filter
// selects the entry or when the selected filter rejects it.
func (m *Matcher) Match(e Entry) (Result, bool) {
	title := fold(e.Title)
	corpus := title + " " + fold(e.Description) + " " + fold(e.Location)

	f, ok := m.selectFilter(corpus)
	if !ok {
		return Result{}, false
	}

	st := DetectSessionType(title, corpus)
	res := Result{Code: f.Code, SessionType: st}
	if !st.GroupGated() {
		return res, true
	}

	group, found := detectGroup(corpus)
	switch {
	case !found && m.opts.GroupPolicy == GroupStrict:
		return Result{}, false
	case !found:
		return res, true
	case f.Group > 0 && group != f.Group:
		return Result{}, false
	}
	g := strconv.Itoa(group)
	res.Group = &g
	return res, true
}

// selectFilter returns the first filter with an alias hit that is not
// vetoed by one of its exclusion keywords.
func (m *Matcher) selectFilter(corpus string) (compiledFilter, bool) {
	for _, f := range m.filters {
		if !containsAny(corpus, f.aliases) {
			continue
		}
		if containsAny(corpus, f.exclude) {
			continue
		}
		return f, true
	}
	return compiledFilter{}, false
}

func containsAny(hay string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(hay, n) {
			return true
		}
	}
	return false
}

var sessionFamilies = []struct {
	typ model.SessionType
	re  *regexp.Regexp
}{
	{model.SessionLab, regexp.MustCompile(`\b(?:tme|tp|labo?)\d*\b`)},
	{model.SessionTutorial, regexp.MustCompile(`\b(?:td|tutorial|tutorat)\d*\b`)},
	{model.SessionLecture, regexp.MustCompile(`\b(?:cours|cm|lecture|amphi)\d*\b`)},
}

// DetectSessionType looks for a type marker in the title first and then in
// the whole corpus. Both arguments must already be folded.
func DetectSessionType(title, corpus string) model.SessionType {
	for _, text := range []string{title, corpus} {
		for _, fam := range sessionFamilies {
			if fam.re.MatchString(text) {
				return fam.typ
			}
		}
	}
	return model.SessionOther
}

// groupPatterns are tried in order; the first match wins. Digits adjacent
// to course codes (UM4IN814) never match because every pattern requires an
// explicit marker.
var groupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:groupe|group|grp|gr)\s*\.?\s*(\d{1,2})\b`),
	regexp.MustCompile(`\(\s*g\s*(\d{1,2})\s*\)`),
	regexp.MustCompile(`\bg\s*(\d{1,2})\b`),
	regexp.MustCompile(`\b(?:td|tme|tp)\s*(\d{1,2})\b`),
}

func detectGroup(corpus string) (int, bool) {
	for _, re := range groupPatterns {
		m := re.FindStringSubmatch(corpus)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

// fold lower-cases s and strips diacritics ("Édition" -> "edition").
func fold(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}
