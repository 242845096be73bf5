// Package assemble turns matched occurrences into the canonical, deduplicated
// and chronologically sorted event list.
package assemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"coursecal/internal/course"
	"coursecal/internal/model"
)

// Item is one occurrence accepted by the matcher.
type Item struct {
	Occurrence model.Occurrence
	Match      course.Result
}

type Options struct {
	// StableIDs derives ids of UID-less entries from (title, start,
	// location) instead of drawing a random UUID on every build.
	StableIDs bool
}

// idNamespace is the UUIDv5 namespace for name-based event ids.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:coursecal:event"))

type dedupKey struct {
	title string
	start int64
}

// Assemble canonicalizes items, keeps the last item per (title, start) and
// returns the events sorted by start. An item that replaces an earlier one
// takes over its position, so ties in the sort keep first-seen order.
func Assemble(items iter.Seq[Item], opts Options) []model.CanonicalEvent {
	d := newDeduper()
	for it := range items {
		d.put(canonical(it, opts))
	}
	return d.sorted()
}

// Reassemble runs the dedup and sort steps over events that are already
// canonical. Reassemble(Reassemble(x)) equals Reassemble(x).
func Reassemble(events []model.CanonicalEvent) []model.CanonicalEvent {
	d := newDeduper()
	for _, ev := range events {
		d.put(ev)
	}
	return d.sorted()
}

type deduper struct {
	index  map[dedupKey]int
	events []model.CanonicalEvent
}

func newDeduper() *deduper {
	return &deduper{index: make(map[dedupKey]int)}
}

func (d *deduper) put(ev model.CanonicalEvent) {
	k := dedupKey{title: ev.Title, start: ev.Start.UnixNano()}
	if i, ok := d.index[k]; ok {
		d.events[i] = ev
		return
	}
	d.index[k] = len(d.events)
	d.events = append(d.events, ev)
}

func (d *deduper) sorted() []model.CanonicalEvent {
	out := d.events
	if out == nil {
		out = []model.CanonicalEvent{}
	}
	slices.SortStableFunc(out, func(a, b model.CanonicalEvent) int {
		return a.Start.Compare(b.Start)
	})
	return out
}

func canonical(it Item, opts Options) model.CanonicalEvent {
	occ := it.Occurrence
	title := strings.TrimSpace(occ.Summary)
	return model.CanonicalEvent{
		ID:          eventID(occ, title, opts),
		Title:       title,
		Start:       occ.Start.UTC(),
		End:         occ.End.UTC(),
		Location:    strings.TrimSpace(occ.Location),
		CourseCode:  it.Match.Code,
		Group:       it.Match.Group,
		SessionType: it.Match.SessionType,
	}
}

func eventID(occ model.Occurrence, title string, opts Options) string {
	switch {
	case occ.UID != "" && occ.Recurring:
		return fmt.Sprintf("%s-%d", occ.UID, occ.Start.UnixMilli())
	case occ.UID != "":
		return occ.UID
	case opts.StableIDs:
		name := strings.Join([]string{
			title,
			occ.Start.UTC().Format(time.RFC3339Nano),
			strings.TrimSpace(occ.Location),
		}, "\x00")
		return uuid.NewSHA1(idNamespace, []byte(name)).String()
	default:
		return uuid.NewString()
	}
}

// Serialize renders the output document as indented JSON.
func Serialize(events []model.CanonicalEvent, generatedAt time.Time) ([]byte, error) {
	data, err := json.MarshalIndent(model.NewDocument(events, generatedAt), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFile writes doc to path atomically (temp file in the same directory,
// then rename). The result is world-readable so a static file server can
// pick it up.
func WriteFile(path string, doc model.Document) error {
	if path == "" {
		return errors.New("output path is empty")
	}
	data, err := Serialize(doc.Events, doc.GeneratedAt)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".events-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadFile loads a document written by WriteFile.
func ReadFile(path string) (model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Document{}, err
	}
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.Document{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.Events == nil {
		doc.Events = []model.CanonicalEvent{}
	}
	doc.Count = len(doc.Events)
	return doc, nil
}
