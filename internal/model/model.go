package model

import (
	"encoding/json"
	"time"
)

// Occurrence represents a single concrete instance of a calendar entry
// (after recurrence expansion and override patching).
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID of the entry that produced it, may be empty

	Summary     string
	Description string
	Location    string

	// Recurring is true when the occurrence was generated from an RRULE.
	Recurring bool
	AllDay    bool

	// Start / End are absolute instants; End is never before Start.
	Start time.Time
	End   time.Time
}

// SessionType classifies an occurrence. Lectures and "other" are
// group-independent; tutorials and labs are gated by the course group.
type SessionType string

const (
	SessionLecture  SessionType = "lecture"
	SessionTutorial SessionType = "tutorial"
	SessionLab      SessionType = "lab"
	SessionOther    SessionType = "other"
)

// GroupGated reports whether occurrences of this type must match a group.
func (s SessionType) GroupGated() bool {
	return s == SessionTutorial || s == SessionLab
}

// TimestampLayout is the UTC ISO-8601 form used in the output document.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// CanonicalEvent is the output unit handed to the renderer.
type CanonicalEvent struct {
	ID          string
	Title       string
	Start       time.Time
	End         time.Time
	Location    string
	CourseCode  string
	Group       *string
	SessionType SessionType
}

type canonicalEventJSON struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Start       string      `json:"start"`
	End         string      `json:"end"`
	Location    string      `json:"location"`
	CourseCode  string      `json:"courseCode"`
	Group       *string     `json:"group"`
	SessionType SessionType `json:"sessionType"`
}

// MarshalJSON writes start/end as UTC ISO-8601 strings.
func (e CanonicalEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(canonicalEventJSON{
		ID:          e.ID,
		Title:       e.Title,
		Start:       e.Start.UTC().Format(TimestampLayout),
		End:         e.End.UTC().Format(TimestampLayout),
		Location:    e.Location,
		CourseCode:  e.CourseCode,
		Group:       e.Group,
		SessionType: e.SessionType,
	})
}

// UnmarshalJSON accepts the document form written by MarshalJSON (and any
// RFC 3339 timestamp).
func (e *CanonicalEvent) UnmarshalJSON(data []byte) error {
	var raw canonicalEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339Nano, raw.Start)
	if err != nil {
		return err
	}
	end := start
	if raw.End != "" {
		if end, err = time.Parse(time.RFC3339Nano, raw.End); err != nil {
			return err
		}
	}
	*e = CanonicalEvent{
		ID:          raw.ID,
		Title:       raw.Title,
		Start:       start.UTC(),
		End:         end.UTC(),
		Location:    raw.Location,
		CourseCode:  raw.CourseCode,
		Group:       raw.Group,
		SessionType: raw.SessionType,
	}
	return nil
}

// Document is the serialized pipeline output (events.json).
type Document struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	Count       int              `json:"count"`
	Events      []CanonicalEvent `json:"events"`
}

// NewDocument wraps events with a generation timestamp and count.
func NewDocument(events []CanonicalEvent, generatedAt time.Time) Document {
	if events == nil {
		events = []CanonicalEvent{}
	}
	return Document{
		GeneratedAt: generatedAt.UTC(),
		Count:       len(events),
		Events:      events,
	}
}
