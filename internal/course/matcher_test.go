package course

import (
	"testing"

	"coursecal/internal/model"
)

func strp(s string) *string { return &s }

func TestMatch(t *testing.T) {
	algo := []Filter{{Code: "ALGO", Group: 2}}

	tests := []struct {
		name    string
		entry   Entry
		filters []Filter
		opts    Options
		wantOK  bool
		want    Result
	}{
		{
			name:    "lecture ignores group",
			entry:   Entry{Title: "ALGO-Cours"},
			filters: algo,
			wantOK:  true,
			want:    Result{Code: "ALGO", SessionType: model.SessionLecture},
		},
		{
			name:    "tutorial in required group",
			entry:   Entry{Title: "ALGO-TD2"},
			filters: algo,
			wantOK:  true,
			want:    Result{Code: "ALGO", Group: strp("2"), SessionType: model.SessionTutorial},
		},
		{
			name:    "tutorial in other group",
			entry:   Entry{Title: "ALGO-TD1"},
			filters: algo,
		},
		{
			name:    "lab with group in description",
			entry:   Entry{Title: "UM4IN814-DALAS-TME", Description: "Groupe 3"},
			filters: []Filter{{Code: "DALAS", Group: 3}},
			wantOK:  true,
			want:    Result{Code: "DALAS", Group: strp("3"), SessionType: model.SessionLab},
		},
		{
			name:    "session type from description",
			entry:   Entry{Title: "ALGO séance", Description: "TD groupe 2"},
			filters: algo,
			wantOK:  true,
			want:    Result{Code: "ALGO", Group: strp("2"), SessionType: model.SessionTutorial},
		},
		{
			name:    "parenthesised group",
			entry:   Entry{Title: "ALGO TP (G2)"},
			filters: algo,
			wantOK:  true,
			want:    Result{Code: "ALGO", Group: strp("2"), SessionType: model.SessionLab},
		},
		{
			name:    "course code digits are not a group",
			entry:   Entry{Title: "UM4IN814-DALAS-Cours"},
			filters: []Filter{{Code: "DALAS", Group: 1}},
			wantOK:  true,
			want:    Result{Code: "DALAS", SessionType: model.SessionLecture},
		},
		{
			name:    "unknown course",
			entry:   Entry{Title: "BDD-Cours"},
			filters: algo,
		},
		{
			name:    "other session keeps null group",
			entry:   Entry{Title: "ALGO Examen G1"},
			filters: algo,
			wantOK:  true,
			want:    Result{Code: "ALGO", SessionType: model.SessionOther},
		},
		{
			name:    "lenient accepts missing group",
			entry:   Entry{Title: "ALGO-TD"},
			filters: algo,
			wantOK:  true,
			want:    Result{Code: "ALGO", SessionType: model.SessionTutorial},
		},
		{
			name:    "strict rejects missing group",
			entry:   Entry{Title: "ALGO-TD"},
			filters: algo,
			opts:    Options{GroupPolicy: GroupStrict},
		},
		{
			name:    "zero group accepts any group",
			entry:   Entry{Title: "ALGO-TD7"},
			filters: []Filter{{Code: "ALGO"}},
			wantOK:  true,
			want:    Result{Code: "ALGO", Group: strp("7"), SessionType: model.SessionTutorial},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Match(tt.entry, tt.filters, tt.opts)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (result %+v)", ok, tt.wantOK, got)
			}
			if !ok {
				return
			}
			if got.Code != tt.want.Code || got.SessionType != tt.want.SessionType {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			switch {
			case got.Group == nil && tt.want.Group == nil:
			case got.Group == nil || tt.want.Group == nil || *got.Group != *tt.want.Group:
				t.Errorf("Group = %v, want %v", deref(got.Group), deref(tt.want.Group))
			}
		})
	}
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func TestMatchFirstFilterWins(t *testing.T) {
	filters := []Filter{
		{Code: "MLBDA", Aliases: []string{"mlbda", "bases de donnees"}},
		{Code: "BDD", Aliases: []string{"bases de donnees"}},
	}
	got, ok := Match(Entry{Title: "Bases de Données - Cours"}, filters, Options{})
	if !ok || got.Code != "MLBDA" {
		t.Fatalf("got %+v, %v; want MLBDA", got, ok)
	}
}

func TestMatchExcludeFallsThrough(t *testing.T) {
	filters := []Filter{
		{Code: "ALGO", Aliases: []string{"algo"}, Exclude: []string{"avancée"}},
		{Code: "ALGOAV", Aliases: []string{"algo avancee"}},
	}
	got, ok := Match(Entry{Title: "Algo Avancée - Cours"}, filters, Options{})
	if !ok || got.Code != "ALGOAV" {
		t.Fatalf("got %+v, %v; want ALGOAV", got, ok)
	}

	if _, ok := Match(Entry{Title: "Algo Avancée - Cours"}, filters[:1], Options{}); ok {
		t.Errorf("vetoed entry matched without a fallback filter")
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	m := NewMatcher([]Filter{{Code: "ALGO", Group: 2}}, Options{})
	e := Entry{Title: "ALGO-TD2", Location: "Salle 101"}
	first, _ := m.Match(e)
	for i := 0; i < 10; i++ {
		got, _ := m.Match(e)
		if got.Code != first.Code || got.SessionType != first.SessionType || *got.Group != *first.Group {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestDetectSessionTypeTitleFirst(t *testing.T) {
	// The title says lab, the location mentions a lecture hall.
	title := fold("ALGO TME")
	corpus := title + " " + fold("Amphi 25")
	if got := DetectSessionType(title, corpus); got != model.SessionLab {
		t.Errorf("got %q, want lab", got)
	}
	if got := DetectSessionType(fold("ALGO"), fold("ALGO Amphi 25")); got != model.SessionLecture {
		t.Errorf("got %q, want lecture from corpus", got)
	}
}

func TestFold(t *testing.T) {
	tests := map[string]string{
		"Données":     "donnees",
		" ÉLÈVE ":     "eleve",
		"UM4IN814":    "um4in814",
		"":            "",
		"Ça marche ç": "ca marche c",
	}
	for in, want := range tests {
		if got := fold(in); got != want {
			t.Errorf("fold(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseGroupPolicy(t *testing.T) {
	if p, err := ParseGroupPolicy(""); err != nil || p != GroupLenient {
		t.Errorf("empty policy = %q, %v", p, err)
	}
	if p, err := ParseGroupPolicy("Strict"); err != nil || p != GroupStrict {
		t.Errorf("Strict = %q, %v", p, err)
	}
	if _, err := ParseGroupPolicy("loose"); err == nil {
		t.Errorf("expected error for unknown policy")
	}
}
