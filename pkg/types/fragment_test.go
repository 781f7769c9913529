package types

import (
	"testing"
	"time"
)

func TestNamespaceHelpers(t *testing.T) {
	if got := Namespace("p1", "a1"); got != "p1:a1" {
		t.Errorf("Namespace = %q", got)
	}
	if got := SharedNamespace("p1"); got != "p1:shared" {
		t.Errorf("SharedNamespace = %q", got)
	}

	project, agent, err := SplitNamespace("p1:a1")
	if err != nil {
		t.Fatal(err)
	}
	if project != "p1" || agent != "a1" {
		t.Errorf("SplitNamespace = %q, %q", project, agent)
	}

	for _, bad := range []string{"", "p1", ":a1", "p1:"} {
		if _, _, err := SplitNamespace(bad); err == nil {
			t.Errorf("SplitNamespace(%q) should fail", bad)
		}
	}
}

func TestKindAndSourceValidation(t *testing.T) {
	for _, k := range []Kind{KindEpisodic, KindSemantic, KindProcedural} {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if Kind("dreams").Valid() {
		t.Error("unknown kind should be invalid")
	}
	if !SourceTask.Valid() || SourceType("osmosis").Valid() {
		t.Error("source type validation broken")
	}
	if !Outcome("").Valid() {
		t.Error("empty outcome should be valid")
	}
	if Outcome("meh").Valid() {
		t.Error("unknown outcome should be invalid")
	}
}

func TestFragmentClone(t *testing.T) {
	now := time.Now()
	fr := &Fragment{
		ID:        "f1",
		Embedding: []float32{1, 2, 3},
		Tags:      []string{"a", "b"},
		Provenance: Provenance{
			SourceIDs: []string{"s1"},
		},
		LastAccessedAt: &now,
		Extra:          map[string]interface{}{"k": "v"},
	}

	c := fr.Clone()
	c.Embedding[0] = 99
	c.Tags[0] = "mutated"
	c.Provenance.SourceIDs[0] = "mutated"
	c.Extra["k"] = "mutated"
	*c.LastAccessedAt = now.Add(time.Hour)

	if fr.Embedding[0] != 1 {
		t.Error("clone shares embedding storage")
	}
	if fr.Tags[0] != "a" {
		t.Error("clone shares tag storage")
	}
	if fr.Provenance.SourceIDs[0] != "s1" {
		t.Error("clone shares source id storage")
	}
	if fr.Extra["k"] != "v" {
		t.Error("clone shares extra map")
	}
	if !fr.LastAccessedAt.Equal(now) {
		t.Error("clone shares last-accessed pointer")
	}
}

func TestOriginID(t *testing.T) {
	fr := &Fragment{ID: "own"}
	if fr.OriginID() != "own" {
		t.Error("origin without source ids should be own id")
	}
	fr.Provenance.SourceIDs = []string{"root", "other"}
	if fr.OriginID() != "root" {
		t.Error("origin should be the head source id")
	}
}

func TestDedupTags(t *testing.T) {
	got := DedupTags([]string{"b", "a", "b", " ", "", "a "})
	want := []string{"a", "b"}
	if len(got) != len(want) {
		t.Fatalf("DedupTags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DedupTags = %v, want %v", got, want)
		}
	}
	if DedupTags(nil) != nil {
		t.Error("empty input should return nil")
	}
}

func TestFilterMatches(t *testing.T) {
	created := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fr := &Fragment{
		ID:             "f1",
		Namespace:      "p1:a1",
		Kind:           KindSemantic,
		RelevanceScore: 0.5,
		Tags:           []string{"a1", "infra"},
		CreatedAt:      created,
		Provenance:     Provenance{AgentID: "a1", ProjectID: "p1"},
	}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil filter matches live fragment", nil, true},
		{"namespace match", &Filter{Namespace: "p1:a1"}, true},
		{"namespace mismatch", &Filter{Namespace: "p1:a2"}, false},
		{"agent match", &Filter{AgentID: "a1"}, true},
		{"project mismatch", &Filter{ProjectID: "p2"}, false},
		{"kind match", &Filter{Kind: KindSemantic}, true},
		{"kind mismatch", &Filter{Kind: KindEpisodic}, false},
		{"min relevance met", &Filter{MinRelevance: 0.5}, true},
		{"min relevance unmet", &Filter{MinRelevance: 0.6}, false},
		{"created after", &Filter{CreatedAfter: created.Add(-time.Hour)}, true},
		{"created after boundary excluded", &Filter{CreatedAfter: created}, false},
		{"created before", &Filter{CreatedBefore: created.Add(time.Hour)}, true},
		{"tag intersection", &Filter{Tags: []string{"infra", "nope"}}, true},
		{"tag miss", &Filter{Tags: []string{"nope"}}, false},
		{"conjunction", &Filter{Namespace: "p1:a1", Kind: KindSemantic, Tags: []string{"infra"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(fr); got != tt.want {
				t.Errorf("Matches = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestFilterArchived(t *testing.T) {
	fr := &Fragment{ID: "f1", Namespace: "p1:a1", IsArchived: true}

	var nilFilter *Filter
	if nilFilter.Matches(fr) {
		t.Error("nil filter must exclude archived fragments")
	}
	if (&Filter{Namespace: "p1:a1"}).Matches(fr) {
		t.Error("default filter must exclude archived fragments")
	}
	if !(&Filter{Namespace: "p1:a1", IncludeArchived: true}).Matches(fr) {
		t.Error("IncludeArchived should match archived fragments")
	}
}

func TestSortScored(t *testing.T) {
	s := []ScoredFragment{
		{Fragment: &Fragment{ID: "b"}, Score: 0.5},
		{Fragment: &Fragment{ID: "a"}, Score: 0.5},
		{Fragment: &Fragment{ID: "c"}, Score: 0.9},
	}
	SortScored(s)
	wantOrder := []string{"c", "a", "b"}
	for i, want := range wantOrder {
		if s[i].Fragment.ID != want {
			t.Errorf("position %d = %s, want %s", i, s[i].Fragment.ID, want)
		}
	}
}
