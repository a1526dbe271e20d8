package news

import (
	"reflect"
	"testing"
)

func TestFilterHeadlines_MatchesCategory(t *testing.T) {
	titles := []string{"Local bakery wins award", "Senate passes new bill", "Weather turns mild locally"}

	got := filterHeadlines(titles, "local", 5)
	want := []string{"Local bakery wins award", "Weather turns mild locally"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFilterHeadlines_RespectsLimit(t *testing.T) {
	titles := []string{"one", "two", "three"}
	got := filterHeadlines(titles, "", 2)
	if len(got) != 2 {
		t.Errorf("expected 2 headlines, got %d", len(got))
	}
}

func TestFilterHeadlines_FallsBackWhenNoMatch(t *testing.T) {
	titles := []string{"one", "two", "three"}
	got := filterHeadlines(titles, "nonexistent-category", 2)
	if len(got) != 2 {
		t.Errorf("expected fallback to top 2 headlines, got %d", len(got))
	}
}
