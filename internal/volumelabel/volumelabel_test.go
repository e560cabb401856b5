package volumelabel

import (
	"testing"
	"time"
)

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []struct {
		year, month, seq int
	}{
		{1900, 1, 1},
		{2025, 1, 3},
		{2025, 12, 99},
		{2100, 6, 50},
	}
	for _, c := range cases {
		s := Format(c.year, c.month, c.seq)
		l, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", s, err)
		}
		if l.Year != c.year || l.Month != c.month || l.Seq != c.seq {
			t.Errorf("round trip mismatch: got %+v, want %+v", l, c)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{"", "TP2025010", "TP202513 1", "XX20250101", "TP20250100", "TP99990101"}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should have failed", s)
		}
	}
}

func TestNextInMonth(t *testing.T) {
	known := []string{"TP20250101", "TP20250102", "TP20241107"}
	next := NextInMonth(known, 2025, 1)
	if next.Seq != 3 {
		t.Fatalf("NextInMonth seq = %d, want 3", next.Seq)
	}

	fresh := NextInMonth(nil, 2025, 1)
	if fresh.String() != "TP20250101" {
		t.Fatalf("NextInMonth on empty set = %s, want TP20250101", fresh)
	}
}

func TestIsCurrentMonth(t *testing.T) {
	now := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)

	if !IsCurrentMonth("TP20250103", now) {
		t.Error("same year/month should be current")
	}
	// Year mismatch alone is a warning, not a rejection: only month gates.
	if !IsCurrentMonth("TP20240107", now) {
		t.Error("different year, same month should still report current")
	}
	if IsCurrentMonth("TP20241107", now) {
		t.Error("different month should not be current")
	}
	if IsCurrentMonth("garbage", now) {
		t.Error("unparsable label should not be current")
	}
}

func TestSortedSeqs(t *testing.T) {
	known := []string{"TP20250103", "TP20250101", "TP20250102", "TP20241207"}
	seqs := SortedSeqs(known, 2025, 1)
	want := []int{1, 2, 3}
	if len(seqs) != len(want) {
		t.Fatalf("SortedSeqs = %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("SortedSeqs = %v, want %v", seqs, want)
		}
	}
}
