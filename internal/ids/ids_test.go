package ids

import (
	"sort"
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var got []string
	for i := 0; i < 50; i++ {
		got = append(got, NewAt(at))
	}
	if !sort.StringsAreSorted(got) {
		t.Fatalf("ids minted at the same instant are not sorted: %v", got)
	}
}

func TestEntityIsUnique(t *testing.T) {
	if Entity() == Entity() {
		t.Fatalf("expected distinct identifiers")
	}
}
