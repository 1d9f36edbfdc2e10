package location_test

import (
	"testing"

	"github.com/evosense/locationd/internal/location"
)

// TestOwnerGolden pins the placement of known ids. These values are part of
// the cluster's wire contract: changing any of them breaks interoperability
// with already-deployed nodes.
func TestOwnerGolden(t *testing.T) {
	t.Parallel()

	tests := []struct {
		locationID string
		want       int
	}{
		{"", 0},
		{"a", 6},  // 'a' = 97, 97 % 7 = 6
		{"k", 2},  // 'k' = 107, 107 % 7 = 2
		{"abc", 6}, // ((6*10)%7 + 0)%7 = 4, then ((4*10)%7 + 1)%7 = 6
	}

	for _, tt := range tests {
		if got := location.Owner(tt.locationID); got != tt.want {
			t.Errorf("Owner(%q) = %d, want %d", tt.locationID, got, tt.want)
		}
	}
}

// TestOwnerRange verifies the placement lands in [0, ClusterSize) for a
// variety of ids, including multi-byte runes.
func TestOwnerRange(t *testing.T) {
	t.Parallel()

	ids := []string{
		"abc", "location-1", "never-written",
		"bac32c52-bb64-476d-a36d-91069bbd8a5e",
		"Außenstelle-7", "станция", "観測点",
		"x", "xx", "xxx", "xxxx",
	}

	for _, id := range ids {
		got := location.Owner(id)
		if got < 0 || got >= location.ClusterSize {
			t.Errorf("Owner(%q) = %d, out of range", id, got)
		}
	}
}

// TestOwnerDeterministic verifies repeated calls agree.
func TestOwnerDeterministic(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"abc", "def", "sensor-array-12", ""} {
		first := location.Owner(id)
		for range 10 {
			if got := location.Owner(id); got != first {
				t.Fatalf("Owner(%q) flapped: %d then %d", id, first, got)
			}
		}
	}
}
