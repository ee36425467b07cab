package emergency

import (
	"strings"
	"testing"
)

func TestNewShortID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewShortID()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(id) != ShortIDLength {
			t.Fatalf("expected length %d, got %q", ShortIDLength, id)
		}
		if !ValidShortID(id) {
			t.Fatalf("generated id %q does not validate", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestValidShortID(t *testing.T) {
	valid := []string{"a", "Ab3dE9xZ", strings.Repeat("Z", 32)}
	invalid := []string{"", "Ab3d-9xZ", "Ab3d E9x", "Ab3dé9xZ", "../etc", strings.Repeat("Z", 33), "Ab3dE9xZ\n"}

	for _, s := range valid {
		if !ValidShortID(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range invalid {
		if ValidShortID(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}
