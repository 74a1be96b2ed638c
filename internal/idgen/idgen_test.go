package idgen

import (
	"strings"
	"testing"
)

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if !Valid(id) {
			t.Fatalf("New() = %q is not a valid uuid", id)
		}
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("alrt_")
	if !strings.HasPrefix(id, "alrt_") {
		t.Errorf("missing prefix: %s", id)
	}
	if len(id) != len("alrt_")+32 {
		t.Errorf("unexpected length %d for %s", len(id), id)
	}
}

func TestValid(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Error("expected invalid")
	}
}
