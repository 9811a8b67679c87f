package history

import (
	"context"
	"strings"
	"testing"
)

func TestUnifiedDiff(t *testing.T) {
	if got := UnifiedDiff("same\n", "same\n", "a", "b"); got != "" {
		t.Fatalf("expected empty diff, got %q", got)
	}

	got := UnifiedDiff("one\ntwo\n", "one\nthree\n", "a", "b")
	for _, want := range []string{"--- a", "+++ b", "-two", "+three"} {
		if !strings.Contains(got, want) {
			t.Fatalf("diff missing %q:\n%s", want, got)
		}
	}
}

func TestEngineDiff(t *testing.T) {
	src := newFakeSource(
		fakeEntry{"v2", text("{\"shapes\":2}\n")},
		fakeEntry{"v1", nil},
	)

	d, err := NewEngine(src).Diff(context.Background(), "s", "diagram.json", "v1", "v2")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !d.FromMissing || d.ToMissing {
		t.Fatalf("unexpected presence flags: %+v", d)
	}
	if !strings.Contains(d.Diff, "+{\"shapes\":2}") {
		t.Fatalf("unexpected diff:\n%s", d.Diff)
	}
}
