package relay

import (
	"testing"
)

func TestGroupSetAddRemove(t *testing.T) {
	groups := NewGroupSet()

	if !groups.Add("a") {
		t.Error("Expected first add to report a change")
	}
	if groups.Add("a") {
		t.Error("Expected duplicate add to report no change")
	}
	groups.Add("b")

	if !groups.Contains("a") || !groups.Contains("b") {
		t.Error("Expected both groups to be members")
	}
	if groups.Len() != 2 {
		t.Errorf("Expected 2 members, got %d", groups.Len())
	}

	if !groups.Remove("a") {
		t.Error("Expected remove to report a change")
	}
	if groups.Remove("a") {
		t.Error("Expected second remove to report no change")
	}
	if groups.Contains("a") {
		t.Error("Expected 'a' to be gone")
	}
}

func TestGroupSetSnapshotOrder(t *testing.T) {
	groups := NewGroupSet()
	groups.Add("c")
	groups.Add("a")
	groups.Add("b")
	groups.Remove("a")

	snapshot := groups.Snapshot()
	if len(snapshot) != 2 || snapshot[0] != "c" || snapshot[1] != "b" {
		t.Errorf("Expected [c b] in join order, got %v", snapshot)
	}
}

func TestGroupSetSnapshotNeverNil(t *testing.T) {
	snapshot := NewGroupSet().Snapshot()
	if snapshot == nil {
		t.Error("Expected non-nil snapshot for empty set")
	}
	if len(snapshot) != 0 {
		t.Errorf("Expected empty snapshot, got %v", snapshot)
	}
}

func TestGroupSetSnapshotIsACopy(t *testing.T) {
	groups := NewGroupSet()
	groups.Add("a")

	snapshot := groups.Snapshot()
	snapshot[0] = "mutated"

	if !groups.Contains("a") {
		t.Error("Expected set to be unaffected by snapshot mutation")
	}
}

func TestDiffGroups(t *testing.T) {
	tests := []struct {
		name           string
		prev, curr     []string
		added, removed []string
	}{
		{
			name:  "no change",
			prev:  []string{"a"},
			curr:  []string{"a"},
		},
		{
			name:  "additions only",
			prev:  []string{"a"},
			curr:  []string{"a", "b", "c"},
			added: []string{"b", "c"},
		},
		{
			name:    "removals only",
			prev:    []string{"a", "b"},
			curr:    []string{"b"},
			removed: []string{"a"},
		},
		{
			name:    "both",
			prev:    []string{"a", "b"},
			curr:    []string{"b", "c"},
			added:   []string{"c"},
			removed: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := DiffGroups(tt.prev, tt.curr)
			if !equalStrings(added, tt.added) {
				t.Errorf("Expected added %v, got %v", tt.added, added)
			}
			if !equalStrings(removed, tt.removed) {
				t.Errorf("Expected removed %v, got %v", tt.removed, removed)
			}
		})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
