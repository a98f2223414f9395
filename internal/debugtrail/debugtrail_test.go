package debugtrail

import "testing"

func TestTrail_SnapshotOrdersOldestFirstAndWraps(t *testing.T) {
	tr := New(3)
	for i := 0; i < 5; i++ {
		tr.Record(Entry{ID: string(rune('a' + i))})
	}
	got := tr.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"c", "d", "e"}
	for i, e := range got {
		if e.ID != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, e.ID, want[i])
		}
	}
}

func TestTrail_SnapshotBeforeFull(t *testing.T) {
	tr := New(5)
	tr.Record(Entry{ID: "a"})
	tr.Record(Entry{ID: "b"})
	got := tr.Snapshot()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("got %+v", got)
	}
}
