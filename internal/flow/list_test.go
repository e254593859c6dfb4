package flow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestListRemovePreservesOrder(t *testing.T) {
	l := List{
		{ConnectionID: 1},
		{ConnectionID: 2},
		{ConnectionID: 3},
	}

	got := l.Remove(1)
	want := List{{ConnectionID: 1}, {ConnectionID: 3}}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Remove() mismatch (-want +got):\n%s", diff)
	}
	if len(l) != 3 {
		t.Fatalf("original list mutated: len = %d, want 3", len(l))
	}
}

func TestListCloneIsIndependent(t *testing.T) {
	l := List{{ConnectionID: 1, SrcIP: "a"}}
	clone := l.Clone()
	clone[0].SrcIP = "b"

	if l[0].SrcIP != "a" {
		t.Fatalf("mutating clone affected original: %q", l[0].SrcIP)
	}
}

func TestListIndexOf(t *testing.T) {
	l := List{
		{Identity: 1, SrcIP: "10.0.0.1", SrcPort: 1, DstIP: "10.0.0.2", DstPort: 22},
		{Identity: 1, SrcIP: "10.0.0.1", SrcPort: 2, DstIP: "10.0.0.2", DstPort: 22},
	}

	idx := l.IndexOf(Record{Identity: 1, SrcIP: "10.0.0.1", SrcPort: 2, DstIP: "10.0.0.2", DstPort: 22})
	if idx != 1 {
		t.Fatalf("IndexOf() = %d, want 1", idx)
	}

	idx = l.IndexOf(Record{Identity: 1, SrcIP: "10.0.0.1", SrcPort: 3, DstIP: "10.0.0.2", DstPort: 22})
	if idx != -1 {
		t.Fatalf("IndexOf() = %d, want -1", idx)
	}
}
