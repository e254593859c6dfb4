package flow

import (
	"testing"
	"time"
)

func TestEqualIgnoresIDAndTimestamps(t *testing.T) {
	var tests = []struct {
		desc string
		a, b Record
		want bool
	}{
		{
			desc: "same five-tuple, different id and times",
			a: Record{
				ConnectionID: 1, Identity: 42,
				SrcIP: "10.0.0.1", SrcPort: 5000,
				DstIP: "10.0.0.2", DstPort: 22,
				StartTime: time.Unix(100, 0),
			},
			b: Record{
				ConnectionID: 99, Identity: 42,
				SrcIP: "10.0.0.1", SrcPort: 5000,
				DstIP: "10.0.0.2", DstPort: 22,
				StartTime: time.Unix(200, 0), EndTime: time.Unix(300, 0),
			},
			want: true,
		},
		{
			desc: "different dst port",
			a:    Record{Identity: 42, SrcIP: "10.0.0.1", SrcPort: 5000, DstIP: "10.0.0.2", DstPort: 22},
			b:    Record{Identity: 42, SrcIP: "10.0.0.1", SrcPort: 5000, DstIP: "10.0.0.2", DstPort: 23},
			want: false,
		},
		{
			desc: "different identity",
			a:    Record{Identity: 42, SrcIP: "10.0.0.1", SrcPort: 5000, DstIP: "10.0.0.2", DstPort: 22},
			b:    Record{Identity: 43, SrcIP: "10.0.0.1", SrcPort: 5000, DstIP: "10.0.0.2", DstPort: 22},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Fatalf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClosedLeavesReceiverUntouched(t *testing.T) {
	r := Record{ConnectionID: 1}
	end := time.Unix(42, 0)

	closed := r.Closed(end)

	if !r.EndTime.IsZero() {
		t.Fatalf("receiver was mutated: EndTime = %v", r.EndTime)
	}
	if !closed.EndTime.Equal(end) {
		t.Fatalf("closed.EndTime = %v, want %v", closed.EndTime, end)
	}
	if closed.Open() {
		t.Fatal("closed flow reports Open() == true")
	}
}
