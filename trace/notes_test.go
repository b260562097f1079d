package trace

import (
	"errors"
	"testing"

	"honnef.co/go/qmltrace/container"
)

func TestNotes(t *testing.T) {
	var ns Notes
	ns.Add(Note{Type: 1, Start: 10, Duration: 5, Text: "a"})
	ns.Add(Note{Type: 2, Start: 20, Duration: 5, Text: "b"})
	ns.Add(Note{Type: 3, Start: 30, Duration: 5, Text: "c"})

	if err := ns.SetText(1, "B"); err != nil {
		t.Fatal(err)
	}
	if n, _ := ns.Get(1); n.Text != "B" {
		t.Errorf("note 1 has text %q, want %q", n.Text, "B")
	}
	if err := ns.SetText(0, ""); err != nil {
		t.Fatal(err)
	}
	if ns.Len() != 2 {
		t.Fatalf("Len()=%d after clearing a note's text, want 2", ns.Len())
	}
	if n, _ := ns.Get(0); n.Text != "B" {
		t.Errorf("note 0 has text %q, want %q", n.Text, "B")
	}
	if err := ns.Remove(2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Remove(2) error = %v, want ErrOutOfRange", err)
	}
	ns.Clear()
	if ns.Len() != 0 {
		t.Errorf("Len()=%d after Clear, want 0", ns.Len())
	}
}

func TestNoteMatch(t *testing.T) {
	ranges := []Range{
		{Start: 0, End: 100, Type: 1, Depth: 0},
		{Start: 10, End: 20, Type: 2, Depth: 1},
		{Start: 50, End: 60, Type: 2, Depth: 1},
		{Start: 52, End: 60, Type: 2, Depth: 2},
	}
	tests := []struct {
		note Note
		want int
	}{
		{Note{Type: 2, CollapsedRow: -1, Start: 49, Duration: 10}, 2},
		{Note{Type: 2, CollapsedRow: 2, Start: 49, Duration: 10}, 3},
		{Note{Type: 1, CollapsedRow: 0, Start: 500, Duration: 1}, 0},
		{Note{Type: 3, CollapsedRow: -1}, -1},
	}
	for _, tc := range tests {
		if got := tc.note.Match(ranges); got != tc.want {
			t.Errorf("Match(%+v)=%d, want %d", tc.note, got, tc.want)
		}
	}
}

func TestHeap(t *testing.T) {
	h := NewHeap(func(a, b int) bool { return a < b })
	for _, v := range []int{5, 1, 4, 1, 3, 9, 2} {
		h.Push(v)
	}
	*h.Top() = 8
	h.Fix(0)
	var got []int
	for h.Len() > 0 {
		got = append(got, h.Pop())
	}
	want := []int{1, 2, 3, 4, 5, 8, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("popped %v, want %v", got, want)
		}
	}
}

func TestEventStage(t *testing.T) {
	ev := NewRangeEvent(5, 1, StageEnd)
	if ev.Stage() != StageEnd {
		t.Errorf("Stage()=%d, want %d", ev.Stage(), StageEnd)
	}
	if (&Event{}).Stage() != StageNone {
		t.Errorf("event without arguments has a stage")
	}
	typ := EventType{Message: MessageMemory, RangeType: RangeNone, Location: container.None[Location]()}
	if !typ.IsStateful() || typ.IsRange() {
		t.Errorf("memory type: stateful=%t range=%t", typ.IsStateful(), typ.IsRange())
	}
}
