package container

import "testing"

type point struct{ x, y int }

func (p point) String() string { return "point" }

func TestOption(t *testing.T) {
	some := Some(point{1, 2})
	if v, ok := some.Get(); !ok || v != (point{1, 2}) {
		t.Errorf("Some(p).Get()=%v, %t, want %v, true", v, ok, point{1, 2})
	}
	if got := some.GetOr(point{}); got != (point{1, 2}) {
		t.Errorf("Some(p).GetOr()=%v, want %v", got, point{1, 2})
	}
	if got := some.String(); got != "point" {
		t.Errorf("Some(p).String()=%q, want %q", got, "point")
	}

	var zero Option[point]
	if zero != None[point]() {
		t.Errorf("zero Option differs from None")
	}
	if _, ok := zero.Get(); ok {
		t.Errorf("None().Get() reported a value")
	}
	if got := zero.GetOr(point{3, 4}); got != (point{3, 4}) {
		t.Errorf("None().GetOr(q)=%v, want %v", got, point{3, 4})
	}
	if got := zero.String(); got != "" {
		t.Errorf("None().String()=%q, want empty", got)
	}
}

func TestSet(t *testing.T) {
	set := Set[int32]{}
	set.Add(3)
	set.Add(3)
	if !set.Has(3) || set.Has(4) {
		t.Errorf("got %v, want {3}", set)
	}
	if len(set) != 1 {
		t.Errorf("got %d elements, want 1", len(set))
	}
}
