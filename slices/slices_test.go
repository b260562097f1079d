package slices

import "testing"

func TestStack(t *testing.T) {
	s := []int{1, 2, 3, 2}
	if got := LastIndexFunc(s, func(v int) bool { return v == 2 }); got != 3 {
		t.Errorf("LastIndexFunc(%v, ==2)=%d, want 3", s, got)
	}
	if got := LastIndexFunc(s, func(v int) bool { return v == 5 }); got != -1 {
		t.Errorf("LastIndexFunc(%v, ==5)=%d, want -1", s, got)
	}
	if got := Last(s, -1); got != 2 {
		t.Errorf("Last(%v)=%d, want 2", s, got)
	}
	if got := Last([]int(nil), -1); got != -1 {
		t.Errorf("Last(nil)=%d, want -1", got)
	}

	e, s, ok := Pop(s)
	if e != 2 || len(s) != 3 || !ok {
		t.Errorf("Pop()=%d, %v, %t, want 2, [1 2 3], true", e, s, ok)
	}
	if _, _, ok := Pop([]int{}); ok {
		t.Errorf("Pop of empty slice succeeded")
	}
}

func TestRemoveLastFunc(t *testing.T) {
	s := []int{1, 2, 3, 2, 4}
	s, ok := RemoveLastFunc(s, func(v int) bool { return v == 2 })
	if !ok || len(s) != 4 || s[0] != 1 || s[1] != 2 || s[2] != 3 || s[3] != 4 {
		t.Errorf("RemoveLastFunc(==2)=%v, %t, want [1 2 3 4], true", s, ok)
	}
	if _, ok := RemoveLastFunc(s, func(v int) bool { return v == 5 }); ok {
		t.Errorf("RemoveLastFunc(==5) removed an element from %v", s)
	}
}
