package mem

import "testing"

func TestBucketSlice(t *testing.T) {
	var l BucketSlice[int]
	var ptrs []*int
	for i := 0; i < bucketSize*2+10; i++ {
		ptrs = append(ptrs, l.Append(i))
	}
	if l.Len() != bucketSize*2+10 {
		t.Fatalf("Len()=%d, want %d", l.Len(), bucketSize*2+10)
	}
	for i, p := range ptrs {
		if *p != i || l.Get(i) != i {
			t.Fatalf("element %d is %d/%d", i, *p, l.Get(i))
		}
	}

	l.Truncate(bucketSize + 1)
	if l.Len() != bucketSize+1 {
		t.Errorf("Len()=%d after Truncate, want %d", l.Len(), bucketSize+1)
	}
	l.Append(-1)
	if got := l.Get(bucketSize + 1); got != -1 {
		t.Errorf("Get(%d)=%d after Truncate and Append, want -1", bucketSize+1, got)
	}

	l.Reset()
	if l.Len() != 0 {
		t.Errorf("Len()=%d after Reset, want 0", l.Len())
	}
	l.Append(7)
	if l.Get(0) != 7 {
		t.Errorf("Get(0)=%d, want 7", l.Get(0))
	}
}

func TestEnsureLen(t *testing.T) {
	s := EnsureLen([]int{1}, 3)
	if len(s) != 3 || s[0] != 1 || s[2] != 0 {
		t.Errorf("EnsureLen([1], 3)=%v, want [1 0 0]", s)
	}
	if s := EnsureLen([]int{1, 2}, 1); len(s) != 2 {
		t.Errorf("EnsureLen shrank the slice: %v", s)
	}
}
