// Package mem contains containers that trade a little speed for predictable memory growth.
package mem

const bucketSize = 1024

// BucketSlice is like a slice, but grows one bucket at a time instead of growing exponentially. Elements never
// move once appended, so pointers returned by Ptr stay valid until Reset or Truncate.
type BucketSlice[T any] struct {
	n       int
	buckets [][]T
}

// Append appends v to the slice and returns a pointer to the new element.
func (l *BucketSlice[T]) Append(v T) *T {
	a, _ := l.index(l.n)
	if a >= len(l.buckets) {
		l.buckets = append(l.buckets, make([]T, 0, bucketSize))
	}
	l.buckets[a] = append(l.buckets[a], v)
	l.n++
	return &l.buckets[a][len(l.buckets[a])-1]
}

func (l *BucketSlice[T]) index(i int) (int, int) {
	return i / bucketSize, i % bucketSize
}

func (l *BucketSlice[T]) Ptr(i int) *T {
	a, b := l.index(i)
	return &l.buckets[a][b]
}

func (l *BucketSlice[T]) Get(i int) T {
	a, b := l.index(i)
	return l.buckets[a][b]
}

func (l *BucketSlice[T]) Len() int {
	return l.n
}

// Reset empties the slice, keeping the allocated buckets for reuse.
func (l *BucketSlice[T]) Reset() {
	for i := range l.buckets {
		clear(l.buckets[i])
		l.buckets[i] = l.buckets[i][:0]
	}
	l.n = 0
}

// Truncate shortens the slice to n elements.
func (l *BucketSlice[T]) Truncate(n int) {
	if n >= l.n {
		return
	}
	a, b := l.index(n)
	clear(l.buckets[a][b:])
	l.buckets[a] = l.buckets[a][:b]
	for i := a + 1; i < len(l.buckets); i++ {
		clear(l.buckets[i])
		l.buckets[i] = l.buckets[i][:0]
	}
	l.n = n
}

// EnsureLen grows s to at least n elements, filling new elements with the zero value.
func EnsureLen[S ~[]E, E any](s S, n int) S {
	if len(s) >= n {
		return s
	}
	return append(s, make([]E, n-len(s))...)
}
