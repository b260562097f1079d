// Package slices contains stack helpers that golang.org/x/exp/slices doesn't provide.
package slices

// Pop removes the last element of s. It reports false if s is empty.
func Pop[E any, S ~[]E](s S) (E, S, bool) {
	if len(s) == 0 {
		return *new(E), s, false
	}
	e := s[len(s)-1]
	s = s[:len(s)-1]
	return e, s, true
}

// Last returns the last element of s, or fallback if s is empty.
func Last[E any, S ~[]E](s S, fallback E) E {
	if len(s) == 0 {
		return fallback
	}
	return s[len(s)-1]
}

// LastIndexFunc returns the index of the last element satisfying fn, or -1.
func LastIndexFunc[E any, S ~[]E](s S, fn func(E) bool) int {
	for i := len(s) - 1; i >= 0; i-- {
		if fn(s[i]) {
			return i
		}
	}
	return -1
}

// RemoveLastFunc removes the last element satisfying fn, preserving the order of the remaining elements. It
// reports false if no element matches.
func RemoveLastFunc[E any, S ~[]E](s S, fn func(E) bool) (S, bool) {
	i := LastIndexFunc(s, fn)
	if i == -1 {
		return s, false
	}
	return append(s[:i], s[i+1:]...), true
}
