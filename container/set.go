// Package container provides small generic containers.
package container

// Set is a set of comparable values. The zero value is a nil map and must not be added to.
type Set[T comparable] map[T]struct{}

func (set Set[T]) Add(v T) {
	set[v] = struct{}{}
}

func (set Set[T]) Has(v T) bool {
	_, ok := set[v]
	return ok
}
