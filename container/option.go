package container

import "fmt"

// Option holds a value that may be absent. The zero value is absent.
type Option[T any] struct {
	v   T
	set bool
}

func Some[T any](v T) Option[T] {
	return Option[T]{v: v, set: true}
}

func None[T any]() Option[T] {
	return Option[T]{}
}

func (opt Option[T]) Get() (T, bool) {
	return opt.v, opt.set
}

// GetOr returns the value, or alt if it is absent.
func (opt Option[T]) GetOr(alt T) T {
	if !opt.set {
		return alt
	}
	return opt.v
}

// String formats the value like %v does. An absent value formats as the empty string.
func (opt Option[T]) String() string {
	if !opt.set {
		return ""
	}
	return fmt.Sprintf("%v", opt.v)
}
