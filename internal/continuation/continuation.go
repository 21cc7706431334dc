// Package continuation provides the two-variant suspend/resolve result type
// used to model deferred tool completion without exceptions or callbacks.
package continuation

// Continuation is either suspended or resolved with a value. The zero value
// is suspended.
type Continuation[T any] struct {
	resolved bool
	value    T
}

// Suspend returns a suspended continuation: the result is not available yet
// and will be delivered by a later resume command.
func Suspend[T any]() Continuation[T] {
	return Continuation[T]{}
}

// Resolve returns a continuation resolved with v.
func Resolve[T any](v T) Continuation[T] {
	return Continuation[T]{resolved: true, value: v}
}

// Suspended reports whether the continuation is still pending.
func (c Continuation[T]) Suspended() bool { return !c.resolved }

// Resolved reports whether the continuation carries a value.
func (c Continuation[T]) Resolved() bool { return c.resolved }

// Value returns the resolved value. ok is false while suspended.
func (c Continuation[T]) Value() (value T, ok bool) {
	return c.value, c.resolved
}
