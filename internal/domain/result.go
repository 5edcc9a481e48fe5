package domain

// Result is the tagged outcome of a leaf-provider call: either a value or an
// explicit Unavailable marker with a reason. Callers branch on OK instead of
// inspecting provider-native errors.
type Result[T any] struct {
	Value  T
	OK     bool
	Reason string
}

// Ok wraps an available value.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v, OK: true} }

// Unavailable marks the provider as unavailable for the given reason.
func Unavailable[T any](reason string) Result[T] { return Result[T]{Reason: reason} }
