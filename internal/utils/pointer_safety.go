// Package utils holds small generic helpers for optional fields.
package utils

// Value dereferences v, giving the zero value for nil.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

// Ptr returns a pointer to a copy of v, for setting optional patch fields
// from literals.
func Ptr[T any](v T) *T {
	return &v
}
