package errx

import "fmt"

// Wrap chains a sentinel error with its underlying cause.
func Wrap(sentinel, err error) error {
	return fmt.Errorf("%w: %w", sentinel, err)
}

// With appends formatted context after a sentinel error. The sentinel is
// substituted for a leading %w, so errors.Is still matches it.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
