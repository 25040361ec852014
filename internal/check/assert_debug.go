//go:build debug

// Package check provides invariant assertions that are compiled in only
// with the debug build tag.
package check

import "fmt"

// Assert panics with msg when cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("scalewatch: assertion failed: " + msg)
	}
}

// Assertf panics with a formatted message when cond is false.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("scalewatch: assertion failed: " + fmt.Sprintf(format, args...))
	}
}
