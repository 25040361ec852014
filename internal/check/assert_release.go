//go:build !debug

// Package check provides invariant assertions that are compiled in only
// with the debug build tag.
package check

// Assert does nothing without the debug tag.
func Assert(_ bool, _ string) {}

// Assertf does nothing without the debug tag.
func Assertf(_ bool, _ string, _ ...any) {}
