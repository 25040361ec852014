// Package filter decides which runs belong to a monitored stream.
//
// Patterns are regular expressions with one convenience: a leading '*' is
// rewritten to ".*", so "*-nightly" means "anything ending in -nightly".
// Only the leading position is special; a '*' anywhere else keeps its
// regular-expression meaning.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a compiled, anchored stream-name matcher.
type Pattern struct {
	source string
	re     *regexp.Regexp
}

// Compile turns a pattern source into a Pattern.
func Compile(source string) (Pattern, error) {
	expr := source
	if strings.HasPrefix(expr, "*") {
		expr = "." + expr
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", source, err)
	}
	return Pattern{source: source, re: re}, nil
}

// MustCompile is Compile for patterns known to be valid. It panics otherwise.
func MustCompile(source string) Pattern {
	p, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether name matches the whole pattern.
func (p Pattern) Match(name string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(name)
}

// String returns the source the pattern was compiled from.
func (p Pattern) String() string {
	return p.source
}

// Filter combines include and exclude patterns.
// The zero value matches every name.
type Filter struct {
	includes []Pattern
	excludes []Pattern
}

// New compiles every include and exclude source. All compilation errors are
// returned together so a bad config can be fixed in one pass.
func New(includes, excludes []string) (*Filter, error) {
	inc, incErr := compileAll(includes)
	exc, excErr := compileAll(excludes)
	if incErr != nil || excErr != nil {
		return nil, errors.Join(incErr, excErr)
	}
	return &Filter{includes: inc, excludes: exc}, nil
}

// Matches reports whether name satisfies at least one include (or there are
// no includes) and no exclude.
func (f *Filter) Matches(name string) bool {
	if f == nil {
		return true
	}
	included := len(f.includes) == 0
	for _, p := range f.includes {
		if p.Match(name) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range f.excludes {
		if p.Match(name) {
			return false
		}
	}
	return true
}

// Includes returns the include sources.
func (f *Filter) Includes() []string { return sources(f.includesOrNil()) }

// Excludes returns the exclude sources.
func (f *Filter) Excludes() []string { return sources(f.excludesOrNil()) }

func (f *Filter) includesOrNil() []Pattern {
	if f == nil {
		return nil
	}
	return f.includes
}

func (f *Filter) excludesOrNil() []Pattern {
	if f == nil {
		return nil
	}
	return f.excludes
}

func compileAll(srcs []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(srcs))
	var errs []error
	for _, src := range srcs {
		p, err := Compile(src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func sources(ps []Pattern) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.source
	}
	return out
}
