package filter

import (
	"strings"
	"testing"
)

func TestCompile_LeadingWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{pattern: "*-nightly", name: "regression-nightly", want: true},
		{pattern: "*-nightly", name: "-nightly", want: true},
		{pattern: "*-nightly", name: "regression-nightly-2", want: false},
		{pattern: "nightly", name: "regression-nightly", want: false},
		{pattern: "nightly", name: "nightly", want: true},
		{pattern: "*", name: "", want: true},
		{pattern: "*", name: "anything at all", want: true},
		// A trailing '*' is plain regex: "regression" followed by zero or more 'n'.
		{pattern: "regression*", name: "regressionnn", want: true},
		{pattern: "regression*", name: "regression-nightly", want: false},
		{pattern: "smoke|sanity", name: "sanity", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			if err != nil {
				t.Fatalf("Compile(%q): %v", tt.pattern, err)
			}
			if got := p.Match(tt.name); got != tt.want {
				t.Errorf("Compile(%q).Match(%q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
			}
		})
	}
}

func TestCompile_MalformedPattern(t *testing.T) {
	for _, src := range []string{"(", "[a-", "**", "a{2,1}"} {
		if _, err := Compile(src); err == nil {
			t.Errorf("Compile(%q): expected error", src)
		}
	}
}

func TestNew_ReportsEveryBadPattern(t *testing.T) {
	_, err := New([]string{"ok", "("}, []string{"[x"})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{`"("`, `"[x"`} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestFilter_EmptyIncludesMatchAllButExcluded(t *testing.T) {
	f, err := New(nil, []string{"*-experimental", "sandbox"})
	if err != nil {
		t.Fatal(err)
	}

	names := []string{"", "regression", "smoke-nightly", "sandbox-2", "x"}
	for _, name := range names {
		if !f.Matches(name) {
			t.Errorf("Matches(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"regression-experimental", "sandbox"} {
		if f.Matches(name) {
			t.Errorf("Matches(%q) = true, want false (excluded)", name)
		}
	}
}

func TestFilter_Matches(t *testing.T) {
	tests := []struct {
		name     string
		includes []string
		excludes []string
		stream   string
		want     bool
	}{
		{name: "include all", includes: []string{"*"}, stream: "regression", want: true},
		{name: "include miss", includes: []string{"smoke"}, stream: "regression", want: false},
		{name: "second include hits", includes: []string{"smoke", "regression"}, stream: "regression", want: true},
		{name: "exclude wins", includes: []string{"*"}, excludes: []string{"regression-experimental"}, stream: "regression-experimental", want: false},
		{name: "exclude anchored", includes: []string{"*"}, excludes: []string{"regression-experimental"}, stream: "regression", want: true},
		{name: "no patterns", stream: "anything", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.includes, tt.excludes)
			if err != nil {
				t.Fatal(err)
			}
			if got := f.Matches(tt.stream); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.stream, got, tt.want)
			}
		})
	}
}

func TestFilter_NilMatchesEverything(t *testing.T) {
	var f *Filter
	if !f.Matches("regression") {
		t.Error("nil filter should match")
	}
	if got := f.Includes(); len(got) != 0 {
		t.Errorf("Includes() = %v, want empty", got)
	}
}

func TestFilter_SourcesRoundTrip(t *testing.T) {
	f, err := New([]string{"*", "smoke"}, []string{"x"})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(f.Includes(), ","); got != "*,smoke" {
		t.Errorf("Includes() = %q", got)
	}
	if got := strings.Join(f.Excludes(), ","); got != "x" {
		t.Errorf("Excludes() = %q", got)
	}
}
