package monitor

import (
	"errors"
	"testing"
	"time"
)

func validSpec() Spec {
	return Spec{
		Stream:      "regression",
		Includes:    []string{"*"},
		Excludes:    []string{"regression-experimental"},
		MinReplicas: 1,
		MaxReplicas: 5,
		Selector:    "app=engine-controller",
	}
}

func TestCompile_AppliesDefaults(t *testing.T) {
	cfg, err := Compile(validSpec(), Defaults{Namespace: "galasa"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Namespace != "galasa" {
		t.Errorf("Namespace = %q, want galasa", cfg.Namespace)
	}
	if cfg.ScaleCooldown != DefaultScaleCooldown {
		t.Errorf("ScaleCooldown = %v, want %v", cfg.ScaleCooldown, DefaultScaleCooldown)
	}
	if cfg.RunsPerReplica != DefaultRunsPerReplica {
		t.Errorf("RunsPerReplica = %d, want %d", cfg.RunsPerReplica, DefaultRunsPerReplica)
	}
	if !cfg.Filter.Matches("regression") || cfg.Filter.Matches("regression-experimental") {
		t.Error("filter not compiled from includes/excludes")
	}
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{name: "negative min", mutate: func(s *Spec) { s.MinReplicas = -1 }},
		{name: "max below min", mutate: func(s *Spec) { s.MinReplicas = 3; s.MaxReplicas = 2 }},
		{name: "bad include", mutate: func(s *Spec) { s.Includes = []string{"("} }},
		{name: "bad exclude", mutate: func(s *Spec) { s.Excludes = []string{"[x"} }},
		{name: "no stream", mutate: func(s *Spec) { s.Stream = "  " }},
		{name: "no selector", mutate: func(s *Spec) { s.Selector = "" }},
		{name: "negative cooldown", mutate: func(s *Spec) { s.ScaleCooldown = -time.Second }},
		{name: "negative runs per replica", mutate: func(s *Spec) { s.RunsPerReplica = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			_, err := Compile(spec, Defaults{})
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want *ConfigError", err)
			}
		})
	}
}

func TestCompile_ZeroMinAllowed(t *testing.T) {
	spec := validSpec()
	spec.MinReplicas = 0
	spec.MaxReplicas = 0
	if _, err := Compile(spec, Defaults{}); err != nil {
		t.Fatalf("min=max=0 should be valid: %v", err)
	}
}

func TestParse_YAML(t *testing.T) {
	data := []byte(`
includes: ["*"]
excludes: [regression-experimental]
min_replicas: 1
max_replicas: 5
scale_cooldown: 30s
selector: app=engine-controller
runs_per_replica: 4
`)
	cfg, err := Parse(data, "regression", Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Stream != "regression" {
		t.Errorf("Stream = %q, want fallback regression", cfg.Stream)
	}
	if cfg.ScaleCooldown != 30*time.Second {
		t.Errorf("ScaleCooldown = %v, want 30s", cfg.ScaleCooldown)
	}
	if cfg.RunsPerReplica != 4 {
		t.Errorf("RunsPerReplica = %d, want 4", cfg.RunsPerReplica)
	}
}

func TestParse_StreamMismatch(t *testing.T) {
	_, err := Parse([]byte("stream: smoke\nmax_replicas: 1\nselector: a=b\n"), "regression", Defaults{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Stream != "regression" {
		t.Fatalf("err = %v, want ConfigError for regression", err)
	}
}

func TestParse_Garbage(t *testing.T) {
	_, err := Parse([]byte("max_replicas: lots\n"), "regression", Defaults{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
}

func TestCompileAll_SkipsBadEntries(t *testing.T) {
	good := validSpec()
	bad := validSpec()
	bad.Stream = "smoke"
	bad.Includes = []string{"("}
	dup := validSpec()

	cfgs, err := CompileAll([]Spec{good, bad, dup}, Defaults{})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(cfgs) != 1 {
		t.Fatalf("got %d configs, want 1", len(cfgs))
	}
	if _, ok := cfgs["regression"]; !ok {
		t.Error("regression should survive")
	}
}

func TestConfig_Equal(t *testing.T) {
	a, err := Compile(validSpec(), Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Compile(validSpec(), Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Error("identical specs should be equal")
	}

	changed := validSpec()
	changed.MaxReplicas = 6
	c, err := Compile(changed, Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Equal(c) {
		t.Error("different bounds should not be equal")
	}
}

func TestConfig_SpecIsACopy(t *testing.T) {
	cfg, err := Compile(validSpec(), Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	s := cfg.Spec()
	s.Includes[0] = "mutated"
	if cfg.Spec().Includes[0] != "*" {
		t.Error("Spec() must not expose internal slices")
	}
}
