// Package monitor turns configured monitor entries into immutable, validated
// per-stream configurations.
package monitor

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"scalewatch/internal/filter"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultRunsPerReplica is 5: one controller per five active runs.
	DefaultRunsPerReplica = 5
	// DefaultScaleCooldown is 2m: long enough to ride out a burst of submissions.
	DefaultScaleCooldown = 2 * time.Minute
)

// Spec is a monitor entry as written in YAML, either in the daemon config
// file or as a value in the coordination store.
type Spec struct {
	Stream         string        `yaml:"stream"`
	Includes       []string      `yaml:"includes,omitempty"`
	Excludes       []string      `yaml:"excludes,omitempty"`
	MinReplicas    int           `yaml:"min_replicas"`
	MaxReplicas    int           `yaml:"max_replicas"`
	ScaleCooldown  time.Duration `yaml:"scale_cooldown,omitempty"`
	Namespace      string        `yaml:"namespace,omitempty"`
	Selector       string        `yaml:"selector,omitempty"`
	RunsPerReplica int           `yaml:"runs_per_replica,omitempty"`
}

// Defaults fill in fields a Spec leaves empty.
type Defaults struct {
	Namespace      string
	ScaleCooldown  time.Duration
	RunsPerReplica int
}

// Config is a validated monitor. It is never mutated after Compile; a
// configuration change produces a new Config.
type Config struct {
	Stream         string
	Filter         *filter.Filter
	MinReplicas    int
	MaxReplicas    int
	ScaleCooldown  time.Duration
	Namespace      string
	Selector       string
	RunsPerReplica int

	spec Spec
}

// ConfigError reports a monitor entry that cannot be used. Only the named
// stream is affected.
type ConfigError struct {
	Stream string
	Err    error
}

func (e *ConfigError) Error() string {
	name := e.Stream
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("monitor %s: %v", name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Compile validates spec, applies defaults and compiles its patterns.
func Compile(spec Spec, def Defaults) (Config, error) {
	spec = applyDefaults(spec, def)

	var problems []error
	if strings.TrimSpace(spec.Stream) == "" {
		problems = append(problems, errors.New("stream name is required"))
	}
	if spec.MinReplicas < 0 {
		problems = append(problems, fmt.Errorf("min_replicas %d must not be negative", spec.MinReplicas))
	}
	if spec.MaxReplicas < spec.MinReplicas {
		problems = append(problems, fmt.Errorf("max_replicas %d is below min_replicas %d", spec.MaxReplicas, spec.MinReplicas))
	}
	if spec.ScaleCooldown < 0 {
		problems = append(problems, fmt.Errorf("scale_cooldown %s must not be negative", spec.ScaleCooldown))
	}
	if spec.RunsPerReplica < 1 {
		problems = append(problems, fmt.Errorf("runs_per_replica %d must be at least 1", spec.RunsPerReplica))
	}
	if strings.TrimSpace(spec.Selector) == "" {
		problems = append(problems, errors.New("selector is required"))
	}
	f, err := filter.New(spec.Includes, spec.Excludes)
	if err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return Config{}, &ConfigError{Stream: spec.Stream, Err: errors.Join(problems...)}
	}

	return Config{
		Stream:         spec.Stream,
		Filter:         f,
		MinReplicas:    spec.MinReplicas,
		MaxReplicas:    spec.MaxReplicas,
		ScaleCooldown:  spec.ScaleCooldown,
		Namespace:      spec.Namespace,
		Selector:       spec.Selector,
		RunsPerReplica: spec.RunsPerReplica,
		spec:           spec,
	}, nil
}

// Parse decodes a YAML monitor entry and compiles it. When the entry omits
// its stream name, fallbackStream is used (store entries are keyed by stream).
func Parse(data []byte, fallbackStream string, def Defaults) (Config, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Config{}, &ConfigError{Stream: fallbackStream, Err: fmt.Errorf("decode: %w", err)}
	}
	if spec.Stream == "" {
		spec.Stream = fallbackStream
	}
	if fallbackStream != "" && spec.Stream != fallbackStream {
		return Config{}, &ConfigError{Stream: fallbackStream, Err: fmt.Errorf("entry names stream %q", spec.Stream)}
	}
	return Compile(spec, def)
}

// CompileAll compiles every spec. Valid configs are returned keyed by stream
// even when some entries fail; the failures are joined into err.
func CompileAll(specs []Spec, def Defaults) (map[string]Config, error) {
	out := make(map[string]Config, len(specs))
	var errs []error
	for _, spec := range specs {
		cfg, err := Compile(spec, def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := out[cfg.Stream]; dup {
			errs = append(errs, &ConfigError{Stream: cfg.Stream, Err: errors.New("duplicate stream")})
			continue
		}
		out[cfg.Stream] = cfg
	}
	return out, errors.Join(errs...)
}

// Spec returns the normalized entry the config was compiled from.
func (c Config) Spec() Spec {
	s := c.spec
	s.Includes = slices.Clone(s.Includes)
	s.Excludes = slices.Clone(s.Excludes)
	return s
}

// Equal reports whether two configs were compiled from the same entry.
func (c Config) Equal(o Config) bool {
	a, b := c.spec, o.spec
	return a.Stream == b.Stream &&
		slices.Equal(a.Includes, b.Includes) &&
		slices.Equal(a.Excludes, b.Excludes) &&
		a.MinReplicas == b.MinReplicas &&
		a.MaxReplicas == b.MaxReplicas &&
		a.ScaleCooldown == b.ScaleCooldown &&
		a.Namespace == b.Namespace &&
		a.Selector == b.Selector &&
		a.RunsPerReplica == b.RunsPerReplica
}

func applyDefaults(spec Spec, def Defaults) Spec {
	spec.Stream = strings.TrimSpace(spec.Stream)
	if spec.Namespace == "" {
		spec.Namespace = def.Namespace
	}
	if spec.ScaleCooldown == 0 {
		spec.ScaleCooldown = def.ScaleCooldown
		if spec.ScaleCooldown == 0 {
			spec.ScaleCooldown = DefaultScaleCooldown
		}
	}
	if spec.RunsPerReplica == 0 {
		spec.RunsPerReplica = def.RunsPerReplica
		if spec.RunsPerReplica == 0 {
			spec.RunsPerReplica = DefaultRunsPerReplica
		}
	}
	return spec
}
