package saga

import (
	"fmt"
	"time"
)

// RetryConfig controls retry behavior for compensation execution. Zero
// MaxRetries means each compensation is attempted exactly once; retry policy
// is deliberately the caller's choice.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// Definition is an ordered, immutable sequence of named steps. Forward
// execution follows declaration order; compensation follows the reverse of
// the recorded commit order.
type Definition struct {
	Name               string
	Steps              []*Step
	DefaultStepTimeout time.Duration
	Retry              RetryConfig
}

// Builder incrementally constructs Definition values.
type Builder struct {
	def  *Definition
	errs []error
}

// New creates a definition builder.
func New(name string) *Builder {
	return &Builder{
		def: &Definition{
			Name:               name,
			Steps:              make([]*Step, 0),
			DefaultStepTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxRetries:     0,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				BackoffFactor:  2.0,
			},
		},
	}
}

// Step appends a named step to the definition.
func (b *Builder) Step(name string, opts ...StepOption) *Builder {
	step := &Step{Name: name}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(step); err != nil {
			b.errs = append(b.errs, fmt.Errorf("step %q: %w", name, err))
		}
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// WithDefaultStepTimeout sets the timeout applied to steps without an
// explicit override.
func (b *Builder) WithDefaultStepTimeout(timeout time.Duration) *Builder {
	b.def.DefaultStepTimeout = timeout
	return b
}

// WithRetryConfig configures compensation retries.
func (b *Builder) WithRetryConfig(cfg RetryConfig) *Builder {
	b.def.Retry = cfg
	return b
}

// Build validates and returns an immutable definition.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def.clone(), nil
}

// Validate checks definition structure: non-empty name and step list, unique
// step names, an action on every step.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("saga: definition cannot be nil")
	}
	if d.Name == "" {
		return fmt.Errorf("saga: definition name cannot be empty")
	}
	if len(d.Steps) == 0 {
		return ErrEmptyDefinition
	}
	if d.DefaultStepTimeout < 0 {
		return fmt.Errorf("saga: default step timeout cannot be negative")
	}
	if d.Retry.MaxRetries < 0 {
		return fmt.Errorf("saga: compensation max retries cannot be negative")
	}
	if d.Retry.BackoffFactor < 1 {
		return fmt.Errorf("saga: compensation backoff factor must be >= 1")
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step == nil || step.Name == "" {
			return fmt.Errorf("saga: step name cannot be empty")
		}
		if step.Action == nil {
			return fmt.Errorf("saga: step %q missing action", step.Name)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("saga: step %q timeout cannot be negative", step.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStepName, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

// StepByName returns the step with the given name, or nil.
func (d *Definition) StepByName(name string) *Step {
	for _, step := range d.Steps {
		if step.Name == name {
			return step
		}
	}
	return nil
}

func (d *Definition) clone() *Definition {
	steps := make([]*Step, 0, len(d.Steps))
	for _, step := range d.Steps {
		if step == nil {
			continue
		}
		copied := *step
		steps = append(steps, &copied)
	}
	return &Definition{
		Name:               d.Name,
		Steps:              steps,
		DefaultStepTimeout: d.DefaultStepTimeout,
		Retry:              d.Retry,
	}
}
