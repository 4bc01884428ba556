package pipeline

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrEmptyPipeline is returned when building a pipeline with no stages.
	ErrEmptyPipeline = errors.New("pipeline: must contain at least one stage")
)

// TypeMismatchError reports incompatible types between adjacent stages, or a
// run entered with a value the first stage cannot accept. Actual is nil when
// the offending value itself was nil.
type TypeMismatchError struct {
	Stage    string
	Previous string
	Expected reflect.Type
	Actual   reflect.Type
}

func (e *TypeMismatchError) Error() string {
	if e.Previous != "" {
		return fmt.Sprintf("pipeline: stage %q expects input %s but stage %q produces %s",
			e.Stage, e.Expected, e.Previous, e.Actual)
	}
	return fmt.Sprintf("pipeline: stage %q expects input %s, got %s", e.Stage, e.Expected, e.Actual)
}

// StageError reports a run-time failure from one stage, carrying its position
// and identity.
type StageError struct {
	Index int
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %d (%s) failed: %v", e.Index, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
