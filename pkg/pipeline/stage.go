// Package pipeline executes an ordered chain of typed transformation stages
// over a single value. Adjacent stage types are verified when the pipeline is
// built; no value is ever reinterpreted across a stage boundary.
package pipeline

import (
	"context"
	"reflect"
)

// Stage transforms one input value into one output value. Stages must be
// stateless between invocations; the same stage may serve concurrent runs.
type Stage[I, O any] interface {
	Name() string
	Run(ctx context.Context, input I) (O, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc[I, O any] struct {
	StageName string
	Fn        func(ctx context.Context, input I) (O, error)
}

// NewStage creates a function-backed stage.
func NewStage[I, O any](name string, fn func(ctx context.Context, input I) (O, error)) StageFunc[I, O] {
	return StageFunc[I, O]{StageName: name, Fn: fn}
}

// Name returns the stage name.
func (s StageFunc[I, O]) Name() string { return s.StageName }

// Run invokes the wrapped function.
func (s StageFunc[I, O]) Run(ctx context.Context, input I) (O, error) {
	return s.Fn(ctx, input)
}

// BoundStage is a type-erased stage carrying the reflected input and output
// types of the generic stage it wraps. Pipelines are composed from bound
// stages so adjacency can be checked before the first run.
type BoundStage struct {
	name    string
	inType  reflect.Type
	outType reflect.Type
	run     func(ctx context.Context, input any) (any, error)
}

// Bind erases a typed stage for pipeline composition, capturing its input and
// output types.
func Bind[I, O any](stage Stage[I, O]) BoundStage {
	return BoundStage{
		name:    stage.Name(),
		inType:  reflect.TypeOf((*I)(nil)).Elem(),
		outType: reflect.TypeOf((*O)(nil)).Elem(),
		run: func(ctx context.Context, input any) (any, error) {
			typed, ok := input.(I)
			if !ok {
				inType := reflect.TypeOf((*I)(nil)).Elem()
				// A nil value only satisfies a nilable input type; for anything
				// else it would silently become I's zero value.
				if input != nil || !isNilable(inType) {
					var zero O
					return zero, &TypeMismatchError{
						Stage:    stage.Name(),
						Expected: inType,
						Actual:   reflect.TypeOf(input),
					}
				}
			}
			return stage.Run(ctx, typed)
		},
	}
}

func isNilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	default:
		return false
	}
}

// Name returns the stage name.
func (b BoundStage) Name() string { return b.name }

// InputType returns the reflected input type.
func (b BoundStage) InputType() reflect.Type { return b.inType }

// OutputType returns the reflected output type.
func (b BoundStage) OutputType() reflect.Type { return b.outType }
