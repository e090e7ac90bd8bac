package types

import (
	"github.com/juju/errors"
)

var (
	_ error = &UnsupportedDecoratorError{}
	_ error = &InvariantError{}
)

// NewUnsupportedDecoratorError reports a decorator that cannot be projected
// onto Argo Workflows. Compilation stops before any manifest is produced.
func NewUnsupportedDecoratorError(step string, kind DecoratorKind) error {
	return &UnsupportedDecoratorError{
		baseError: newBaseErr(errors.Errorf("decorator %s on step %s is not supported", kind, step)),
		Step:      step,
		Kind:      kind,
	}
}

func NewInvariantErrorf(format string, args ...interface{}) error {
	return &InvariantError{baseError: newBaseErr(errors.Errorf(format, args...))}
}

func IsUnsupportedDecorator(err error) bool {
	_, ok := errors.Cause(err).(*UnsupportedDecoratorError)
	return ok
}

func IsInvariant(err error) bool {
	_, ok := errors.Cause(err).(*InvariantError)
	return ok
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}

// UnsupportedDecoratorError identifies the offending step and decorator kind
// so callers can surface both without parsing the message.
type UnsupportedDecoratorError struct {
	*baseError
	Step string
	Kind DecoratorKind
}

// InvariantError marks a graph state the compiler treats as impossible for
// well-formed flows, such as a join whose split was never visited.
type InvariantError struct {
	*baseError
}
