// Package errs declares the error kinds of the error handling design (§7):
// typed, wrapped Go errors rather than dynamically typed exceptions, so the
// runtime and API layer classify failures with errors.As instead of string
// matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the five error kinds of §7.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindTransientExternal  Kind = "transient_external"
	KindBusinessFailure    Kind = "business_failure"
	KindTimeout            Kind = "timeout"
	KindFatalConfig        Kind = "fatal_config"
)

// Error wraps an underlying cause with a classification and an optional
// step label, mirroring the teacher's fmt.Errorf("...: %w", err) idiom but
// carrying a Kind that callers can switch on via errors.As.
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(step string, err error) error {
	return &Error{Kind: KindValidation, Step: step, Err: err}
}

func TransientExternal(step string, err error) error {
	return &Error{Kind: KindTransientExternal, Step: step, Err: err}
}

func BusinessFailure(step string, err error) error {
	return &Error{Kind: KindBusinessFailure, Step: step, Err: err}
}

func Timeout(step string, err error) error {
	return &Error{Kind: KindTimeout, Step: step, Err: err}
}

func FatalConfig(step string, err error) error {
	return &Error{Kind: KindFatalConfig, Step: step, Err: err}
}

// Is makes errors.Is(err, target) report true when target is an *Error of
// the same Kind, whatever its Step or underlying cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err, returning ("", false) if err was not
// produced by this package.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
