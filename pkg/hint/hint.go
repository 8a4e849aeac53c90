/*
Copyright 2020 The Flux authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hint layers operator facing guidance on top of technical errors.
// A hint tells the operator what to check, an explanation tells what failed,
// and the wrapped cause carries the concrete error.
package hint

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks validation failures of a routing request
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported marks operations that are not implemented for the input
	ErrUnsupported = errors.New("unsupported operation")
)

// InvalidArgumentf formats a validation error that matches ErrInvalidArgument
func InvalidArgumentf(format string, a ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), ErrInvalidArgument)
}

// Unsupportedf formats an error that matches ErrUnsupported
func Unsupportedf(format string, a ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), ErrUnsupported)
}

// Error attaches a hint to an error
type Error struct {
	Hint string
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExplanationError attaches an explanation to an error
type ExplanationError struct {
	Explanation string
	Err         error
}

func (e *ExplanationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Explanation, e.Err)
}

func (e *ExplanationError) Unwrap() error {
	return e.Err
}

// New returns err with a hint attached
func New(hint string, err error) error {
	return &Error{Hint: hint, Err: err}
}

// Wrap builds the hint, explanation and cause chain
func Wrap(hint, explanation string, cause error) error {
	return &Error{
		Hint: hint,
		Err: &ExplanationError{
			Explanation: explanation,
			Err:         cause,
		},
	}
}

// HintOf returns the outermost hint found in the error chain
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// ExplanationOf returns the outermost explanation found in the error chain
func ExplanationOf(err error) string {
	var e *ExplanationError
	if errors.As(err, &e) {
		return e.Explanation
	}
	return ""
}

// IsUserError returns true for errors caused by the request itself
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrUnsupported)
}
