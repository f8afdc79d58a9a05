// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps err with additional context. Returns
// nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is is a convenience wrapper around errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is a convenience wrapper around errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// Classify converts an arbitrary error into the closed taxonomy, falling
// back to CodeRuntimeError when err is not already a *RunError.
func Classify(err error) *RunError {
	if err == nil {
		return nil
	}
	var re *RunError
	if As(err, &re) {
		return re
	}
	return &RunError{Code: CodeRuntimeError, Message: err.Error(), Cause: err}
}
