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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunErrorRetryable(t *testing.T) {
	cases := []struct {
		code      Code
		retryable bool
	}{
		{CodeTimeout, true},
		{CodeToolFailure, true},
		{CodeRuntimeError, true},
		{CodeCancelled, false},
		{CodeInvalidInput, false},
		{CodeCodexAuthRequired, false},
	}
	for _, c := range cases {
		e := &RunError{Code: c.code, Message: "x"}
		assert.Equal(t, c.retryable, e.IsRetryable(), "code=%s", c.code)
	}
}

func TestRunErrorUnwrap(t *testing.T) {
	cause := &ValidationError{Field: "instructions", Message: "too long"}
	e := NewRunError(CodeInvalidInput, "bad input", cause)
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "bad input")
}

func TestClassifyFallsBackToRuntimeError(t *testing.T) {
	plain := assert.AnError
	re := Classify(plain)
	assert.Equal(t, CodeRuntimeError, re.Code)
	assert.Equal(t, plain, re.Cause)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(&ValidationError{}))
	assert.Equal(t, 404, HTTPStatus(&NotFoundError{}))
	assert.Equal(t, 403, HTTPStatus(&RunError{Code: CodePathTraversal}))
	assert.Equal(t, 500, HTTPStatus(&RunError{Code: CodeToolFailure}))
}
