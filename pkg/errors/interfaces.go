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

// ErrorClassifier lets an error be classified by type for recording on a
// run's error list or for retry decisions.
type ErrorClassifier interface {
	error
	ErrorType() string
	IsRetryable() bool
}

// UserVisibleError marks errors that carry a user-friendly message and an
// actionable suggestion, for the HTTP detail field.
type UserVisibleError interface {
	error
	IsUserVisible() bool
	UserMessage() string
}

// HTTPStatus returns the HTTP status code that should back an error
// response for err, defaulting to 500 for anything outside the taxonomy.
func HTTPStatus(err error) int {
	switch e := err.(type) {
	case *ValidationError:
		return 400
	case *NotFoundError:
		return 404
	case *RunError:
		switch e.Code {
		case CodeInvalidInput:
			return 400
		case CodePathTraversal:
			return 403
		default:
			return 500
		}
	default:
		return 500
	}
}
