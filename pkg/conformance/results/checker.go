/*
Copyright The Volcano Authors.

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

package results

import (
	"context"
)

// Checker validates one condition of a probe.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) Result

func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

// Result represents the outcome of a checker validation.
type Result struct {
	Passed  bool   // true if validation succeeded
	Message string // descriptive message (error details if Passed=false)
}

// NewResult creates a successful result with an optional message.
func NewResult(message string) Result {
	return Result{Passed: true, Message: message}
}

// NewFailedResult creates a failed result with an error message.
func NewFailedResult(err error) Result {
	return Result{Passed: false, Message: err.Error()}
}

// NamedCheck pairs a sub-check name with its Checker.
type NamedCheck struct {
	Name    string
	Checker Checker
}

// RunChecks runs every check in order, never short-circuiting, records each
// outcome and reports whether all of them passed.
func RunChecks(ctx context.Context, rec *Recorder, checks ...NamedCheck) bool {
	passed := true
	for _, c := range checks {
		res := c.Checker.Check(ctx)
		rec.RecordResult(c.Name, res)
		passed = passed && res.Passed
	}
	return passed
}
