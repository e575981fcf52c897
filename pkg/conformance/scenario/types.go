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

package scenario

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// TestCase is a conformance probe written as YAML.
type TestCase struct {
	APIVersion string       `json:"apiVersion"`
	Kind       string       `json:"kind"`
	Metadata   TestMetadata `json:"metadata"`
	Spec       TestCaseSpec `json:"spec"`

	// baseDir resolves relative manifest paths.
	baseDir string
}

type TestMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// Namespace is the primary namespace; defaults to conformance-<name>.
	Namespace            string   `json:"namespace,omitempty"`
	AdditionalNamespaces []string `json:"additionalNamespaces,omitempty"`
}

// TestCaseSpec is the execution plan. Cleanup steps run during teardown,
// before the run's namespaces are deleted, even when the run fails.
type TestCaseSpec struct {
	Timeout metav1.Duration `json:"timeout,omitempty"`
	Setup   []TestStep      `json:"setup,omitempty"`
	Steps   []TestStep      `json:"steps"`
	Cleanup []TestStep      `json:"cleanup,omitempty"`
}

type TestStep struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	// Resource is "kind/name" in the primary namespace.
	Resource string `json:"resource,omitempty"`
	// Manifest is a file path relative to the test case; Content is inline YAML.
	Manifest string                 `json:"manifest,omitempty"`
	Content  string                 `json:"content,omitempty"`
	Patches  []Patch                `json:"patches,omitempty"`
	Patch    map[string]interface{} `json:"patch,omitempty"`
	Selector string                 `json:"selector,omitempty"`
	// Condition is one of exists, deleted, running or field.
	Condition string          `json:"condition,omitempty"`
	Field     string          `json:"field,omitempty"`
	Value     string          `json:"value,omitempty"`
	Timeout   metav1.Duration `json:"timeout,omitempty"`

	Assertions []Assertion `json:"assertions,omitempty"`

	Command        []string `json:"command,omitempty"`
	Container      string   `json:"container,omitempty"`
	ExpectExitCode *int     `json:"expectExitCode,omitempty"`

	Query  QuerySpec `json:"query,omitempty"`
	SaveTo string    `json:"saveTo,omitempty"`

	// Check records the outcome of a wait or exec as a named sub-check
	// instead of failing the run.
	Check string `json:"check,omitempty"`
	// Soft turns a failed wait into a warning.
	Soft          bool `json:"soft,omitempty"`
	IgnoreMissing bool `json:"ignoreMissing,omitempty"`
}

// Patch sets a dotted field path on every applied object.
type Patch struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// Assertion is recorded as one sub-check.
type Assertion struct {
	// Name of the sub-check; defaults to "<step>/<type>".
	Name     string          `json:"name,omitempty"`
	Type     string          `json:"type"`
	Resource string          `json:"resource,omitempty"`
	Field    string          `json:"field,omitempty"`
	Selector string          `json:"selector,omitempty"`
	Operator string          `json:"operator,omitempty"`
	Value    interface{}     `json:"value,omitempty"`
	Timeout  metav1.Duration `json:"timeout,omitempty"`
}

type QuerySpec struct {
	Type     string `json:"type,omitempty"`
	Resource string `json:"resource,omitempty"`
	Selector string `json:"selector,omitempty"`
	Field    string `json:"field,omitempty"`
	Index    int    `json:"index,omitempty"`
}
