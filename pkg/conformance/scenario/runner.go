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

// Package scenario runs conformance probes declared as YAML test cases.
package scenario

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/yaml"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
)

const (
	APIVersion = "conformance.volcano.sh/v1alpha1"
	Kind       = "TestCase"
)

var (
	stepActions    = sets.New("apply", "patch", "delete", "wait", "assert", "exec", "query", "sleep", "record")
	cleanupActions = sets.New("apply", "patch", "delete", "wait", "exec", "sleep")
	waitConditions = sets.New("", "exists", "deleted", "running", "field")
	assertionTypes = sets.New("field", "exists", "absent", "podCount", "podPhase", "apiResource", "apiVersion")
	queryTypes     = sets.New("podName", "podUID", "field")
	operators      = sets.New("", "equals", "==", "notEquals", "!=", "contains", "matches",
		"greaterThan", ">", "greaterThanOrEqual", ">=", "lessThan", "<", "lessThanOrEqual", "<=")
)

// LoadTestCasesFromDir loads the YAML test cases directly in dir.
// Subdirectories hold manifests and are not searched.
func LoadTestCasesFromDir(dir string) ([]*TestCase, error) {
	var testCases []*TestCase
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}
		tc, err := LoadTestCase(path)
		if err != nil {
			return fmt.Errorf("failed to load test case from %s: %w", path, err)
		}
		testCases = append(testCases, tc)
		return nil
	})
	return testCases, err
}

// LoadTestCase reads and validates a single test case.
func LoadTestCase(path string) (*TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	tc, err := ParseTestCase(data)
	if err != nil {
		return nil, err
	}
	tc.baseDir = filepath.Dir(path)
	return tc, nil
}

// ParseTestCase decodes a test case; relative manifests resolve against the
// working directory.
func ParseTestCase(data []byte) (*TestCase, error) {
	var tc TestCase
	if err := yaml.UnmarshalStrict(data, &tc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	tc.baseDir = "."
	return &tc, nil
}

// Validate checks the test case before anything touches the cluster.
func (tc *TestCase) Validate() error {
	var errs []error
	if tc.APIVersion != "" && tc.APIVersion != APIVersion {
		errs = append(errs, fmt.Errorf("unsupported apiVersion %q, expected %q", tc.APIVersion, APIVersion))
	}
	if tc.Kind != "" && tc.Kind != Kind {
		errs = append(errs, fmt.Errorf("unsupported kind %q, expected %q", tc.Kind, Kind))
	}
	if tc.Metadata.Name == "" {
		errs = append(errs, fmt.Errorf("metadata.name is required"))
	}
	namespaces := tc.Metadata.AdditionalNamespaces
	if tc.Metadata.Name != "" || tc.Metadata.Namespace != "" {
		namespaces = append([]string{tc.Namespace()}, namespaces...)
	}
	for _, ns := range namespaces {
		if msgs := validation.IsDNS1123Label(ns); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("invalid namespace %q: %s", ns, strings.Join(msgs, ", ")))
		}
	}
	if len(tc.Spec.Steps) == 0 {
		errs = append(errs, fmt.Errorf("spec.steps must not be empty"))
	}
	errs = append(errs, validateSteps("setup", tc.Spec.Setup, stepActions)...)
	errs = append(errs, validateSteps("steps", tc.Spec.Steps, stepActions)...)
	errs = append(errs, validateSteps("cleanup", tc.Spec.Cleanup, cleanupActions)...)
	return utilerrors.NewAggregate(errs)
}

func validateSteps(section string, steps []TestStep, allowed sets.Set[string]) []error {
	var errs []error
	for i, step := range steps {
		where := fmt.Sprintf("%s[%d] (%s)", section, i, step.Name)
		if !allowed.Has(step.Action) {
			errs = append(errs, fmt.Errorf("%s: action %q is not allowed here", where, step.Action))
			continue
		}
		missing := func(field string) {
			errs = append(errs, fmt.Errorf("%s: %s is required for %s", where, field, step.Action))
		}
		switch step.Action {
		case "apply":
			if step.Manifest == "" && step.Content == "" {
				missing("manifest or content")
			}
		case "patch":
			if step.Resource == "" {
				missing("resource")
			}
			if len(step.Patch) == 0 {
				missing("patch")
			}
		case "delete":
			if step.Resource == "" {
				missing("resource")
			}
		case "wait":
			if !waitConditions.Has(step.Condition) {
				errs = append(errs, fmt.Errorf("%s: unknown wait condition %q", where, step.Condition))
			}
			if step.Resource == "" && !(step.Condition == "running" && step.Selector != "") {
				missing("resource")
			}
			if (step.Condition == "" || step.Condition == "field") && step.Field == "" {
				missing("field")
			}
		case "assert":
			if len(step.Assertions) == 0 {
				missing("assertions")
			}
			for j, a := range step.Assertions {
				if !assertionTypes.Has(a.Type) {
					errs = append(errs, fmt.Errorf("%s: assertion %d has unknown type %q", where, j, a.Type))
				}
				if !operators.Has(a.Operator) {
					errs = append(errs, fmt.Errorf("%s: assertion %d has unknown operator %q", where, j, a.Operator))
				}
			}
		case "exec":
			if len(step.Command) == 0 {
				missing("command")
			}
			if step.Resource == "" && step.Selector == "" {
				missing("resource or selector")
			}
		case "query":
			if step.SaveTo == "" {
				missing("saveTo")
			}
			if !queryTypes.Has(step.Query.Type) {
				errs = append(errs, fmt.Errorf("%s: unknown query type %q", where, step.Query.Type))
			}
		}
	}
	return errs
}

// Namespace is the primary namespace of the test case.
func (tc *TestCase) Namespace() string {
	if tc.Metadata.Namespace != "" {
		return tc.Metadata.Namespace
	}
	return "conformance-" + tc.Metadata.Name
}

// LifecycleOptions fills the run identity of base from the test case.
func (tc *TestCase) LifecycleOptions(base lifecycle.Options) lifecycle.Options {
	base.Name = tc.Metadata.Name
	base.Description = tc.Metadata.Description
	if base.Namespace == "" {
		base.Namespace = tc.Namespace()
	}
	base.AdditionalNamespaces = append(base.AdditionalNamespaces, tc.Metadata.AdditionalNamespaces...)
	return base
}

// Probe returns the lifecycle probe executing tc.
func Probe(tc *TestCase) lifecycle.Probe {
	return func(run *lifecycle.Run) error {
		r := &runner{
			run:       run,
			client:    run.Client(),
			tc:        tc,
			namespace: run.Namespace(),
			vars: map[string]interface{}{
				"TestID":    run.ID(),
				"RunID":     run.ID(),
				"Namespace": run.Namespace(),
			},
		}
		return r.execute()
	}
}

type runner struct {
	run       *lifecycle.Run
	client    cluster.Client
	tc        *TestCase
	namespace string

	mu   sync.Mutex
	vars map[string]interface{}
}

func (r *runner) execute() error {
	ctx := r.run.Context()
	if timeout := r.tc.Spec.Timeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Registered in reverse so that the registry runs them in file order.
	for i := len(r.tc.Spec.Cleanup) - 1; i >= 0; i-- {
		step := r.tc.Spec.Cleanup[i]
		r.run.Cleanup().Command(fmt.Sprintf("cleanup step %q", step.Name), func(ctx context.Context) error {
			return r.runStep(ctx, step)
		})
	}

	for _, ns := range append([]string{r.namespace}, r.tc.Metadata.AdditionalNamespaces...) {
		if err := r.run.EnsureNamespace(ns); err != nil {
			return err
		}
	}

	for i, step := range r.tc.Spec.Setup {
		r.run.Step(fmt.Sprintf("setup %d/%d: %s", i+1, len(r.tc.Spec.Setup), step.Name))
		if err := r.runStep(ctx, step); err != nil {
			return fmt.Errorf("setup step %d (%s) failed: %w", i+1, step.Name, err)
		}
	}
	for i, step := range r.tc.Spec.Steps {
		r.run.Step(fmt.Sprintf("%d/%d: %s", i+1, len(r.tc.Spec.Steps), step.Name))
		if err := r.runStep(ctx, step); err != nil {
			return fmt.Errorf("step %d (%s) failed: %w", i+1, step.Name, err)
		}
	}
	return nil
}

func (r *runner) runStep(ctx context.Context, step TestStep) error {
	interpolated, err := r.interpolateStep(step)
	if err != nil {
		return fmt.Errorf("failed to interpolate variables: %w", err)
	}
	return r.dispatch(ctx, interpolated)
}

func (r *runner) interpolateStep(step TestStep) (TestStep, error) {
	out := step
	out.Command = append([]string(nil), step.Command...)
	out.Patches = append([]Patch(nil), step.Patches...)
	out.Assertions = append([]Assertion(nil), step.Assertions...)

	fields := []*string{
		&out.Name, &out.Resource, &out.Manifest, &out.Content, &out.Selector,
		&out.Field, &out.Value, &out.Container, &out.SaveTo, &out.Check,
		&out.Query.Resource, &out.Query.Selector, &out.Query.Field,
	}
	for i := range out.Command {
		fields = append(fields, &out.Command[i])
	}
	for i := range out.Patches {
		fields = append(fields, &out.Patches[i].Path)
	}
	for i := range out.Assertions {
		fields = append(fields, &out.Assertions[i].Name, &out.Assertions[i].Resource,
			&out.Assertions[i].Field, &out.Assertions[i].Selector)
	}
	for _, f := range fields {
		v, err := r.interpolateString(*f)
		if err != nil {
			return step, err
		}
		*f = v
	}

	for i := range out.Patches {
		if s, ok := out.Patches[i].Value.(string); ok {
			v, err := r.interpolateString(s)
			if err != nil {
				return step, err
			}
			out.Patches[i].Value = v
		}
	}
	for i := range out.Assertions {
		if s, ok := out.Assertions[i].Value.(string); ok {
			v, err := r.interpolateString(s)
			if err != nil {
				return step, err
			}
			out.Assertions[i].Value = v
		}
	}
	return out, nil
}

func (r *runner) interpolateString(s string) (string, error) {
	if s == "" || !strings.Contains(s, "{{") {
		return s, nil
	}
	tmpl, err := template.New("interpolate").Option("missingkey=error").Parse(s)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var result strings.Builder
	if err := tmpl.Execute(&result, r.vars); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return result.String(), nil
}

func (r *runner) setVar(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vars[key] = value
}
