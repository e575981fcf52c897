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

package lifecycle

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cleanup"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/poll"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/results"
)

// RunIDLabel marks namespaces created by a run.
const RunIDLabel = "conformance.volcano.sh/run-id"

// Run is the handle a probe uses. Succeed, Fail, Fatalf and Conclude end the
// probe and, like testing.T.FailNow, must be called from the probe goroutine.
type Run struct {
	lifecycle *Lifecycle
	ctx       context.Context
	step      int
}

// Context is cancelled when the run is interrupted.
func (r *Run) Context() context.Context { return r.ctx }

func (r *Run) Logger() logr.Logger { return klog.FromContext(r.ctx) }

func (r *Run) Client() cluster.Client { return r.lifecycle.client }

func (r *Run) Namespace() string { return r.lifecycle.opts.Namespace }

// ID is the run's unique identifier.
func (r *Run) ID() string { return r.lifecycle.opts.RunID }

func (r *Run) Cleanup() *cleanup.Registry { return r.lifecycle.registry }

func (r *Run) Recorder() *results.Recorder { return r.lifecycle.recorder }

// PollOptions returns the run's default wait bounds for description.
func (r *Run) PollOptions(description string) poll.Options {
	return poll.Options{
		Description: description,
		Interval:    r.lifecycle.opts.PollInterval,
		Timeout:     r.lifecycle.opts.PollTimeout,
	}
}

// EnsureNamespace creates name, labelled with the run ID. Namespaces declared
// in Options are already registered for cleanup; others must be registered
// by the caller.
func (r *Run) EnsureNamespace(name string) error {
	ns := &corev1.Namespace{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{RunIDLabel: r.lifecycle.opts.RunID},
		},
	}
	content, err := cluster.EncodeManifest(ns)
	if err != nil {
		return err
	}
	if _, err := r.lifecycle.client.ApplyManifest(r.ctx, content, ""); err != nil {
		return fmt.Errorf("failed to create namespace %s: %w", name, err)
	}
	return nil
}

// Step starts a numbered step; later log lines carry its tag.
func (r *Run) Step(title string) {
	r.step++
	tag := fmt.Sprintf("step %d", r.step)
	r.lifecycle.sink.setTag(tag)
	r.lifecycle.sink.line("", fmt.Sprintf("=== %s ===", title))
}

func (r *Run) Logf(format string, args ...interface{}) {
	r.lifecycle.sink.line("", fmt.Sprintf(format, args...))
}

func (r *Run) Warnf(format string, args ...interface{}) {
	r.lifecycle.sink.line("WARNING", fmt.Sprintf(format, args...))
}

// Output writes cluster output verbatim between labelled markers.
func (r *Run) Output(label, text string) {
	r.lifecycle.sink.raw(formatOutput(label, text))
}

func (r *Run) Record(name string, passed bool) {
	r.RecordResult(name, results.Result{Passed: passed})
}

func (r *Run) RecordResult(name string, res results.Result) {
	r.lifecycle.recorder.RecordResult(name, res)
	verdict := "PASS"
	if !res.Passed {
		verdict = "FAIL"
	}
	if res.Message != "" {
		r.Logf("sub-check %s: %s (%s)", name, verdict, res.Message)
		return
	}
	r.Logf("sub-check %s: %s", name, verdict)
}

// Check runs checks without short-circuiting and records each one.
func (r *Run) Check(checks ...results.NamedCheck) bool {
	passed := true
	for _, c := range checks {
		res := c.Checker.Check(r.ctx)
		r.RecordResult(c.Name, res)
		passed = passed && res.Passed
	}
	return passed
}

// Conclude ends the run from the recorded sub-checks. A run that recorded
// nothing fails.
func (r *Run) Conclude() {
	rec := r.lifecycle.recorder
	switch {
	case rec.Len() == 0:
		r.Fail("no sub-checks were recorded")
	case rec.AllPassed():
		r.Succeed(fmt.Sprintf("all %d sub-checks passed", rec.Len()))
	default:
		r.Fail("failed sub-checks: " + strings.Join(rec.Summarize().Failed(), ", "))
	}
}

func (r *Run) Succeed(summary string) {
	r.lifecycle.terminate(Succeeded, "✓ PASSED", summary)
	runtime.Goexit()
}

func (r *Run) Fail(summary string) {
	r.lifecycle.terminate(Failed, "✗ FAILED", summary)
	runtime.Goexit()
}

// Fatalf ends the run for an unrecoverable condition.
func (r *Run) Fatalf(format string, args ...interface{}) {
	r.lifecycle.fatal(fmt.Sprintf(format, args...))
	runtime.Goexit()
}

// FatalIfErr calls Fatalf when err is non-nil.
func (r *Run) FatalIfErr(err error, what string) {
	if err != nil {
		r.Fatalf("%s: %v", what, err)
	}
}
