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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/poll"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/results"
)

const (
	defaultAssertionTimeout  = 30 * time.Second
	defaultAssertionInterval = time.Second
	defaultSleep             = time.Second
)

func (r *runner) dispatch(ctx context.Context, step TestStep) error {
	switch step.Action {
	case "apply":
		return r.executeApply(ctx, step)
	case "patch":
		return r.executePatch(ctx, step)
	case "delete":
		return r.executeDelete(ctx, step)
	case "wait":
		return r.executeWait(ctx, step)
	case "assert":
		return r.executeAssert(ctx, step)
	case "exec":
		return r.executeExec(ctx, step)
	case "query":
		return r.executeQuery(ctx, step)
	case "sleep":
		return r.executeSleep(ctx, step)
	case "record":
		name := step.Check
		if name == "" {
			name = step.Name
		}
		r.run.Record(name, true)
		return nil
	default:
		return fmt.Errorf("unknown action: %s", step.Action)
	}
}

func (r *runner) ref(resource string) (cluster.ResourceRef, error) {
	return cluster.ParseRef(resource, r.namespace)
}

func (r *runner) executeApply(ctx context.Context, step TestStep) error {
	content := step.Content
	if content == "" {
		path := step.Manifest
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.tc.baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}
		if content, err = r.interpolateString(string(data)); err != nil {
			return fmt.Errorf("failed to interpolate manifest %s: %w", step.Manifest, err)
		}
	}

	data := []byte(content)
	if len(step.Patches) > 0 {
		objs, err := cluster.DecodeManifest(data)
		if err != nil {
			return err
		}
		docs := make([]interface{}, 0, len(objs))
		for _, obj := range objs {
			if err := applyPatches(obj, step.Patches); err != nil {
				return fmt.Errorf("failed to apply patches: %w", err)
			}
			docs = append(docs, obj.Object)
		}
		if data, err = cluster.EncodeManifest(docs...); err != nil {
			return err
		}
	}

	refs, err := r.client.ApplyManifest(ctx, data, r.namespace)
	for _, ref := range refs {
		r.registerClusterScoped(ref)
		r.run.Logf("Applied %s", ref)
	}
	return err
}

func applyPatches(obj *unstructured.Unstructured, patches []Patch) error {
	for _, patch := range patches {
		if err := unstructured.SetNestedField(obj.Object, patch.Value, strings.Split(patch.Path, ".")...); err != nil {
			return fmt.Errorf("failed to apply patch %s: %w", patch.Path, err)
		}
	}
	return nil
}

// registerClusterScoped schedules removal of applied objects that namespace
// deletion does not reach.
func (r *runner) registerClusterScoped(ref cluster.ResourceRef) {
	if ref.Namespace != "" {
		return
	}
	reg := r.run.Cleanup()
	switch strings.ToLower(ref.Kind) {
	case "namespace":
		if ref.Name == r.namespace {
			return
		}
		for _, ns := range r.tc.Metadata.AdditionalNamespaces {
			if ref.Name == ns {
				return
			}
		}
		reg.Namespace(ref.Name)
	case "customresourcedefinition":
		reg.CRD(ref.Name)
	default:
		reg.ClusterResource(ref.Kind, ref.Name)
	}
}

func (r *runner) executePatch(ctx context.Context, step TestStep) error {
	ref, err := r.ref(step.Resource)
	if err != nil {
		return err
	}
	patch, err := json.Marshal(step.Patch)
	if err != nil {
		return fmt.Errorf("failed to marshal patch: %w", err)
	}
	if err := r.client.PatchResource(ctx, ref, patch); err != nil {
		return err
	}
	r.run.Logf("Patched %s", ref)
	return nil
}

func (r *runner) executeDelete(ctx context.Context, step TestStep) error {
	ref, err := r.ref(step.Resource)
	if err != nil {
		return err
	}
	err = r.client.DeleteResource(ctx, ref, cluster.DeleteOptions{
		IgnoreMissing: step.IgnoreMissing,
		Timeout:       step.Timeout.Duration,
	})
	if err != nil {
		return err
	}
	r.run.Logf("Deleted %s", ref)
	return nil
}

func (r *runner) pollOptions(timeout time.Duration, description string) poll.Options {
	opts := r.run.PollOptions(description)
	if timeout > 0 {
		opts.Timeout = timeout
	}
	return opts
}

func (r *runner) executeWait(ctx context.Context, step TestStep) error {
	var ref cluster.ResourceRef
	if step.Resource != "" {
		var err error
		if ref, err = r.ref(step.Resource); err != nil {
			return err
		}
	}

	var err error
	switch step.Condition {
	case "deleted", "exists":
		want := step.Condition == "exists"
		opts := r.pollOptions(step.Timeout.Duration, fmt.Sprintf("%s to be %s", ref, step.Condition))
		err = poll.Condition(ctx, opts, func(ctx context.Context) (bool, error) {
			exists, err := r.client.ResourceExists(ctx, ref)
			return exists == want, err
		})
	case "running":
		if step.Resource != "" {
			opts := r.pollOptions(step.Timeout.Duration, fmt.Sprintf("%s to be Running", ref))
			err = r.client.WaitForField(ctx, ref, "{.status.phase}", string(corev1.PodRunning), opts)
			break
		}
		opts := r.pollOptions(step.Timeout.Duration, fmt.Sprintf("pods %q to be Running", step.Selector))
		err = poll.Condition(ctx, opts, func(ctx context.Context) (bool, error) {
			pods, err := r.client.ListPods(ctx, r.namespace, step.Selector)
			if err != nil {
				return false, err
			}
			return len(pods) > 0 && podsInPhase(pods, string(corev1.PodRunning)) == nil, nil
		})
	default:
		opts := r.pollOptions(step.Timeout.Duration, fmt.Sprintf("%s %s=%s", ref, step.Field, step.Value))
		err = r.client.WaitForField(ctx, ref, step.Field, step.Value, opts)
	}
	return r.outcome(step, err)
}

// outcome applies the step's Check and Soft settings to err.
func (r *runner) outcome(step TestStep, err error) error {
	if cluster.IsConnectivity(err) {
		return err
	}
	if step.Check != "" {
		if err != nil {
			r.run.RecordResult(step.Check, results.NewFailedResult(err))
		} else {
			r.run.RecordResult(step.Check, results.NewResult(""))
		}
		return nil
	}
	if err != nil && step.Soft && poll.IsTimeout(err) {
		r.run.Warnf("%v", err)
		return nil
	}
	return err
}

func (r *runner) executeAssert(ctx context.Context, step TestStep) error {
	for i, a := range step.Assertions {
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("%s/%s", step.Name, a.Type)
			if len(step.Assertions) > 1 {
				name = fmt.Sprintf("%s[%d]", name, i)
			}
		}

		opts := poll.Options{
			Description: name,
			Timeout:     a.Timeout.Duration,
			Interval:    defaultAssertionInterval,
		}
		if opts.Timeout <= 0 {
			opts.Timeout = defaultAssertionTimeout
		}
		err := poll.Condition(ctx, opts, func(ctx context.Context) (bool, error) {
			if err := r.runAssertion(ctx, a); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil && !poll.IsTimeout(err) {
			return err
		}
		if err != nil {
			r.run.RecordResult(name, results.NewFailedResult(err))
			continue
		}
		r.run.RecordResult(name, results.NewResult(""))
	}
	return nil
}

func (r *runner) executeExec(ctx context.Context, step TestStep) error {
	pod := ""
	if step.Resource != "" {
		ref, err := r.ref(step.Resource)
		if err != nil {
			return err
		}
		pod = ref.Name
	} else {
		pods, err := r.client.ListPods(ctx, r.namespace, step.Selector)
		if err != nil {
			return err
		}
		if len(pods) == 0 {
			return r.outcome(step, fmt.Errorf("no pods found matching selector: %s", step.Selector))
		}
		pod = pods[0].Name
	}

	res, err := r.client.ExecInPod(ctx, cluster.ExecRequest{
		Pod:       pod,
		Namespace: r.namespace,
		Container: step.Container,
		Command:   step.Command,
	})
	if err != nil {
		return r.outcome(step, err)
	}
	if res.Stdout != "" {
		r.run.Output(pod+" stdout", res.Stdout)
	}
	if res.Stderr != "" {
		r.run.Output(pod+" stderr", res.Stderr)
	}
	if step.SaveTo != "" {
		r.setVar(step.SaveTo, strings.TrimSpace(res.Stdout))
	}

	want := 0
	if step.ExpectExitCode != nil {
		want = *step.ExpectExitCode
	}
	if res.ExitCode != want {
		err = fmt.Errorf("command %q exited with code %d, expected %d", strings.Join(step.Command, " "), res.ExitCode, want)
	}
	return r.outcome(step, err)
}

func (r *runner) executeQuery(ctx context.Context, step TestStep) error {
	var value string
	switch step.Query.Type {
	case "podName", "podUID":
		pods, err := r.client.ListPods(ctx, r.namespace, step.Query.Selector)
		if err != nil {
			return err
		}
		if len(pods) <= step.Query.Index {
			return fmt.Errorf("pod index %d out of range (found %d pods)", step.Query.Index, len(pods))
		}
		value = pods[step.Query.Index].Name
		if step.Query.Type == "podUID" {
			value = string(pods[step.Query.Index].UID)
		}
	case "field":
		ref, err := r.ref(step.Query.Resource)
		if err != nil {
			return err
		}
		v, found, err := r.client.GetField(ctx, ref, step.Query.Field)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("field %s of %s is absent", step.Query.Field, ref)
		}
		value = v
	default:
		return fmt.Errorf("unknown query type: %s", step.Query.Type)
	}
	r.setVar(step.SaveTo, value)
	r.run.Logf("Saved %s = %s", step.SaveTo, value)
	return nil
}

func (r *runner) executeSleep(ctx context.Context, step TestStep) error {
	d := step.Timeout.Duration
	if d <= 0 {
		d = defaultSleep
	}
	r.run.Logf("Sleeping for %v", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
