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

package probes

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/ptr"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/results"
)

// conditionStatus is the JSONPath of the status of condition condType.
func conditionStatus(condType string) string {
	return fmt.Sprintf(`{.status.conditions[?(@.type=="%s")].status}`, condType)
}

func typeMeta(gv schema.GroupVersion, kind string) metav1.TypeMeta {
	return metav1.TypeMeta{APIVersion: gv.String(), Kind: kind}
}

// apply renders objs and applies them in the run's namespace.
func apply(run *lifecycle.Run, objs ...interface{}) error {
	content, err := cluster.EncodeManifest(objs...)
	if err != nil {
		return err
	}
	refs, err := run.Client().ApplyManifest(run.Context(), content, run.Namespace())
	for _, ref := range refs {
		run.Logf("Applied %s", ref)
	}
	return err
}

// record turns err into the sub-check name. Losing the cluster is fatal.
func record(run *lifecycle.Run, name string, err error) bool {
	if cluster.IsConnectivity(err) {
		run.Fatalf("%s: %v", name, err)
	}
	if err != nil {
		run.RecordResult(name, results.NewFailedResult(err))
		return false
	}
	run.Record(name, true)
	return true
}

// waitFor records whether the field of ref reaches want within the run's
// poll timeout.
func waitFor(run *lifecycle.Run, name string, ref cluster.ResourceRef, fieldPath, want string) bool {
	opts := run.PollOptions(fmt.Sprintf("%s %s=%s", ref, fieldPath, want))
	return record(run, name, run.Client().WaitForField(run.Context(), ref, fieldPath, want, opts))
}

func versionServed(run *lifecycle.Run, name string, gv schema.GroupVersion) bool {
	ok, err := run.Client().APIVersionRegistered(run.Context(), gv.String())
	if err == nil && !ok {
		err = fmt.Errorf("%s is not served", gv)
	}
	return record(run, name, err)
}

func resourceServed(run *lifecycle.Run, name, resource, group string) bool {
	ok, err := run.Client().APIResourceRegistered(run.Context(), resource, group)
	if err == nil && !ok {
		err = fmt.Errorf("%s.%s is not served", resource, group)
	}
	return record(run, name, err)
}

// workloadPod is a minimal long-running pod.
func workloadPod(name, image string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{
		TypeMeta: typeMeta(corev1.SchemeGroupVersion, "Pod"),
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			TerminationGracePeriodSeconds: ptr.To[int64](0),
			Containers: []corev1.Container{{
				Name:  "main",
				Image: image,
			}},
		},
	}
}

func podsRunning(pods []corev1.Pod, want int) error {
	if len(pods) != want {
		return fmt.Errorf("found %d pods, expected %d", len(pods), want)
	}
	for _, pod := range pods {
		if pod.Status.Phase != corev1.PodRunning {
			return fmt.Errorf("pod %s is %s", pod.Name, pod.Status.Phase)
		}
	}
	return nil
}
