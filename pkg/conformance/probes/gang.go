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
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	schedulingv1beta1 "volcano.sh/apis/pkg/apis/scheduling/v1beta1"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/poll"
)

const (
	GangSchedulingProbeName = "gang-scheduling"

	volcanoSchedulerName = "volcano"
	gangLabel            = "conformance.volcano.sh/gang"
	// gangHoldWindow is how long an incomplete gang must stay unscheduled.
	gangHoldWindow = 30 * time.Second
)

func init() {
	DefaultRegistry.Register(Definition{
		Name:        GangSchedulingProbeName,
		Description: "PodGroups are scheduled all-or-nothing",
		New:         newGangSchedulingProbe,
	})
}

func podGroup(name string, minMember int32) *schedulingv1beta1.PodGroup {
	return &schedulingv1beta1.PodGroup{
		TypeMeta:   typeMeta(schedulingv1beta1.SchemeGroupVersion, "PodGroup"),
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: schedulingv1beta1.PodGroupSpec{
			MinMember: minMember,
		},
	}
}

// gangMembers returns count pods bound to group through the group-name annotation.
func gangMembers(group, image string, count int) []interface{} {
	objs := make([]interface{}, 0, count)
	for i := 0; i < count; i++ {
		pod := workloadPod(fmt.Sprintf("%s-%d", group, i), image, map[string]string{gangLabel: group})
		pod.Annotations = map[string]string{schedulingv1beta1.KubeGroupNameAnnotationKey: group}
		pod.Spec.SchedulerName = volcanoSchedulerName
		pod.Spec.Containers[0].Resources.Requests = corev1.ResourceList{
			corev1.ResourceCPU: resource.MustParse("10m"),
		}
		objs = append(objs, pod)
	}
	return objs
}

func gangSelector(group string) string {
	return labels.Set{gangLabel: group}.String()
}

func newGangSchedulingProbe(env Env) lifecycle.Probe {
	image := env.Config.Probes.WorkloadImage
	return func(run *lifecycle.Run) error {
		ctx := run.Context()
		client := run.Client()

		run.Step("PodGroup API")
		crd := cluster.ResourceRef{Kind: "customresourcedefinitions", Name: "podgroups." + schedulingv1beta1.GroupName}
		if !waitFor(run, "podgroup-crd-established", crd, conditionStatus(string(apiextensionsv1.Established)), string(apiextensionsv1.ConditionTrue)) {
			run.Conclude()
		}

		run.FatalIfErr(run.EnsureNamespace(run.Namespace()), "failed to create namespace")

		run.Step("Complete gang is scheduled")
		objs := append([]interface{}{podGroup("gang-complete", 2)}, gangMembers("gang-complete", image, 2)...)
		run.FatalIfErr(apply(run, objs...), "failed to create complete gang")

		pg := cluster.ResourceRef{Kind: "podgroups." + schedulingv1beta1.GroupName, Name: "gang-complete", Namespace: run.Namespace()}
		waitFor(run, "podgroup-running", pg, "{.status.phase}", string(schedulingv1beta1.PodGroupRunning))

		opts := run.PollOptions("all members of gang-complete to run")
		err := poll.Condition(ctx, opts, func(ctx context.Context) (bool, error) {
			pods, err := client.ListPods(ctx, run.Namespace(), gangSelector("gang-complete"))
			if err != nil {
				return false, err
			}
			return podsRunning(pods, 2) == nil, nil
		})
		record(run, "gang-members-running", err)

		run.Step("Incomplete gang is held")
		objs = append([]interface{}{podGroup("gang-incomplete", 3)}, gangMembers("gang-incomplete", image, 2)...)
		run.FatalIfErr(apply(run, objs...), "failed to create incomplete gang")

		hold := run.PollOptions("a member of gang-incomplete to be scheduled")
		if hold.Timeout <= 0 || hold.Timeout > gangHoldWindow {
			hold.Timeout = gangHoldWindow
		}
		err = poll.Condition(ctx, hold, func(ctx context.Context) (bool, error) {
			pods, err := client.ListPods(ctx, run.Namespace(), gangSelector("gang-incomplete"))
			if err != nil {
				return false, err
			}
			for _, pod := range pods {
				if pod.Spec.NodeName != "" {
					return true, nil
				}
			}
			return false, nil
		})
		switch {
		case poll.IsTimeout(err):
			record(run, "partial-gang-not-scheduled", nil)
		case err != nil:
			record(run, "partial-gang-not-scheduled", err)
		default:
			record(run, "partial-gang-not-scheduled", fmt.Errorf("a member of a gang below minMember was bound to a node"))
		}
		return nil
	}
}
