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

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/utils/ptr"
	inferencev1 "sigs.k8s.io/gateway-api-inference-extension/api/v1"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"
	leaderworkerset "sigs.k8s.io/lws/api/leaderworkerset/v1"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/poll"
)

const (
	AIInferenceProbeName = "ai-inference"

	conformanceLWS = "conformance-lws"
	lwsGroupSize   = 2
)

func init() {
	DefaultRegistry.Register(Definition{
		Name:        AIInferenceProbeName,
		Description: "Inference routing and multi-host serving APIs are served",
		New:         newAIInferenceProbe,
	})
}

func leaderWorkerSet(name, image string) *leaderworkerset.LeaderWorkerSet {
	spec := workloadPod("", image, nil).Spec
	spec.RestartPolicy = corev1.RestartPolicyAlways
	return &leaderworkerset.LeaderWorkerSet{
		TypeMeta:   typeMeta(leaderworkerset.GroupVersion, "LeaderWorkerSet"),
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: leaderworkerset.LeaderWorkerSetSpec{
			Replicas: ptr.To[int32](1),
			LeaderWorkerTemplate: leaderworkerset.LeaderWorkerTemplate{
				Size: ptr.To[int32](lwsGroupSize),
				WorkerTemplate: corev1.PodTemplateSpec{
					Spec: spec,
				},
			},
		},
	}
}

func newAIInferenceProbe(env Env) lifecycle.Probe {
	image := env.Config.Probes.WorkloadImage
	return func(run *lifecycle.Run) error {
		run.Step("Inference routing APIs")
		if versionServed(run, "gateway-api-v1-served", gatewayGroupVersion) {
			resourceServed(run, "httproutes-served", "httproutes", gatewayv1.GroupName)
		}
		if versionServed(run, "inference-extension-served", inferencev1.SchemeGroupVersion) {
			resourceServed(run, "inferencepools-served", "inferencepools", inferencev1.GroupName)
		}

		run.Step("Multi-host serving")
		if !versionServed(run, "leaderworkerset-served", leaderworkerset.GroupVersion) {
			return nil
		}
		run.FatalIfErr(run.EnsureNamespace(run.Namespace()), "failed to create namespace")
		run.FatalIfErr(apply(run, leaderWorkerSet(conformanceLWS, image)), "failed to create LeaderWorkerSet")

		selector := labels.Set{leaderworkerset.SetNameLabelKey: conformanceLWS}.String()
		err := poll.Condition(run.Context(), run.PollOptions(fmt.Sprintf("%d pods of %s to run", lwsGroupSize, conformanceLWS)),
			func(ctx context.Context) (bool, error) {
				pods, err := run.Client().ListPods(ctx, run.Namespace(), selector)
				if err != nil {
					return false, err
				}
				return podsRunning(pods, lwsGroupSize) == nil, nil
			})
		record(run, "leaderworkerset-group-running", err)

		lws := cluster.ResourceRef{Kind: "leaderworkersets." + leaderworkerset.GroupVersion.Group, Name: conformanceLWS, Namespace: run.Namespace()}
		waitFor(run, "leaderworkerset-available", lws, conditionStatus(string(leaderworkerset.LeaderWorkerSetAvailable)), string(metav1.ConditionTrue))
		return nil
	}
}
