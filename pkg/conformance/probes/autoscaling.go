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

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/ptr"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/poll"
)

const (
	PodAutoscalingProbeName = "pod-autoscaling"
	autoscaledWorkload      = "autoscaled"
)

var metricsGroupVersion = schema.GroupVersion{Group: "metrics.k8s.io", Version: "v1beta1"}

func init() {
	DefaultRegistry.Register(Definition{
		Name:        PodAutoscalingProbeName,
		Description: "HorizontalPodAutoscalers observe resource metrics for AI workloads",
		New:         newPodAutoscalingProbe,
	})
}

func autoscaledDeployment(image string) *appsv1.Deployment {
	labels := map[string]string{"app": autoscaledWorkload}
	pod := workloadPod("", image, labels)
	pod.Spec.RestartPolicy = corev1.RestartPolicyAlways
	pod.Spec.Containers[0].Resources.Requests = corev1.ResourceList{
		corev1.ResourceCPU: resource.MustParse("50m"),
	}
	return &appsv1.Deployment{
		TypeMeta:   typeMeta(appsv1.SchemeGroupVersion, "Deployment"),
		ObjectMeta: metav1.ObjectMeta{Name: autoscaledWorkload},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       pod.Spec,
			},
		},
	}
}

func cpuAutoscaler() *autoscalingv2.HorizontalPodAutoscaler {
	return &autoscalingv2.HorizontalPodAutoscaler{
		TypeMeta:   typeMeta(autoscalingv2.SchemeGroupVersion, "HorizontalPodAutoscaler"),
		ObjectMeta: metav1.ObjectMeta{Name: autoscaledWorkload},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: appsv1.SchemeGroupVersion.String(),
				Kind:       "Deployment",
				Name:       autoscaledWorkload,
			},
			MinReplicas: ptr.To[int32](1),
			MaxReplicas: 3,
			Metrics: []autoscalingv2.MetricSpec{{
				Type: autoscalingv2.ResourceMetricSourceType,
				Resource: &autoscalingv2.ResourceMetricSource{
					Name: corev1.ResourceCPU,
					Target: autoscalingv2.MetricTarget{
						Type:               autoscalingv2.UtilizationMetricType,
						AverageUtilization: ptr.To[int32](50),
					},
				},
			}},
		},
	}
}

func newPodAutoscalingProbe(env Env) lifecycle.Probe {
	image := env.Config.Probes.WorkloadImage
	return func(run *lifecycle.Run) error {
		run.Step("Resource metrics API")
		versionServed(run, "metrics-api-served", metricsGroupVersion)
		resourceServed(run, "hpa-v2-served", "horizontalpodautoscalers", autoscalingv2.GroupName)

		run.FatalIfErr(run.EnsureNamespace(run.Namespace()), "failed to create namespace")

		run.Step("Autoscaled workload")
		run.FatalIfErr(apply(run, autoscaledDeployment(image), cpuAutoscaler()), "failed to create autoscaled workload")

		deploy := cluster.ResourceRef{Kind: "deployments.apps", Name: autoscaledWorkload, Namespace: run.Namespace()}
		waitFor(run, "workload-available", deploy, conditionStatus(string(appsv1.DeploymentAvailable)), string(corev1.ConditionTrue))

		run.Step("Autoscaler observes metrics")
		hpa := cluster.ResourceRef{Kind: "horizontalpodautoscalers.autoscaling", Name: autoscaledWorkload, Namespace: run.Namespace()}
		waitFor(run, "hpa-scaling-active", hpa, conditionStatus(string(autoscalingv2.ScalingActive)), string(corev1.ConditionTrue))

		opts := run.PollOptions("hpa current CPU utilization")
		utilization, err := poll.Until(run.Context(), opts, func(ctx context.Context) (string, error) {
			v, _, err := run.Client().GetField(ctx, hpa, "{.status.currentMetrics[0].resource.current.averageUtilization}")
			return v, err
		}, func(v string) bool { return v != "" })
		if record(run, "hpa-current-metrics", err) {
			run.Logf("current CPU utilization: %s%%", utilization)
		}
		return nil
	}
}
