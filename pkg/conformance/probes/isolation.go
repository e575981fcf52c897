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
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
)

const (
	AcceleratorIsolationProbeName = "accelerator-isolation"

	acceleratorPod   = "accelerator-holder"
	unacceleratedPod = "accelerator-free"
)

var listDevicesCommand = []string{"nvidia-smi", "-L"}

func init() {
	DefaultRegistry.Register(Definition{
		Name:        AcceleratorIsolationProbeName,
		Description: "A pod sees exactly the accelerators it requested",
		New:         newAcceleratorIsolationProbe,
	})
}

// acceleratorWorkload sleeps so the probe can exec into it. count of zero
// requests no accelerator.
func acceleratorWorkload(name, image string, resourceName corev1.ResourceName, count int64) *corev1.Pod {
	pod := workloadPod(name, image, nil)
	pod.Spec.Containers[0].Command = []string{"sleep", "infinity"}
	if count > 0 {
		pod.Spec.Containers[0].Resources.Limits = corev1.ResourceList{
			resourceName: *resource.NewQuantity(count, resource.DecimalSI),
		}
	}
	return pod
}

// visibleDevices parses `nvidia-smi -L` output into one entry per device.
func visibleDevices(out string) []string {
	var devices []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "GPU ") {
			devices = append(devices, line)
		}
	}
	return devices
}

func listDevices(run *lifecycle.Run, pod string) ([]string, cluster.ExecResult, error) {
	res, err := run.Client().ExecInPod(run.Context(), cluster.ExecRequest{
		Pod:       pod,
		Namespace: run.Namespace(),
		Command:   listDevicesCommand,
	})
	if err != nil {
		return nil, res, err
	}
	run.Output(pod+": "+strings.Join(listDevicesCommand, " "), res.Stdout+res.Stderr)
	return visibleDevices(res.Stdout), res, nil
}

func newAcceleratorIsolationProbe(env Env) lifecycle.Probe {
	ac := env.Config.Probes.Accelerator
	resourceName := corev1.ResourceName(ac.ResourceName)
	return func(run *lifecycle.Run) error {
		run.FatalIfErr(run.EnsureNamespace(run.Namespace()), "failed to create namespace")

		run.Step("Workloads")
		run.FatalIfErr(apply(run,
			acceleratorWorkload(acceleratorPod, ac.Image, resourceName, 1),
			acceleratorWorkload(unacceleratedPod, ac.Image, resourceName, 0),
		), "failed to create accelerator workloads")
		for _, name := range []string{acceleratorPod, unacceleratedPod} {
			ref := cluster.ResourceRef{Kind: "pods", Name: name, Namespace: run.Namespace()}
			if !waitFor(run, name+"-running", ref, "{.status.phase}", string(corev1.PodRunning)) {
				run.Conclude()
			}
		}

		run.Step("Allocated device is visible")
		devices, res, err := listDevices(run, acceleratorPod)
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("%s exited with code %d", listDevicesCommand[0], res.ExitCode)
		}
		if err == nil && len(devices) != 1 {
			err = fmt.Errorf("pod requesting one %s sees %d devices", ac.ResourceName, len(devices))
		}
		record(run, "allocated-device-visible", err)

		run.Step("No device leaks into unallocated pods")
		devices, _, err = listDevices(run, unacceleratedPod)
		// A failing nvidia-smi without devices also counts as isolated.
		if err == nil && len(devices) > 0 {
			err = fmt.Errorf("pod without a %s request sees %d devices", ac.ResourceName, len(devices))
		}
		record(run, "unallocated-device-hidden", err)
		return nil
	}
}
