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

package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
	"k8s.io/klog/v2"
)

// ExecInPod runs a command in a pod container and captures its output.
func (c *KubeClient) ExecInPod(ctx context.Context, req ExecRequest) (ExecResult, error) {
	ref := ResourceRef{Kind: "pods", Name: req.Pod, Namespace: req.Namespace}
	if len(req.Command) == 0 {
		return ExecResult{}, fmt.Errorf("exec in %s: empty command", ref)
	}

	pod, err := c.kubeClient.CoreV1().Pods(req.Namespace).Get(ctx, req.Pod, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return ExecResult{}, &NotFoundError{Ref: ref}
	}
	if err != nil {
		return ExecResult{}, wrap("get", ref, err)
	}

	container := req.Container
	if container == "" {
		if len(pod.Spec.Containers) == 0 {
			return ExecResult{}, fmt.Errorf("no containers found in %s", ref)
		}
		container = pod.Spec.Containers[0].Name
	}
	if c.restConfig == nil {
		return ExecResult{}, fmt.Errorf("exec in %s: no REST config available", ref)
	}

	execReq := c.kubeClient.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(req.Pod).
		Namespace(req.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   req.Command,
			Stdin:     false,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.restConfig, "POST", execReq.URL())
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr utilexec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		result.ExitCode = exitErr.ExitStatus()
		klog.FromContext(ctx).V(3).Info("Command exited non-zero", "pod", ref, "container", container, "exitCode", result.ExitCode)
		return result, nil
	}
	if err != nil {
		return result, wrap("exec in", ref, err)
	}
	return result, nil
}
