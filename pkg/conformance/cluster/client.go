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

// Package cluster is the only part of the harness that talks to the
// Kubernetes control plane.
package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/poll"
)

// ResourceRef identifies one object. Kind accepts anything kubectl would:
// "Pod", "pods", "deployments.apps", "crd", "podgroups.scheduling.volcano.sh".
type ResourceRef struct {
	Kind      string
	Name      string
	Namespace string
}

func (r ResourceRef) String() string {
	if r.Namespace == "" {
		return fmt.Sprintf("%s/%s", r.Kind, r.Name)
	}
	return fmt.Sprintf("%s/%s/%s", r.Namespace, r.Kind, r.Name)
}

// ParseRef parses "kind/name" into a ResourceRef in namespace.
func ParseRef(resource, namespace string) (ResourceRef, error) {
	parts := strings.Split(resource, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ResourceRef{}, fmt.Errorf("invalid resource format (expected kind/name): %s", resource)
	}
	return ResourceRef{Kind: parts[0], Name: parts[1], Namespace: namespace}, nil
}

// DeleteOptions controls DeleteResource.
type DeleteOptions struct {
	// IgnoreMissing turns deletion of an absent object into a no-op.
	IgnoreMissing bool
	// Timeout, when positive, blocks until the object is gone.
	Timeout time.Duration
}

// ExecRequest describes a command run inside a pod container.
type ExecRequest struct {
	Pod       string
	Namespace string
	// Container defaults to the pod's first container.
	Container string
	Command   []string
}

// ExecResult is the captured output of ExecInPod. A command that ran and
// exited non-zero is reported through ExitCode, not as an error.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// PortForwardRequest describes a local tunnel to a pod or service.
type PortForwardRequest struct {
	// Target must be a pod or a service; services resolve to a running backing pod.
	Target ResourceRef
	// LocalPort of zero picks a free port.
	LocalPort  int
	RemotePort int
}

// Client is the set of cluster operations probes and the framework need.
type Client interface {
	// Ping verifies the control plane answers.
	Ping(ctx context.Context) error
	// ApplyManifest creates or updates every object declared in content.
	// Namespaced objects without a namespace land in namespace.
	ApplyManifest(ctx context.Context, content []byte, namespace string) ([]ResourceRef, error)
	// PatchResource applies a JSON merge patch.
	PatchResource(ctx context.Context, ref ResourceRef, patch []byte) error
	DeleteResource(ctx context.Context, ref ResourceRef, opts DeleteOptions) error
	// GetField evaluates a kubectl-style JSONPath against the object. A missing
	// object or field yields found == false and a nil error.
	GetField(ctx context.Context, ref ResourceRef, fieldPath string) (value string, found bool, err error)
	ResourceExists(ctx context.Context, ref ResourceRef) (bool, error)
	// WaitForField polls GetField until it returns want.
	WaitForField(ctx context.Context, ref ResourceRef, fieldPath, want string, opts poll.Options) error
	APIResourceRegistered(ctx context.Context, resource, group string) (bool, error)
	APIVersionRegistered(ctx context.Context, groupVersion string) (bool, error)
	ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error)
	ExecInPod(ctx context.Context, req ExecRequest) (ExecResult, error)
	ContainerExitCode(ctx context.Context, pod, namespace, container string) (int32, error)
	PortForward(ctx context.Context, req PortForwardRequest) (*PortForward, error)
}
