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
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/poll"
)

// FieldManager is recorded on every object the harness writes.
const FieldManager = "ai-conformance"

const deletePollInterval = time.Second

// KubeClient implements Client on top of client-go.
type KubeClient struct {
	kubeClient    kubernetes.Interface
	dynamicClient dynamic.Interface
	discovery     discovery.DiscoveryInterface
	mapper        meta.RESTMapper
	restConfig    *rest.Config
}

var _ Client = &KubeClient{}

// NewKubeClient builds a client from a REST config. Discovery is cached in
// memory and invalidated whenever a lookup misses, so CRDs installed during a
// run become resolvable.
func NewKubeClient(restConfig *rest.Config) (*KubeClient, error) {
	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	cached := memory.NewMemCacheClient(kubeClient.Discovery())
	mapper := restmapper.NewShortcutExpander(restmapper.NewDeferredDiscoveryRESTMapper(cached), cached, func(msg string) {
		klog.V(4).Info(msg)
	})

	return &KubeClient{
		kubeClient:    kubeClient,
		dynamicClient: dynamicClient,
		discovery:     cached,
		mapper:        mapper,
		restConfig:    restConfig,
	}, nil
}

// NewKubeClientFromClients wires pre-built clients, typically fakes.
// restConfig may be nil when exec and port-forward are not used.
func NewKubeClientFromClients(kubeClient kubernetes.Interface, dynamicClient dynamic.Interface, mapper meta.RESTMapper, restConfig *rest.Config) *KubeClient {
	return &KubeClient{
		kubeClient:    kubeClient,
		dynamicClient: dynamicClient,
		discovery:     kubeClient.Discovery(),
		mapper:        mapper,
		restConfig:    restConfig,
	}
}

// Kubernetes exposes the typed clientset for callers that need it.
func (c *KubeClient) Kubernetes() kubernetes.Interface {
	return c.kubeClient
}

func (c *KubeClient) Ping(ctx context.Context) error {
	if _, err := c.discovery.ServerVersion(); err != nil {
		return &ConnectivityError{Op: "server version", Err: err}
	}
	return nil
}

func (c *KubeClient) invalidate() {
	if cached, ok := c.discovery.(discovery.CachedDiscoveryInterface); ok {
		cached.Invalidate()
	}
	meta.MaybeResetRESTMapper(c.mapper)
}

// mappingForKind resolves user input such as "pods" or "podgroups.scheduling.volcano.sh".
func (c *KubeClient) mappingForKind(kind string) (*meta.RESTMapping, error) {
	lookup := func() (*meta.RESTMapping, error) {
		gvr, err := c.mapper.ResourceFor(schema.ParseGroupResource(strings.ToLower(kind)).WithVersion(""))
		if err != nil {
			return nil, err
		}
		gvk, err := c.mapper.KindFor(gvr)
		if err != nil {
			return nil, err
		}
		return c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	}

	mapping, err := lookup()
	if meta.IsNoMatchError(err) {
		c.invalidate()
		mapping, err = lookup()
	}
	return mapping, err
}

func (c *KubeClient) mappingForGVK(gvk schema.GroupVersionKind) (*meta.RESTMapping, error) {
	mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if meta.IsNoMatchError(err) {
		c.invalidate()
		mapping, err = c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	}
	return mapping, err
}

func (c *KubeClient) resourceInterface(mapping *meta.RESTMapping, namespace string) dynamic.ResourceInterface {
	if mapping.Scope.Name() != meta.RESTScopeNameNamespace {
		return c.dynamicClient.Resource(mapping.Resource)
	}
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	return c.dynamicClient.Resource(mapping.Resource).Namespace(namespace)
}

func (c *KubeClient) get(ctx context.Context, ref ResourceRef) (*unstructured.Unstructured, error) {
	mapping, err := c.mappingForKind(ref.Kind)
	if err != nil {
		return nil, err
	}
	return c.resourceInterface(mapping, ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
}

func (c *KubeClient) ApplyManifest(ctx context.Context, content []byte, namespace string) ([]ResourceRef, error) {
	logger := klog.FromContext(ctx)

	objs, err := DecodeManifest(content)
	if err != nil {
		return nil, &ApplyError{Diagnostic: err.Error(), Err: err}
	}

	applied := make([]ResourceRef, 0, len(objs))
	for _, obj := range objs {
		ref := ResourceRef{Kind: obj.GetKind(), Name: obj.GetName(), Namespace: obj.GetNamespace()}

		mapping, err := c.mappingForGVK(obj.GroupVersionKind())
		if err != nil {
			return applied, &ApplyError{Ref: ref, Diagnostic: err.Error(), Err: err}
		}
		if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
			if obj.GetNamespace() == "" {
				if namespace == "" {
					namespace = metav1.NamespaceDefault
				}
				obj.SetNamespace(namespace)
			}
		} else {
			obj.SetNamespace("")
		}
		ref.Namespace = obj.GetNamespace()

		created, err := c.createOrUpdate(ctx, c.resourceInterface(mapping, obj.GetNamespace()), obj)
		if err != nil {
			if isUnreachable(err) {
				return applied, &ConnectivityError{Op: "apply " + ref.String(), Err: err}
			}
			return applied, &ApplyError{Ref: ref, Diagnostic: err.Error(), Err: err}
		}

		ref.Name = created.GetName()
		applied = append(applied, ref)
		logger.V(2).Info("Applied object", "object", ref)
	}
	return applied, nil
}

func (c *KubeClient) createOrUpdate(ctx context.Context, ri dynamic.ResourceInterface, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if obj.GetName() == "" {
		return ri.Create(ctx, obj, metav1.CreateOptions{FieldManager: FieldManager})
	}

	existing, err := ri.Get(ctx, obj.GetName(), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return ri.Create(ctx, obj, metav1.CreateOptions{FieldManager: FieldManager})
	}
	if err != nil {
		return nil, err
	}

	obj.SetResourceVersion(existing.GetResourceVersion())
	return ri.Update(ctx, obj, metav1.UpdateOptions{FieldManager: FieldManager})
}

// PatchResource applies a JSON merge patch.
func (c *KubeClient) PatchResource(ctx context.Context, ref ResourceRef, patch []byte) error {
	mapping, err := c.mappingForKind(ref.Kind)
	if err != nil {
		return wrap("patch", ref, err)
	}
	_, err = c.resourceInterface(mapping, ref.Namespace).Patch(ctx, ref.Name, types.MergePatchType, patch,
		metav1.PatchOptions{FieldManager: FieldManager})
	if apierrors.IsNotFound(err) {
		return &NotFoundError{Ref: ref}
	}
	return wrap("patch", ref, err)
}

func (c *KubeClient) DeleteResource(ctx context.Context, ref ResourceRef, opts DeleteOptions) error {
	mapping, err := c.mappingForKind(ref.Kind)
	if meta.IsNoMatchError(err) && opts.IgnoreMissing {
		// The type itself is gone, so the object cannot exist.
		return nil
	}
	if err != nil {
		return wrap("delete", ref, err)
	}

	propagation := metav1.DeletePropagationBackground
	err = c.resourceInterface(mapping, ref.Namespace).Delete(ctx, ref.Name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if apierrors.IsNotFound(err) {
		if opts.IgnoreMissing {
			return nil
		}
		return &NotFoundError{Ref: ref}
	}
	if err != nil {
		return wrap("delete", ref, err)
	}
	klog.FromContext(ctx).V(2).Info("Deleted object", "object", ref)

	if opts.Timeout <= 0 {
		return nil
	}
	return poll.Condition(ctx, poll.Options{
		Description: fmt.Sprintf("deletion of %s", ref),
		Timeout:     opts.Timeout,
		Interval:    deletePollInterval,
	}, func(ctx context.Context) (bool, error) {
		exists, err := c.ResourceExists(ctx, ref)
		return !exists, err
	})
}

func (c *KubeClient) GetField(ctx context.Context, ref ResourceRef, fieldPath string) (string, bool, error) {
	obj, err := c.get(ctx, ref)
	if apierrors.IsNotFound(err) || meta.IsNoMatchError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", ref, err)
	}
	return evalField(obj.Object, fieldPath)
}

func (c *KubeClient) ResourceExists(ctx context.Context, ref ResourceRef) (bool, error) {
	_, err := c.get(ctx, ref)
	if apierrors.IsNotFound(err) || meta.IsNoMatchError(err) {
		return false, nil
	}
	if err != nil {
		return false, wrap("get", ref, err)
	}
	return true, nil
}

func (c *KubeClient) WaitForField(ctx context.Context, ref ResourceRef, fieldPath, want string, opts poll.Options) error {
	if opts.Description == "" {
		opts.Description = fmt.Sprintf("%s %s=%q", ref, fieldPath, want)
	}
	_, err := poll.Until(ctx, opts, func(ctx context.Context) (string, error) {
		value, found, err := c.GetField(ctx, ref, fieldPath)
		if err != nil {
			return "", err
		}
		if !found {
			return "", nil
		}
		return value, nil
	}, func(value string) bool {
		return value == want
	})
	return err
}

func (c *KubeClient) APIResourceRegistered(ctx context.Context, resource, group string) (bool, error) {
	c.invalidate()
	_, lists, err := c.discovery.ServerGroupsAndResources()
	if err != nil && !discovery.IsGroupDiscoveryFailedError(err) {
		return false, wrap("discover", ResourceRef{Kind: "apiresource", Name: resource}, err)
	}

	for _, list := range lists {
		if list == nil {
			continue
		}
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			continue
		}
		if group != "" && gv.Group != group {
			continue
		}
		for _, r := range list.APIResources {
			if r.Name == resource || r.SingularName == resource || r.Kind == resource {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *KubeClient) APIVersionRegistered(ctx context.Context, groupVersion string) (bool, error) {
	c.invalidate()
	groups, err := c.discovery.ServerGroups()
	if err != nil {
		return false, wrap("discover", ResourceRef{Kind: "apiversion", Name: groupVersion}, err)
	}
	for _, g := range groups.Groups {
		for _, v := range g.Versions {
			if v.GroupVersion == groupVersion {
				return true, nil
			}
		}
	}
	return false, nil
}

// ListPods returns pods matching a label selector.
func (c *KubeClient) ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error) {
	pods, err := c.kubeClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, wrap("list", ResourceRef{Kind: "pods", Name: selector, Namespace: namespace}, err)
	}
	return pods.Items, nil
}

func (c *KubeClient) ContainerExitCode(ctx context.Context, pod, namespace, container string) (int32, error) {
	ref := ResourceRef{Kind: "pods", Name: pod, Namespace: namespace}
	p, err := c.kubeClient.CoreV1().Pods(namespace).Get(ctx, pod, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return 0, &NotFoundError{Ref: ref}
	}
	if err != nil {
		return 0, wrap("get", ref, err)
	}

	statuses := append([]corev1.ContainerStatus{}, p.Status.InitContainerStatuses...)
	statuses = append(statuses, p.Status.ContainerStatuses...)
	for _, cs := range statuses {
		if container != "" && cs.Name != container {
			continue
		}
		if cs.State.Terminated != nil {
			return cs.State.Terminated.ExitCode, nil
		}
		if cs.LastTerminationState.Terminated != nil {
			return cs.LastTerminationState.Terminated.ExitCode, nil
		}
		return 0, fmt.Errorf("container %q in %s has not terminated", cs.Name, ref)
	}
	return 0, &NotFoundError{Ref: ResourceRef{Kind: "container", Name: container, Namespace: namespace}}
}
