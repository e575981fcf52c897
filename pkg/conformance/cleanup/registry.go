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

// Package cleanup collects deferred reclamation actions and runs each of them
// at most once, best effort, in a fixed order.
package cleanup

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/poll"
)

const (
	DefaultNamespaceTimeout = 2 * time.Minute
	defaultPollInterval     = 2 * time.Second
)

// Client is the subset of cluster.Client the registry needs.
type Client interface {
	DeleteResource(ctx context.Context, ref cluster.ResourceRef, opts cluster.DeleteOptions) error
	ResourceExists(ctx context.Context, ref cluster.ResourceRef) (bool, error)
}

// Uninstaller removes a Helm release.
type Uninstaller interface {
	Uninstall(ctx context.Context, release, namespace string) error
}

// Registry is safe for concurrent use.
type Registry struct {
	client Client

	// NamespaceTimeout bounds the wait for each deleted namespace to disappear.
	NamespaceTimeout time.Duration
	// PollInterval is the namespace-gone polling interval.
	PollInterval time.Duration

	mu        sync.Mutex
	actions   []*Action
	seq       uint64
	finalized bool
	executed  []string
	warnings  []string
}

func New(client Client) *Registry {
	return &Registry{
		client:           client,
		NamespaceTimeout: DefaultNamespaceTimeout,
		PollInterval:     defaultPollInterval,
	}
}

// Register appends an action. Registration never deduplicates.
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	a.seq = r.seq
	a.executed = false
	r.actions = append(r.actions, &a)
}

// Command registers arbitrary reclamation code.
func (r *Registry) Command(description string, fn func(ctx context.Context) error) {
	r.Register(Action{Kind: KindCommand, Description: description, Run: fn})
}

// Shell registers an external command; its combined output is logged.
func (r *Registry) Shell(argv ...string) {
	if len(argv) == 0 {
		return
	}
	r.Command(strings.Join(argv, " "), func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		if len(out) > 0 {
			klog.FromContext(ctx).Info("Cleanup command output", "command", argv[0], "output", strings.TrimSpace(string(out)))
		}
		return err
	})
}

// HelmUninstall registers removal of a release.
func (r *Registry) HelmUninstall(u Uninstaller, release, namespace string) {
	r.Command(fmt.Sprintf("helm uninstall %s -n %s", release, namespace), func(ctx context.Context) error {
		return u.Uninstall(ctx, release, namespace)
	})
}

// Closer registers closing c, typically a port-forward.
func (r *Registry) Closer(description string, c io.Closer) {
	r.Command(description, func(context.Context) error {
		return c.Close()
	})
}

// SetPrimaryNamespace registers the run's own namespace, which is deleted
// before any additional namespace.
func (r *Registry) SetPrimaryNamespace(name string) {
	r.Register(Action{Kind: KindNamespace, Name: name, primary: true})
}

// Namespace registers an additional namespace.
func (r *Registry) Namespace(name string) {
	r.Register(Action{Kind: KindNamespace, Name: name})
}

func (r *Registry) CRD(name string) {
	r.Register(Action{Kind: KindCRD, Name: name})
}

// ClusterResource registers a cluster-scoped object, e.g. ("gatewayclasses", "conformance").
func (r *Registry) ClusterResource(kind, name string) {
	r.Register(Action{Kind: KindClusterResource, ResourceKind: kind, Name: name})
}

// Pending is the number of registered actions not yet executed.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if !a.executed {
			n++
		}
	}
	return n
}

// Executed lists executed actions in execution order.
func (r *Registry) Executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}

// Warnings lists non-fatal problems such as namespaces that outlived the timeout.
func (r *Registry) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

// ExecuteOnce runs ExecuteAll the first time it is called and reports whether it did.
func (r *Registry) ExecuteOnce(ctx context.Context) bool {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return false
	}
	r.finalized = true
	r.mu.Unlock()

	r.ExecuteAll(ctx)
	return true
}

// take marks every pending action executed and returns them in execution order.
func (r *Registry) take() []*Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*Action
	for _, a := range r.actions {
		if !a.executed {
			a.executed = true
			pending = append(pending, a)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		gi, gj := pending[i].group(), pending[j].group()
		if gi != gj {
			return gi < gj
		}
		return pending[i].seq > pending[j].seq
	})
	return pending
}

// ExecuteAll runs every pending action. Failures are logged and never stop
// the remaining actions.
func (r *Registry) ExecuteAll(ctx context.Context) {
	logger := klog.FromContext(ctx)
	pending := r.take()
	if len(pending) == 0 {
		return
	}
	logger.Info("Running cleanup", "actions", len(pending))

	var namespaces []string
	waited := false
	for _, a := range pending {
		if !waited && a.group() > 2 {
			r.waitNamespacesGone(ctx, namespaces)
			waited = true
		}
		err := r.run(ctx, a)
		if a.Kind != KindNamespace {
			continue
		}
		if cluster.IsConnectivity(err) {
			r.warn(fmt.Sprintf("namespace %s not confirmed deleted: %v", a.Name, err))
			continue
		}
		namespaces = append(namespaces, a.Name)
	}
	if !waited {
		r.waitNamespacesGone(ctx, namespaces)
	}
}

func (r *Registry) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

// run executes a and returns its error after logging it.
func (r *Registry) run(ctx context.Context, a *Action) error {
	logger := klog.FromContext(ctx).WithValues("action", a.String())

	r.mu.Lock()
	r.executed = append(r.executed, a.String())
	r.mu.Unlock()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return r.dispatch(ctx, a)
	}()
	if err != nil {
		logger.Error(err, "Cleanup action failed, continuing")
		return err
	}
	logger.V(2).Info("Cleanup action done")
	return nil
}

func (r *Registry) dispatch(ctx context.Context, a *Action) error {
	ignore := cluster.DeleteOptions{IgnoreMissing: true}
	switch a.Kind {
	case KindCommand:
		if a.Run == nil {
			return nil
		}
		return a.Run(ctx)
	case KindNamespace:
		return r.client.DeleteResource(ctx, cluster.ResourceRef{Kind: "namespaces", Name: a.Name}, ignore)
	case KindCRD:
		return r.client.DeleteResource(ctx, cluster.ResourceRef{Kind: "customresourcedefinitions", Name: a.Name}, ignore)
	case KindClusterResource:
		return r.client.DeleteResource(ctx, cluster.ResourceRef{Kind: a.ResourceKind, Name: a.Name}, ignore)
	default:
		return fmt.Errorf("unknown cleanup action kind %s", a.Kind)
	}
}

func (r *Registry) waitNamespacesGone(ctx context.Context, namespaces []string) {
	logger := klog.FromContext(ctx)
	seen := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		if seen[ns] {
			continue
		}
		seen[ns] = true

		ref := cluster.ResourceRef{Kind: "namespaces", Name: ns}
		err := poll.Condition(ctx, poll.Options{
			Description: "namespace " + ns + " to be deleted",
			Timeout:     r.NamespaceTimeout,
			Interval:    r.PollInterval,
		}, func(ctx context.Context) (bool, error) {
			exists, err := r.client.ResourceExists(ctx, ref)
			return !exists, err
		})
		if err != nil {
			r.warn(fmt.Sprintf("namespace %s still present after %v: %v", ns, r.NamespaceTimeout, err))
			logger.Info("WARNING: namespace not yet deleted, continuing", "namespace", ns, "timeout", r.NamespaceTimeout)
		}
	}
}
