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
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
	"k8s.io/klog/v2"
)

const (
	portForwardAddress      = "localhost"
	portForwardReadyTimeout = 30 * time.Second
)

// PortForward is an open tunnel. Close is idempotent.
type PortForward struct {
	localPort int
	stopCh    chan struct{}
	errCh     chan error
	once      sync.Once
}

// LocalPort is the bound port on localhost.
func (p *PortForward) LocalPort() int {
	return p.localPort
}

// URL returns http://localhost:<port> followed by path.
func (p *PortForward) URL(path string) string {
	return fmt.Sprintf("http://%s:%d%s", portForwardAddress, p.localPort, path)
}

func (p *PortForward) Close() error {
	p.once.Do(func() {
		close(p.stopCh)
	})
	return nil
}

func (c *KubeClient) PortForward(ctx context.Context, req PortForwardRequest) (*PortForward, error) {
	if c.restConfig == nil {
		return nil, fmt.Errorf("port-forward to %s: no REST config available", req.Target)
	}
	podName, err := c.resolvePod(ctx, req.Target)
	if err != nil {
		return nil, err
	}

	requestURL := c.kubeClient.CoreV1().RESTClient().Post().
		Namespace(req.Target.Namespace).
		Resource("pods").
		Name(podName).
		SubResource("portforward").
		URL()

	transport, upgrader, err := spdy.RoundTripperFor(c.restConfig)
	if err != nil {
		return nil, fmt.Errorf("prepare port-forward transport for pod %s: %w", podName, err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, requestURL)

	ports := fmt.Sprintf("%d:%d", req.LocalPort, req.RemotePort)
	if req.LocalPort == 0 {
		ports = fmt.Sprintf(":%d", req.RemotePort)
	}

	pf := &PortForward{
		stopCh: make(chan struct{}),
		errCh:  make(chan error, 1),
	}
	ready := make(chan struct{})
	forwarder, err := portforward.NewOnAddresses(dialer, []string{portForwardAddress}, []string{ports},
		pf.stopCh, ready, io.Discard, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("create port-forwarder for pod %s: %w", podName, err)
	}

	go func() {
		pf.errCh <- forwarder.ForwardPorts()
	}()

	select {
	case <-ready:
	case err := <-pf.errCh:
		if err != nil {
			return nil, wrap("port-forward to", req.Target, err)
		}
		return nil, fmt.Errorf("port-forward for pod %s terminated unexpectedly", podName)
	case <-time.After(portForwardReadyTimeout):
		pf.Close()
		return nil, fmt.Errorf("timed out starting port-forward for pod %s", podName)
	case <-ctx.Done():
		pf.Close()
		return nil, ctx.Err()
	}

	forwarded, err := forwarder.GetPorts()
	if err != nil || len(forwarded) == 0 {
		pf.Close()
		return nil, fmt.Errorf("port-forward for pod %s has no bound ports: %v", podName, err)
	}
	pf.localPort = int(forwarded[0].Local)

	klog.FromContext(ctx).V(2).Info("Port-forward ready", "pod", podName, "localPort", pf.localPort, "remotePort", req.RemotePort)
	return pf, nil
}

// resolvePod maps a pod or service reference to a concrete pod name.
func (c *KubeClient) resolvePod(ctx context.Context, target ResourceRef) (string, error) {
	switch strings.ToLower(target.Kind) {
	case "pod", "pods", "po":
		return target.Name, nil
	case "service", "services", "svc":
	default:
		return "", fmt.Errorf("port-forward target must be a pod or service, got %q", target.Kind)
	}

	svc, err := c.kubeClient.CoreV1().Services(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", &NotFoundError{Ref: target}
	}
	if err != nil {
		return "", wrap("get", target, err)
	}
	if len(svc.Spec.Selector) == 0 {
		return "", fmt.Errorf("service %s has no selector", target)
	}

	pods, err := c.kubeClient.CoreV1().Pods(target.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(svc.Spec.Selector).String(),
	})
	if err != nil {
		return "", wrap("list pods for", target, err)
	}
	for i := range pods.Items {
		if isPodReady(&pods.Items[i]) {
			return pods.Items[i].Name, nil
		}
	}
	return "", fmt.Errorf("no ready pod found for %s", target)
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}
