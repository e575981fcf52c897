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

// Package deployer installs the Helm charts some probes need and removes
// them again during cleanup.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"
	"k8s.io/cli-runtime/pkg/genericclioptions"
	"k8s.io/klog/v2"
)

// Release describes one chart installation.
type Release struct {
	Name      string
	Namespace string
	// Chart is a chart directory or packaged archive.
	Chart           string
	Values          map[string]interface{}
	CreateNamespace bool
	Wait            bool
	Timeout         time.Duration
}

// ConfigFunc returns the helm configuration bound to a namespace.
type ConfigFunc func(namespace string) (*action.Configuration, error)

type Deployer struct {
	configFor ConfigFunc

	mu      sync.Mutex
	configs map[string]*action.Configuration
}

// New returns a Deployer talking to the cluster described by kubeconfig and
// kubeContext, storing releases with the given helm driver.
func New(kubeconfig, kubeContext, helmDriver string) *Deployer {
	return NewWithConfigFunc(func(namespace string) (*action.Configuration, error) {
		cf := genericclioptions.NewConfigFlags(false)
		cf.Namespace = &namespace
		if kubeconfig != "" {
			cf.KubeConfig = &kubeconfig
		}
		if kubeContext != "" {
			cf.Context = &kubeContext
		}
		cfg := new(action.Configuration)
		if err := cfg.Init(cf, namespace, helmDriver, helmLog); err != nil {
			return nil, fmt.Errorf("failed to initialize helm for namespace %s: %w", namespace, err)
		}
		return cfg, nil
	})
}

func NewWithConfigFunc(fn ConfigFunc) *Deployer {
	return &Deployer{configFor: fn, configs: map[string]*action.Configuration{}}
}

func helmLog(format string, v ...interface{}) {
	klog.V(4).Infof("helm: "+format, v...)
}

func (d *Deployer) config(namespace string) (*action.Configuration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg, ok := d.configs[namespace]; ok {
		return cfg, nil
	}
	cfg, err := d.configFor(namespace)
	if err != nil {
		return nil, err
	}
	d.configs[namespace] = cfg
	return cfg, nil
}

// Install loads rel.Chart from disk and installs it.
func (d *Deployer) Install(ctx context.Context, rel Release) (*release.Release, error) {
	chrt, err := loader.Load(rel.Chart)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart %s: %w", rel.Chart, err)
	}
	return d.InstallChart(ctx, rel, chrt)
}

// InstallChart installs an already loaded chart.
func (d *Deployer) InstallChart(ctx context.Context, rel Release, chrt *chart.Chart) (*release.Release, error) {
	cfg, err := d.config(rel.Namespace)
	if err != nil {
		return nil, err
	}
	install := action.NewInstall(cfg)
	install.ReleaseName = rel.Name
	install.Namespace = rel.Namespace
	install.CreateNamespace = rel.CreateNamespace
	install.Wait = rel.Wait
	install.Timeout = rel.Timeout

	logger := klog.FromContext(ctx)
	logger.Info("Installing helm release", "release", rel.Name, "namespace", rel.Namespace, "chart", chrt.Name())
	r, err := install.RunWithContext(ctx, chrt, rel.Values)
	if err != nil {
		return nil, fmt.Errorf("failed to install release %s: %w", rel.Name, err)
	}
	logger.V(2).Info("Installed helm release", "release", r.Name, "version", r.Version, "status", r.Info.Status)
	return r, nil
}

// Uninstall removes a release. A release that does not exist is not an error.
func (d *Deployer) Uninstall(ctx context.Context, name, namespace string) error {
	cfg, err := d.config(namespace)
	if err != nil {
		return err
	}
	uninstall := action.NewUninstall(cfg)
	uninstall.IgnoreNotFound = true
	if deadline, ok := ctx.Deadline(); ok {
		uninstall.Timeout = time.Until(deadline)
	}
	if _, err := uninstall.Run(name); err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return nil
		}
		return fmt.Errorf("failed to uninstall release %s: %w", name, err)
	}
	klog.FromContext(ctx).Info("Uninstalled helm release", "release", name, "namespace", namespace)
	return nil
}

// Status reports the state of the latest revision of a release.
func (d *Deployer) Status(name, namespace string) (release.Status, bool, error) {
	cfg, err := d.config(namespace)
	if err != nil {
		return "", false, err
	}
	r, err := action.NewStatus(cfg).Run(name)
	if err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get status of release %s: %w", name, err)
	}
	return r.Info.Status, true, nil
}
