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

// Package config holds the harness settings shared by every probe.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/yaml"
)

type Config struct {
	// Kubeconfig overrides KUBECONFIG and ~/.kube/config.
	Kubeconfig string `json:"kubeconfig,omitempty"`
	// Context selects a kubeconfig context other than the current one.
	Context string `json:"context,omitempty"`
	// WorkDir receives result.log.
	WorkDir string `json:"workDir,omitempty"`
	// Namespace overrides the probe's primary namespace.
	Namespace string `json:"namespace,omitempty"`

	PollInterval     metav1.Duration `json:"pollInterval"`
	PollTimeout      metav1.Duration `json:"pollTimeout"`
	NamespaceTimeout metav1.Duration `json:"namespaceTimeout"`
	SettleDelay      metav1.Duration `json:"settleDelay"`
	InterruptGrace   metav1.Duration `json:"interruptGrace"`

	// HelmDriver is the helm release storage backend.
	HelmDriver string `json:"helmDriver,omitempty"`
	Verbosity  int    `json:"verbosity,omitempty"`

	Probes ProbeConfig `json:"probes"`
}

type ProbeConfig struct {
	// WorkloadImage runs the short-lived pods most probes create.
	WorkloadImage string            `json:"workloadImage,omitempty"`
	Metrics       MetricsConfig     `json:"metrics"`
	Gateway       GatewayConfig     `json:"gateway"`
	Accelerator   AcceleratorConfig `json:"accelerator"`
}

// MetricsConfig locates the Prometheus instance scraped for accelerator metrics.
type MetricsConfig struct {
	Namespace string   `json:"namespace,omitempty"`
	Service   string   `json:"service,omitempty"`
	Port      int      `json:"port,omitempty"`
	Queries   []string `json:"queries,omitempty"`
}

type GatewayConfig struct {
	// ClassName of the GatewayClass that must admit the probe's Gateway. Empty
	// skips the admission checks.
	ClassName string `json:"className,omitempty"`
	// Chart, when set, is installed before probing and uninstalled afterwards.
	Chart  string                 `json:"chart,omitempty"`
	Values map[string]interface{} `json:"values,omitempty"`
}

type AcceleratorConfig struct {
	ResourceName string `json:"resourceName,omitempty"`
	Image        string `json:"image,omitempty"`
}

// Default returns the configuration used when no file or flag overrides it.
func Default() Config {
	return Config{
		WorkDir:          ".",
		PollInterval:     metav1.Duration{Duration: 2 * time.Second},
		PollTimeout:      metav1.Duration{Duration: 2 * time.Minute},
		NamespaceTimeout: metav1.Duration{Duration: 2 * time.Minute},
		SettleDelay:      metav1.Duration{Duration: 5 * time.Second},
		InterruptGrace:   metav1.Duration{Duration: 10 * time.Second},
		HelmDriver:       "secret",
		Probes: ProbeConfig{
			WorkloadImage: "registry.k8s.io/pause:3.10",
			Metrics: MetricsConfig{
				Namespace: "monitoring",
				Service:   "prometheus-operated",
				Port:      9090,
				Queries:   []string{"DCGM_FI_DEV_GPU_UTIL", "DCGM_FI_DEV_FB_USED"},
			},
			Accelerator: AcceleratorConfig{
				ResourceName: "nvidia.com/gpu",
				Image:        "nvcr.io/nvidia/cuda:12.4.1-base-ubuntu22.04",
			},
		},
	}
}

// LoadFile overlays the YAML file at path onto the defaults. A missing file
// is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			klog.V(2).Infof("No config file found at %s, using defaults", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}
	return cfg, nil
}

// AddFlags binds the flags that override file settings.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Kubeconfig, "kubeconfig", c.Kubeconfig, "Path to the kubeconfig file")
	fs.StringVar(&c.Context, "context", c.Context, "Kubeconfig context to use")
	fs.StringVar(&c.WorkDir, "work-dir", c.WorkDir, "Directory that receives result.log")
	fs.StringVarP(&c.Namespace, "namespace", "n", c.Namespace, "Override the probe's primary namespace")
	fs.DurationVar(&c.PollInterval.Duration, "poll-interval", c.PollInterval.Duration, "Interval between readiness probes")
	fs.DurationVar(&c.PollTimeout.Duration, "poll-timeout", c.PollTimeout.Duration, "Default timeout of a readiness wait")
	fs.DurationVar(&c.NamespaceTimeout.Duration, "namespace-timeout", c.NamespaceTimeout.Duration, "How long cleanup waits for namespaces to disappear")
	fs.DurationVar(&c.SettleDelay.Duration, "settle-delay", c.SettleDelay.Duration, "Pause after reclaiming leftovers of a previous run")
	fs.DurationVar(&c.InterruptGrace.Duration, "interrupt-grace", c.InterruptGrace.Duration, "How long an interrupted probe may take to stop")
	fs.StringVar(&c.HelmDriver, "helm-driver", c.HelmDriver, "Helm release storage driver")
}

// RESTConfig resolves the cluster connection. An explicit kubeconfig wins,
// otherwise the controller-runtime lookup order applies.
func (c *Config) RESTConfig() (*rest.Config, error) {
	if c.Kubeconfig == "" {
		cfg, err := ctrlconfig.GetConfigWithContext(c.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		return cfg, nil
	}
	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: c.Kubeconfig}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: c.Context}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig %s: %w", c.Kubeconfig, err)
	}
	return cfg, nil
}
