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

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/config"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/deployer"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/probes"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/scenario"
)

// exitCodeError carries a run's non-zero exit code out of cobra.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("run finished with exit code %d", int(e))
}

type options struct {
	configFile string
	config     config.Config

	// newClient is replaced in tests.
	newClient func(cfg *config.Config) (cluster.Client, error)
}

func newOptions() *options {
	return &options{
		config: config.Default(),
		newClient: func(cfg *config.Config) (cluster.Client, error) {
			restConfig, err := cfg.RESTConfig()
			if err != nil {
				return nil, err
			}
			return cluster.NewKubeClient(restConfig)
		},
	}
}

// complete loads the config file and re-applies explicitly set flags on top.
func (o *options) complete(fs *pflag.FlagSet) error {
	overrides := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		overrides[f.Name] = f.Value.String()
	})

	cfg, err := config.LoadFile(o.configFile)
	if err != nil {
		return err
	}
	o.config = cfg
	for name, value := range overrides {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("invalid value %q for flag --%s: %w", value, name, err)
		}
	}
	if v, ok := overrides["v"]; ok {
		level, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid verbosity %q: %w", v, err)
		}
		o.config.Verbosity = level
	}
	return o.config.Validate()
}

func (o *options) lifecycleOptions() lifecycle.Options {
	c := o.config
	return lifecycle.Options{
		Namespace:        c.Namespace,
		WorkDir:          c.WorkDir,
		SettleDelay:      c.SettleDelay.Duration,
		NamespaceTimeout: c.NamespaceTimeout.Duration,
		InterruptGrace:   c.InterruptGrace.Duration,
		PollInterval:     c.PollInterval.Duration,
		PollTimeout:      c.PollTimeout.Duration,
		Verbosity:        c.Verbosity,
	}
}

func (o *options) execute(cmd *cobra.Command, opts lifecycle.Options, probe lifecycle.Probe) error {
	client, err := o.newClient(&o.config)
	if err != nil {
		return err
	}
	opts.Stdout = cmd.OutOrStdout()
	lc := lifecycle.New(client, opts)
	klog.V(2).InfoS("Starting run", "name", opts.Name, "runID", lc.RunID())
	if code := lc.Execute(cmd.Context(), probe); code != 0 {
		return exitCodeError(code)
	}
	return nil
}

func newRootCommand() *cobra.Command {
	return buildRootCommand(newOptions())
}

func buildRootCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conformance",
		Short: "Verify a Kubernetes cluster against the AI conformance requirements",
		Long: `conformance runs one requirement probe or declarative scenario against
the current cluster. Every run writes result.log to the work directory,
prints a single PASSED, FAILED or FATAL verdict and removes what it created.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.complete(cmd.Flags())
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&o.configFile, "config", "", "Path to a YAML configuration file")
	o.config.AddFlags(fs)
	fs.AddGoFlagSet(flag.CommandLine)

	cmd.AddCommand(newRunCommand(o))
	cmd.AddCommand(newScenarioCommand(o))
	cmd.AddCommand(newListCommand())
	return cmd
}

func newRunCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <probe>",
		Short: "Run a built-in probe",
		Args:  cobra.ExactArgs(1),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			var names []string
			for _, def := range probes.DefaultRegistry.List() {
				names = append(names, def.Name)
			}
			return names, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			def, ok := probes.DefaultRegistry.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown probe %q, see 'conformance list'", args[0])
			}
			env := probes.Env{
				Config:   o.config,
				Deployer: deployer.New(o.config.Kubeconfig, o.config.Context, o.config.HelmDriver),
			}
			return o.execute(cmd, def.LifecycleOptions(env, o.lifecycleOptions()), def.New(env))
		},
	}
}

func newScenarioCommand(o *options) *cobra.Command {
	var validateOnly bool
	cmd := &cobra.Command{
		Use:   "scenario <file|dir>",
		Short: "Run declarative TestCase scenarios",
		Long: `Run one TestCase file, or every TestCase directly inside a directory.
Runs of a directory write their logs to <work-dir>/<test case name>/ and
the command fails when any of them fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tcs, dir, err := loadScenarios(args[0])
			if err != nil {
				return err
			}
			if validateOnly {
				for _, tc := range tcs {
					fmt.Fprintf(cmd.OutOrStdout(), "TestCase %s is valid (%d setup, %d steps, %d cleanup)\n",
						tc.Metadata.Name, len(tc.Spec.Setup), len(tc.Spec.Steps), len(tc.Spec.Cleanup))
				}
				return nil
			}

			var failed []string
			for _, tc := range tcs {
				opts := tc.LifecycleOptions(o.lifecycleOptions())
				if dir {
					opts.WorkDir = filepath.Join(opts.WorkDir, tc.Metadata.Name)
				}
				err := o.execute(cmd, opts, scenario.Probe(tc))
				var exit exitCodeError
				switch {
				case errors.As(err, &exit) && dir:
					failed = append(failed, tc.Metadata.Name)
				case err != nil:
					return err
				}
			}
			if len(failed) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Failed scenarios: %s\n", strings.Join(failed, ", "))
				return exitCodeError(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "Only load and validate the scenarios")
	return cmd
}

func loadScenarios(path string) ([]*scenario.TestCase, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, err
	}
	if !info.IsDir() {
		tc, err := scenario.LoadTestCase(path)
		if err != nil {
			return nil, false, err
		}
		return []*scenario.TestCase{tc}, false, nil
	}
	tcs, err := scenario.LoadTestCasesFromDir(path)
	if err != nil {
		return nil, true, err
	}
	if len(tcs) == 0 {
		return nil, true, fmt.Errorf("no test cases found in %s", path)
	}
	return tcs, true, nil
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in probes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"PROBE", "DESCRIPTION"})
			for _, def := range probes.DefaultRegistry.List() {
				t.AppendRow(table.Row{def.Name, def.Description})
			}
			t.Render()
			return nil
		},
	}
}
