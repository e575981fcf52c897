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

// Package lifecycle drives one conformance run: pre-flight reclamation of
// leftovers, the probe body, a single terminal verdict and cleanup that runs
// on every exit path.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cleanup"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/results"
)

const (
	DefaultSettleDelay    = 5 * time.Second
	DefaultInterruptGrace = 10 * time.Second
)

// State of a run. Succeeded and Failed are terminal.
type State int

const (
	Initialized State = iota
	PreflightChecked
	Running
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case PreflightChecked:
		return "PreflightChecked"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == Succeeded || s == Failed
}

// Probe is the requirement-specific body of a run. Returning an error is
// fatal; returning nil without a verdict concludes from recorded sub-checks.
type Probe func(run *Run) error

type Options struct {
	Name        string
	Description string
	// Namespace is the run's primary namespace.
	Namespace string
	// AdditionalNamespaces are checked for leftovers and reclaimed with the primary.
	AdditionalNamespaces []string
	// Preflight registers actions for state a crashed run may have left
	// behind. They run during pre-flight when leftovers are found, otherwise
	// at teardown.
	Preflight func(reg *cleanup.Registry)

	// WorkDir holds result.log. Defaults to the current directory.
	WorkDir string
	// SettleDelay is the pause after reclaiming leftovers; negative disables it.
	SettleDelay time.Duration
	// NamespaceTimeout bounds waiting for deleted namespaces.
	NamespaceTimeout time.Duration
	// InterruptGrace is how long an interrupted probe may take to unwind.
	InterruptGrace time.Duration
	// PollInterval and PollTimeout seed Run.PollOptions; zero means the poll
	// package defaults.
	PollInterval time.Duration
	PollTimeout  time.Duration
	// Verbosity of library logs written to the sink.
	Verbosity int

	RunID   string
	Clock   clock.Clock
	Stdout  io.Writer
	Signals []os.Signal
}

func (o *Options) withDefaults() {
	if o.WorkDir == "" {
		o.WorkDir = "."
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.InterruptGrace <= 0 {
		o.InterruptGrace = DefaultInterruptGrace
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if len(o.Signals) == 0 {
		o.Signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
}

// Lifecycle owns the recorder and cleanup registry of one run.
type Lifecycle struct {
	client   cluster.Client
	opts     Options
	recorder *results.Recorder
	registry *cleanup.Registry

	mu       sync.Mutex
	state    State
	exitCode int
	verdict  string
	sink     *sink
}

func New(client cluster.Client, opts Options) *Lifecycle {
	opts.withDefaults()
	registry := cleanup.New(client)
	if opts.NamespaceTimeout > 0 {
		registry.NamespaceTimeout = opts.NamespaceTimeout
	}
	return &Lifecycle{
		client:   client,
		opts:     opts,
		recorder: results.NewRecorder(),
		registry: registry,
		state:    Initialized,
		exitCode: 1,
	}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Verdict is the message of the terminal transition.
func (l *Lifecycle) Verdict() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verdict
}

// ExitCode is 0 only after a successful run.
func (l *Lifecycle) ExitCode() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitCode
}

func (l *Lifecycle) Recorder() *results.Recorder { return l.recorder }

func (l *Lifecycle) Registry() *cleanup.Registry { return l.registry }

// RunID identifies this run in the log header.
func (l *Lifecycle) RunID() string { return l.opts.RunID }

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.terminal() {
		l.state = s
	}
}

// terminate performs the single terminal transition. Later calls are ignored.
func (l *Lifecycle) terminate(state State, marker, msg string) bool {
	l.mu.Lock()
	if l.state.terminal() {
		l.mu.Unlock()
		return false
	}
	l.state = state
	l.verdict = msg
	l.exitCode = 1
	if state == Succeeded {
		l.exitCode = 0
	}
	l.mu.Unlock()

	if l.sink == nil {
		fmt.Fprintf(l.opts.Stdout, "%s: %s\n", marker, msg)
		return true
	}
	if l.recorder.Len() > 0 {
		l.sink.raw(l.recorder.Summarize().String())
	}
	l.sink.line("", fmt.Sprintf("%s: %s", marker, msg))
	return true
}

func (l *Lifecycle) fatal(msg string) bool {
	return l.terminate(Failed, "✗ FATAL", msg)
}

// Execute runs probe and returns the process exit code: 0 when the run
// succeeded, 1 otherwise. Cleanup has always run when Execute returns.
func (l *Lifecycle) Execute(ctx context.Context, probe Probe) int {
	s, err := openSink(l.opts.WorkDir, l.opts.Stdout, l.opts.Clock)
	if err != nil {
		l.fatal(err.Error())
		l.registry.ExecuteOnce(ctx)
		return l.ExitCode()
	}
	l.sink = s
	logger := s.logger(l.opts.Verbosity).WithName(l.opts.Name)
	ctx = klog.NewContext(ctx, logger)

	defer func() {
		l.sink.setTag("teardown")
		// Cleanup must not inherit an interrupted context.
		cleanupCtx := klog.NewContext(context.Background(), logger)
		l.registry.ExecuteOnce(cleanupCtx)
		for _, w := range l.registry.Warnings() {
			l.sink.line("WARNING", w)
		}
		l.sink.line("", fmt.Sprintf("Run %s finished: %s (exit code %d)", l.opts.RunID, l.State(), l.ExitCode()))
		if err := l.sink.close(); err != nil {
			fmt.Fprintf(l.opts.Stdout, "failed to close log sink: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, l.opts.Signals...)
	defer stop()

	l.sink.raw(formatHeader(l.opts.Name, l.opts.Description, l.opts.Clock.Now(), l.opts.Namespace, l.opts.RunID))

	l.registry.SetPrimaryNamespace(l.opts.Namespace)
	for _, ns := range l.opts.AdditionalNamespaces {
		l.registry.Namespace(ns)
	}
	if l.opts.Preflight != nil {
		l.opts.Preflight(l.registry)
	}

	if err := l.client.Ping(ctx); err != nil {
		l.fatal(fmt.Sprintf("cluster connectivity check failed: %v", err))
		return l.ExitCode()
	}

	if err := l.preflight(ctx); err != nil {
		l.fatal(err.Error())
		return l.ExitCode()
	}
	l.setState(PreflightChecked)

	l.setState(Running)
	l.sink.setTag("probe")
	run := &Run{lifecycle: l, ctx: ctx}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				l.fatal(fmt.Sprintf("probe panicked: %v", p))
			}
		}()
		if err := probe(run); err != nil {
			if ctx.Err() != nil {
				l.fatal(interrupted(ctx))
				return
			}
			run.Fatalf("%v", err)
		}
		run.Conclude()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		l.fatal(interrupted(ctx))
		select {
		case <-done:
		case <-l.opts.Clock.After(l.opts.InterruptGrace):
			l.sink.line("WARNING", fmt.Sprintf("probe did not stop within %v, cleaning up anyway", l.opts.InterruptGrace))
		}
	}
	return l.ExitCode()
}

func interrupted(ctx context.Context) string {
	return fmt.Sprintf("run interrupted: %v", context.Cause(ctx))
}

// preflight reclaims namespaces surviving from a previous run.
func (l *Lifecycle) preflight(ctx context.Context) error {
	l.sink.setTag("preflight")
	namespaces := append([]string{l.opts.Namespace}, l.opts.AdditionalNamespaces...)

	var leftovers []string
	for _, ns := range namespaces {
		exists, err := l.client.ResourceExists(ctx, cluster.ResourceRef{Kind: "namespaces", Name: ns})
		if err != nil {
			return fmt.Errorf("pre-flight check of namespace %s failed: %w", ns, err)
		}
		if exists {
			leftovers = append(leftovers, ns)
		}
	}
	if len(leftovers) == 0 {
		l.sink.line("", "No leftover state found")
		return nil
	}

	l.sink.line("", fmt.Sprintf("Leftover namespaces from a previous run: %s; reclaiming", strings.Join(leftovers, ", ")))
	l.registry.ExecuteAll(ctx)
	if l.opts.SettleDelay > 0 {
		select {
		case <-l.opts.Clock.After(l.opts.SettleDelay):
		case <-ctx.Done():
			return fmt.Errorf("interrupted during pre-flight: %w", ctx.Err())
		}
	}

	// The run recreates these namespaces; teardown must reclaim them again.
	l.registry.SetPrimaryNamespace(l.opts.Namespace)
	for _, ns := range l.opts.AdditionalNamespaces {
		l.registry.Namespace(ns)
	}
	return nil
}
