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

package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cleanup"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
)

const testNamespace = "conformance-gang"

func namespace(name string) *unstructured.Unstructured {
	ns := &unstructured.Unstructured{}
	ns.SetAPIVersion("v1")
	ns.SetKind("Namespace")
	ns.SetName(name)
	return ns
}

func newFakeCluster(t *testing.T, objects ...runtime.Object) (*cluster.KubeClient, *dynamicfake.FakeDynamicClient) {
	t.Helper()
	mapper := meta.NewDefaultRESTMapper(nil)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}, meta.RESTScopeRoot)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}, meta.RESTScopeNamespace)

	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), map[schema.GroupVersionResource]string{
		{Version: "v1", Resource: "namespaces"}: "NamespaceList",
		{Version: "v1", Resource: "configmaps"}: "ConfigMapList",
	}, objects...)
	return cluster.NewKubeClientFromClients(kubefake.NewSimpleClientset(), dyn, mapper, nil), dyn
}

func namespaceDeletions(dyn *dynamicfake.FakeDynamicClient) int {
	n := 0
	for _, action := range dyn.Actions() {
		if action.Matches("delete", "namespaces") {
			n++
		}
	}
	return n
}

func testOptions(t *testing.T, stdout *bytes.Buffer) Options {
	return Options{
		Name:             "gang-scheduling",
		Description:      "Gang scheduling with PodGroups",
		Namespace:        testNamespace,
		WorkDir:          t.TempDir(),
		SettleDelay:      -1,
		NamespaceTimeout: time.Second,
		InterruptGrace:   time.Second,
		Stdout:           stdout,
	}
}

func readLog(t *testing.T, opts Options) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(opts.WorkDir, LogFileName))
	require.NoError(t, err)
	return string(data)
}

func TestLeftoverStateReclaimedExactlyOnce(t *testing.T) {
	client, dyn := newFakeCluster(t, namespace(testNamespace))
	var stdout bytes.Buffer
	opts := testOptions(t, &stdout)

	var mu sync.Mutex
	leftoverRuns := 0
	opts.Preflight = func(reg *cleanup.Registry) {
		reg.Command("helm uninstall leftover-release", func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			leftoverRuns++
			return nil
		})
	}

	lc := New(client, opts)
	var stateInProbe State
	var pendingInProbe, deletionsBeforeProbe int
	code := lc.Execute(context.Background(), func(run *Run) error {
		stateInProbe = lc.State()
		pendingInProbe = run.Cleanup().Pending()
		deletionsBeforeProbe = namespaceDeletions(dyn)
		run.Record("pods-scheduled", true)
		return nil
	})

	assert.Equal(t, 0, code)
	assert.Equal(t, Succeeded, lc.State())
	assert.Equal(t, Running, stateInProbe)
	assert.Equal(t, 1, pendingInProbe, "only the re-armed primary namespace should remain")
	assert.Equal(t, 1, deletionsBeforeProbe)
	assert.Equal(t, 1, leftoverRuns)
	assert.Equal(t, 2, namespaceDeletions(dyn), "pre-flight pass plus teardown of the run's own namespace")

	log := readLog(t, opts)
	assert.Contains(t, log, "Leftover namespaces from a previous run: "+testNamespace)
	assert.Contains(t, log, "✓ PASSED: all 1 sub-checks passed")
}

func TestCleanNamespaceSkipsReclamation(t *testing.T) {
	client, dyn := newFakeCluster(t)
	var stdout bytes.Buffer
	opts := testOptions(t, &stdout)

	lc := New(client, opts)
	code := lc.Execute(context.Background(), func(run *Run) error {
		_, err := run.Client().ApplyManifest(run.Context(), []byte("apiVersion: v1\nkind: Namespace\nmetadata:\n  name: "+testNamespace+"\n"), "")
		run.FatalIfErr(err, "create namespace")
		run.Record("namespace-created", true)
		return nil
	})

	assert.Equal(t, 0, code)
	assert.Equal(t, 1, namespaceDeletions(dyn))
	assert.Contains(t, readLog(t, opts), "No leftover state found")

	exists, err := client.ResourceExists(context.Background(), cluster.ResourceRef{Kind: "namespaces", Name: testNamespace})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFatalMidProbeRunsCleanup(t *testing.T) {
	client, _ := newFakeCluster(t)
	var stdout bytes.Buffer
	opts := testOptions(t, &stdout)

	lc := New(client, opts)
	cleaned := false
	reachedAfterFatal := false
	code := lc.Execute(context.Background(), func(run *Run) error {
		run.Cleanup().Command("remove test gateway", func(context.Context) error {
			cleaned = true
			return nil
		})
		run.Fatalf("cluster unreachable: %v", &cluster.ConnectivityError{Op: "get pods", Err: errors.New("connection refused")})
		reachedAfterFatal = true
		return nil
	})

	assert.Equal(t, 1, code)
	assert.Equal(t, Failed, lc.State())
	assert.True(t, cleaned)
	assert.False(t, reachedAfterFatal)
	assert.Contains(t, lc.Registry().Executed(), "remove test gateway")
	assert.Contains(t, readLog(t, opts), "✗ FATAL: cluster unreachable")
	assert.Contains(t, stdout.String(), "✗ FATAL: cluster unreachable")
}

func TestProbeErrorIsFatal(t *testing.T) {
	client, _ := newFakeCluster(t)
	var stdout bytes.Buffer
	lc := New(client, testOptions(t, &stdout))

	code := lc.Execute(context.Background(), func(run *Run) error {
		return errors.New("apply rejected")
	})

	assert.Equal(t, 1, code)
	assert.Equal(t, "apply rejected", lc.Verdict())
}

func TestInterruptionStillCleansUp(t *testing.T) {
	client, _ := newFakeCluster(t)
	var stdout bytes.Buffer
	lc := New(client, testOptions(t, &stdout))

	ctx, cancel := context.WithCancel(context.Background())
	cleaned := false
	code := lc.Execute(ctx, func(run *Run) error {
		run.Cleanup().Command("close port-forward", func(context.Context) error {
			cleaned = true
			return nil
		})
		cancel()
		<-run.Context().Done()
		return run.Context().Err()
	})

	assert.Equal(t, 1, code)
	assert.Equal(t, Failed, lc.State())
	assert.Contains(t, lc.Verdict(), "interrupted")
	assert.True(t, cleaned)
}

func TestPanicIsFatal(t *testing.T) {
	client, _ := newFakeCluster(t)
	var stdout bytes.Buffer
	lc := New(client, testOptions(t, &stdout))

	code := lc.Execute(context.Background(), func(run *Run) error {
		panic("nil pointer in probe")
	})

	assert.Equal(t, 1, code)
	assert.Contains(t, lc.Verdict(), "probe panicked: nil pointer in probe")
	assert.Equal(t, 0, lc.Registry().Pending())
}

func TestConclude(t *testing.T) {
	tests := []struct {
		name        string
		record      map[string]bool
		wantCode    int
		wantVerdict string
	}{
		{name: "nothing recorded fails", wantCode: 1, wantVerdict: "no sub-checks were recorded"},
		{name: "all passed", record: map[string]bool{"a": true, "b": true}, wantCode: 0, wantVerdict: "all 2 sub-checks passed"},
		{name: "one failed", record: map[string]bool{"a": true, "b": false}, wantCode: 1, wantVerdict: "failed sub-checks: b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newFakeCluster(t)
			var stdout bytes.Buffer
			lc := New(client, testOptions(t, &stdout))

			code := lc.Execute(context.Background(), func(run *Run) error {
				for _, name := range []string{"a", "b"} {
					if passed, ok := tt.record[name]; ok {
						run.Record(name, passed)
					}
				}
				return nil
			})

			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantVerdict, lc.Verdict())
		})
	}
}

func TestSummaryPrecedesVerdict(t *testing.T) {
	client, _ := newFakeCluster(t)
	var stdout bytes.Buffer
	opts := testOptions(t, &stdout)
	lc := New(client, opts)

	lc.Execute(context.Background(), func(run *Run) error {
		run.Step("Check capabilities")
		run.Record("gateway-api-registered", true)
		run.Record("gatewayclass-accepted", false)
		run.Output("kubectl get gatewayclass", "NAME    CONTROLLER\nistio   istio.io/gateway-controller")
		run.Fail("gateway support incomplete")
		return nil
	})

	log := readLog(t, opts)
	summary := bytes.Index([]byte(log), []byte("Sub-checks (2):"))
	verdict := bytes.Index([]byte(log), []byte("✗ FAILED: gateway support incomplete"))
	require.NotEqual(t, -1, summary)
	require.NotEqual(t, -1, verdict)
	assert.Less(t, summary, verdict)
	assert.Contains(t, log, "[step 1] === Check capabilities ===")
	assert.Contains(t, log, "----- begin kubectl get gatewayclass -----\nNAME    CONTROLLER\nistio   istio.io/gateway-controller\n----- end kubectl get gatewayclass -----\n")
}

type unreachableCluster struct {
	*cluster.KubeClient
}

func (unreachableCluster) Ping(context.Context) error {
	return &cluster.ConnectivityError{Op: "server version", Err: errors.New("dial tcp 127.0.0.1:6443: connect: connection refused")}
}

func TestUnreachableClusterNeverRunsProbe(t *testing.T) {
	client, _ := newFakeCluster(t)
	var stdout bytes.Buffer
	opts := testOptions(t, &stdout)
	lc := New(unreachableCluster{client}, opts)

	ran := false
	code := lc.Execute(context.Background(), func(run *Run) error {
		ran = true
		return nil
	})

	assert.Equal(t, 1, code)
	assert.False(t, ran)
	assert.Contains(t, readLog(t, opts), "✗ FATAL: cluster connectivity check failed")
}

func TestPreflightLookupFailureIsFatal(t *testing.T) {
	client, dyn := newFakeCluster(t)
	dyn.PrependReactor("get", "namespaces", func(clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("etcdserver: request timed out")
	})
	var stdout bytes.Buffer
	lc := New(client, testOptions(t, &stdout))

	code := lc.Execute(context.Background(), func(run *Run) error {
		t.Error("probe must not run")
		return nil
	})

	assert.Equal(t, 1, code)
	assert.Contains(t, lc.Verdict(), "pre-flight check of namespace "+testNamespace)
}

func TestHeader(t *testing.T) {
	start := time.Date(2026, time.October, 19, 8, 30, 0, 0, time.UTC)
	header := formatHeader("gang-scheduling", "Gang scheduling with PodGroups", start, testNamespace, "3b241101-e2bb-4255-8caf-4136c566a962")
	goldie.New(t).Assert(t, "header", []byte(header))
}

func TestLogSinkHeaderWritten(t *testing.T) {
	client, _ := newFakeCluster(t)
	var stdout bytes.Buffer
	opts := testOptions(t, &stdout)
	opts.RunID = "fixed-run-id"
	lc := New(client, opts)

	lc.Execute(context.Background(), func(run *Run) error {
		run.Logf("hello from probe")
		run.Warnf("metrics endpoint slow")
		run.Succeed("done")
		return nil
	})

	log := readLog(t, opts)
	assert.Contains(t, log, "Test:        gang-scheduling")
	assert.Contains(t, log, "Run ID:      fixed-run-id")
	assert.Contains(t, log, "[probe] hello from probe")
	assert.Contains(t, log, "[probe] WARNING: metrics endpoint slow")
	assert.Contains(t, log, "Run fixed-run-id finished: Succeeded (exit code 0)")
	assert.Equal(t, log, stdout.String())
}
