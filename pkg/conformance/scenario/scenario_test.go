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

package scenario

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/results"
)

const testRunID = "3b241101-e2bb-4255-8caf-4136c566a962"

func newFakeCluster(t *testing.T, pods ...runtime.Object) (*cluster.KubeClient, *dynamicfake.FakeDynamicClient) {
	t.Helper()
	mapper := meta.NewDefaultRESTMapper(nil)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}, meta.RESTScopeRoot)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}, meta.RESTScopeNamespace)
	mapper.Add(schema.GroupVersionKind{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "ClusterRole"}, meta.RESTScopeRoot)

	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), map[schema.GroupVersionResource]string{
		{Version: "v1", Resource: "namespaces"}:                                       "NamespaceList",
		{Version: "v1", Resource: "configmaps"}:                                       "ConfigMapList",
		{Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "clusterroles"}: "ClusterRoleList",
	})
	return cluster.NewKubeClientFromClients(kubefake.NewSimpleClientset(pods...), dyn, mapper, nil), dyn
}

func runTestCase(t *testing.T, client cluster.Client, tc *TestCase) (*lifecycle.Lifecycle, int) {
	t.Helper()
	var stdout bytes.Buffer
	opts := tc.LifecycleOptions(lifecycle.Options{
		WorkDir:          t.TempDir(),
		SettleDelay:      -1,
		NamespaceTimeout: time.Second,
		InterruptGrace:   time.Second,
		RunID:            testRunID,
		Stdout:           &stdout,
	})
	lc := lifecycle.New(client, opts)
	code := lc.Execute(context.Background(), Probe(tc))
	t.Log(stdout.String())
	return lc, code
}

const settingsManifest = `apiVersion: v1
kind: ConfigMap
metadata:
  name: settings
  labels:
    run: "{{.RunID}}"
data:
  mode: fast
`

const roundTrip = `apiVersion: conformance.volcano.sh/v1alpha1
kind: TestCase
metadata:
  name: configmap-roundtrip
  description: Apply, observe and clean up a ConfigMap
spec:
  timeout: 1m
  steps:
  - name: create settings
    action: apply
    manifest: settings.yaml
    patches:
    - path: data.replicas
      value: "3"
  - name: settings applied
    action: wait
    resource: configmap/settings
    field: "{.data.mode}"
    value: fast
    timeout: 5s
  - name: remember run label
    action: query
    saveTo: Label
    query:
      type: field
      resource: configmap/settings
      field: .metadata.labels.run
  - name: verify
    action: assert
    assertions:
    - name: replicas-at-least-two
      type: field
      resource: configmap/settings
      field: .data.replicas
      operator: ">="
      value: 2
    - name: label-is-run-id
      type: field
      resource: configmap/settings
      field: .metadata.labels.run
      value: "{{.Label}}"
    - name: mode-is-slow
      type: field
      resource: configmap/settings
      field: .data.mode
      value: slow
      timeout: 10ms
  - name: reached the end
    action: record
    check: steps-complete
  cleanup:
  - name: drop settings
    action: delete
    resource: configmap/settings
    ignoreMissing: true
`

func TestScenarioRecordsAssertionsAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(settingsManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "roundtrip.yaml"), []byte(roundTrip), 0o644))

	tc, err := LoadTestCase(filepath.Join(dir, "roundtrip.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "conformance-configmap-roundtrip", tc.Namespace())

	client, dyn := newFakeCluster(t)
	lc, code := runTestCase(t, client, tc)

	assert.Equal(t, 1, code)
	assert.Equal(t, lifecycle.Failed, lc.State())
	assert.Equal(t, "failed sub-checks: mode-is-slow", lc.Verdict())

	entries := lc.Recorder().Summarize().Entries
	require.Len(t, entries, 4)
	assert.Equal(t, results.Entry{Name: "replicas-at-least-two", Passed: true}, entries[0])
	assert.Equal(t, results.Entry{Name: "label-is-run-id", Passed: true}, entries[1])
	assert.Equal(t, "mode-is-slow", entries[2].Name)
	assert.False(t, entries[2].Passed)
	assert.Contains(t, entries[2].Message, "expected slow, got fast")
	assert.Equal(t, results.Entry{Name: "steps-complete", Passed: true}, entries[3])

	assert.Equal(t, []string{
		`cleanup step "drop settings"`,
		"delete namespace conformance-configmap-roundtrip",
	}, lc.Registry().Executed())

	gvr := schema.GroupVersionResource{Version: "v1", Resource: "configmaps"}
	_, err = dyn.Resource(gvr).Namespace("conformance-configmap-roundtrip").Get(context.Background(), "settings", metav1.GetOptions{})
	assert.Error(t, err, "cleanup step should have deleted the ConfigMap")
}

func TestScenarioClusterScopedObjectsAreReclaimed(t *testing.T) {
	tc, err := ParseTestCase([]byte(`
metadata:
  name: rbac
spec:
  steps:
  - name: create role
    action: apply
    content: |
      apiVersion: rbac.authorization.k8s.io/v1
      kind: ClusterRole
      metadata:
        name: conformance-reader-{{.TestID}}
      rules: []
  - name: role exists
    action: assert
    assertions:
    - type: exists
      resource: clusterrole/conformance-reader-{{.TestID}}
`))
	require.NoError(t, err)

	client, dyn := newFakeCluster(t)
	lc, code := runTestCase(t, client, tc)

	assert.Equal(t, 0, code, lc.Verdict())
	assert.Empty(t, lc.Recorder().Summarize().Failed())
	assert.Equal(t, "role exists/exists", lc.Recorder().Summarize().Entries[0].Name)
	assert.Equal(t, []string{
		"delete namespace conformance-rbac",
		"delete ClusterRole conformance-reader-" + testRunID,
	}, lc.Registry().Executed())

	gvr := schema.GroupVersionResource{Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "clusterroles"}
	_, err = dyn.Resource(gvr).Get(context.Background(), "conformance-reader-"+testRunID, metav1.GetOptions{})
	assert.Error(t, err)
}

func TestScenarioSetupFailureIsFatal(t *testing.T) {
	tc, err := ParseTestCase([]byte(`
metadata:
  name: broken
spec:
  setup:
  - name: unknown kind
    action: apply
    content: |
      apiVersion: example.com/v1
      kind: Widget
      metadata:
        name: w
  steps:
  - name: never reached
    action: record
`))
	require.NoError(t, err)

	client, _ := newFakeCluster(t)
	lc, code := runTestCase(t, client, tc)

	assert.Equal(t, 1, code)
	assert.Contains(t, lc.Verdict(), "setup step 1 (unknown kind) failed")
	assert.Equal(t, 0, lc.Recorder().Len())
	assert.Equal(t, []string{"delete namespace conformance-broken"}, lc.Registry().Executed())
}

func TestScenarioPodAssertionsAndSoftWait(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-0", Namespace: "conformance-pods", Labels: map[string]string{"app": "worker"}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	tc, err := ParseTestCase([]byte(`
metadata:
  name: pods
spec:
  steps:
  - name: pods running
    action: wait
    condition: running
    selector: app=worker
    timeout: 5s
  - name: missing config
    action: wait
    condition: exists
    resource: configmap/absent
    timeout: 10ms
    soft: true
  - name: first worker
    action: query
    saveTo: Worker
    query:
      type: podName
      selector: app=worker
  - name: pods
    action: assert
    assertions:
    - name: one-worker
      type: podCount
      selector: app=worker
      value: 1
    - name: worker-running
      type: podPhase
      selector: app=worker
      value: Running
    - name: saved-name
      type: exists
      resource: pod/{{.Worker}}
      timeout: 10ms
`))
	require.NoError(t, err)

	client, _ := newFakeCluster(t, pod)
	lc, code := runTestCase(t, client, tc)

	// The fake mapper does not serve pods, so the dynamic lookup reports worker-0 absent.
	assert.Equal(t, 1, code)
	assert.Equal(t, []string{"saved-name"}, lc.Recorder().Summarize().Failed())
	assert.Equal(t, 3, lc.Recorder().Len())
	assert.Contains(t, lc.Recorder().Summarize().Entries[2].Message, "conformance-pods/pod/worker-0")
}

func TestParseTestCaseValidation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr []string
	}{
		{
			name:    "missing name and steps",
			doc:     "spec: {}\n",
			wantErr: []string{"metadata.name is required", "spec.steps must not be empty"},
		},
		{
			name: "bad actions",
			doc: `
kind: Job
metadata: {name: x}
spec:
  steps:
  - {name: a, action: launch}
  - {name: b, action: wait, condition: ready, resource: pod/p}
  - {name: c, action: assert, assertions: [{type: podCount, operator: "~"}]}
  - {name: d, action: exec, command: [ls]}
  cleanup:
  - {name: e, action: record}
`,
			wantErr: []string{
				`unsupported kind "Job"`,
				`steps[0] (a): action "launch" is not allowed here`,
				`steps[1] (b): unknown wait condition "ready"`,
				`steps[2] (c): assertion 0 has unknown operator "~"`,
				"steps[3] (d): resource or selector is required for exec",
				`cleanup[0] (e): action "record" is not allowed here`,
			},
		},
		{
			name:    "unknown field",
			doc:     "metadata: {name: x}\nspec:\n  stepz: []\n",
			wantErr: []string{"stepz"},
		},
		{
			name:    "invalid namespace",
			doc:     "metadata: {name: x, namespace: Bad_NS}\nspec:\n  steps: [{name: r, action: record}]\n",
			wantErr: []string{`invalid namespace "Bad_NS"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTestCase([]byte(tt.doc))
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		actual   string
		operator string
		expected interface{}
		ok       bool
	}{
		{"Running", "", "Running", true},
		{"Running", "equals", "Pending", false},
		{"3", "==", float64(3), true},
		{"true", "!=", false, true},
		{"nvidia.com/gpu", "contains", "gpu", true},
		{"gpu-0,gpu-1", "matches", `^gpu-\d(,gpu-\d)*$`, true},
		{"500m", "<", "1", true},
		{"1Gi", ">", "900Mi", true},
		{"2", ">=", float64(2), true},
		{"2", "greaterThan", float64(2), false},
		{"4", "lessThanOrEqual", "3", false},
		{"abc", ">", "1", false},
		{"1", "~", "1", false},
	}
	for _, tt := range tests {
		err := compareValues(tt.actual, tt.operator, tt.expected)
		assert.Equal(t, tt.ok, err == nil, "%s %s %v: %v", tt.actual, tt.operator, tt.expected, err)
	}
}

func TestLoadExampleScenarios(t *testing.T) {
	tcs, err := LoadTestCasesFromDir(filepath.Join("..", "..", "..", "examples", "scenarios"))
	require.NoError(t, err)

	var names []string
	for _, tc := range tcs {
		names = append(names, tc.Metadata.Name)
	}
	assert.Equal(t, []string{"dra-api", "gang-podgroup"}, names)
}

func TestLoadTestCasesFromDirSkipsManifests(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "manifests"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifests", "settings.yaml"), []byte(settingsManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("scenarios"), 0o644))

	tcs, err := LoadTestCasesFromDir(dir)
	require.NoError(t, err)
	assert.Empty(t, tcs)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(settingsManifest), 0o644))
	_, err = LoadTestCasesFromDir(dir)
	assert.ErrorContains(t, err, "failed to load test case")
}
