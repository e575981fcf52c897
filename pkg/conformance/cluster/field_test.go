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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalField(t *testing.T) {
	obj := map[string]interface{}{
		"metadata": map[string]interface{}{"name": "gpu-job"},
		"spec":     map[string]interface{}{"replicas": int64(2)},
		"status": map[string]interface{}{
			"phase": "Running",
			"conditions": []interface{}{
				map[string]interface{}{"type": "Accepted", "status": "True"},
				map[string]interface{}{"type": "Programmed", "status": "False"},
			},
		},
	}

	tests := []struct {
		name      string
		path      string
		wantValue string
		wantFound bool
	}{
		{name: "leading dot", path: ".status.phase", wantValue: "Running", wantFound: true},
		{name: "bare path", path: "metadata.name", wantValue: "gpu-job", wantFound: true},
		{name: "braced", path: "{.spec.replicas}", wantValue: "2", wantFound: true},
		{name: "filter", path: `.status.conditions[?(@.type=="Accepted")].status`, wantValue: "True", wantFound: true},
		{name: "filter without match", path: `.status.conditions[?(@.type=="Ready")].status`},
		{name: "missing key", path: ".status.podIP"},
		{name: "index out of range", path: ".status.conditions[5].type"},
		{name: "map value", path: ".spec", wantValue: `{"replicas":2}`, wantFound: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, found, err := evalField(obj, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestEvalFieldInvalidPath(t *testing.T) {
	_, _, err := evalField(map[string]interface{}{}, ".status[")
	assert.Error(t, err)
}

func TestDecodeManifest(t *testing.T) {
	objs, err := DecodeManifest([]byte(twoDocManifest))
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "ConfigMap", objs[0].GetKind())
	assert.Equal(t, "extra", objs[1].GetName())

	objs, err = DecodeManifest([]byte("---\n# nothing here\n"))
	require.NoError(t, err)
	assert.Empty(t, objs)

	_, err = DecodeManifest([]byte("apiVersion: v1\nmetadata:\n  name: nokind\n"))
	assert.Error(t, err)
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("podgroup/gang", "conformance")
	require.NoError(t, err)
	assert.Equal(t, ResourceRef{Kind: "podgroup", Name: "gang", Namespace: "conformance"}, ref)
	assert.Equal(t, "conformance/podgroup/gang", ref.String())

	_, err = ParseRef("gang", "conformance")
	assert.Error(t, err)
}
