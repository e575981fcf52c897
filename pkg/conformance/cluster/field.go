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
	"encoding/json"
	"fmt"
	"strings"

	"k8s.io/client-go/util/jsonpath"
)

// normalizeFieldPath accepts "status.phase", ".status.phase" and
// "{.status.phase}" and returns the braced JSONPath form.
func normalizeFieldPath(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "{") {
		return path
	}
	if !strings.HasPrefix(path, ".") {
		path = "." + path
	}
	return "{" + path + "}"
}

// evalField evaluates path against obj. Evaluation failures such as missing
// keys or out-of-range indexes mean the field is absent.
func evalField(obj map[string]interface{}, path string) (string, bool, error) {
	jp := jsonpath.New("field")
	if err := jp.Parse(normalizeFieldPath(path)); err != nil {
		return "", false, fmt.Errorf("invalid field path %q: %w", path, err)
	}

	results, err := jp.FindResults(obj)
	if err != nil {
		return "", false, nil
	}

	var values []string
	for _, set := range results {
		for _, v := range set {
			values = append(values, formatValue(v.Interface()))
		}
	}
	if len(values) == 0 {
		return "", false, nil
	}
	return strings.Join(values, " "), true, nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
