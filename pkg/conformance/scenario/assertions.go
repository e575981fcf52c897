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
	"context"
	"fmt"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

func (r *runner) runAssertion(ctx context.Context, a Assertion) error {
	switch a.Type {
	case "field":
		ref, err := r.ref(a.Resource)
		if err != nil {
			return err
		}
		actual, found, err := r.client.GetField(ctx, ref, a.Field)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("field %s of %s is absent", a.Field, ref)
		}
		return compareValues(actual, a.Operator, a.Value)
	case "exists", "absent":
		ref, err := r.ref(a.Resource)
		if err != nil {
			return err
		}
		exists, err := r.client.ResourceExists(ctx, ref)
		if err != nil {
			return err
		}
		if exists != (a.Type == "exists") {
			return fmt.Errorf("%s: exists=%t", ref, exists)
		}
		return nil
	case "podCount":
		pods, err := r.client.ListPods(ctx, r.namespace, a.Selector)
		if err != nil {
			return err
		}
		return compareValues(fmt.Sprint(len(pods)), a.Operator, a.Value)
	case "podPhase":
		pods, err := r.client.ListPods(ctx, r.namespace, a.Selector)
		if err != nil {
			return err
		}
		if len(pods) == 0 {
			return fmt.Errorf("no pods found matching selector: %s", a.Selector)
		}
		return podsInPhase(pods, fmt.Sprint(a.Value))
	case "apiResource":
		// "podgroups.scheduling.volcano.sh" or "pods" for the core group.
		name, group, _ := strings.Cut(a.Resource, ".")
		ok, err := r.client.APIResourceRegistered(ctx, name, group)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("resource %s is not served", a.Resource)
		}
		return nil
	case "apiVersion":
		gv := fmt.Sprint(a.Value)
		ok, err := r.client.APIVersionRegistered(ctx, gv)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("group version %s is not served", gv)
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func podsInPhase(pods []corev1.Pod, phase string) error {
	for _, pod := range pods {
		if string(pod.Status.Phase) != phase {
			return fmt.Errorf("pod %s is in phase %s, expected %s", pod.Name, pod.Status.Phase, phase)
		}
	}
	return nil
}

// compareValues compares a field value read from the cluster with the
// expected value. Ordering operators compare both sides as quantities, so
// "500m" < "1" and "1Gi" > "900Mi".
func compareValues(actual, operator string, expected interface{}) error {
	want := fmt.Sprint(expected)
	switch operator {
	case "", "equals", "==":
		if actual != want {
			return fmt.Errorf("expected %s, got %s", want, actual)
		}
	case "notEquals", "!=":
		if actual == want {
			return fmt.Errorf("expected not %s, but got %s", want, actual)
		}
	case "contains":
		if !strings.Contains(actual, want) {
			return fmt.Errorf("expected %q to contain %q", actual, want)
		}
	case "matches":
		re, err := regexp.Compile(want)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", want, err)
		}
		if !re.MatchString(actual) {
			return fmt.Errorf("expected %q to match %q", actual, want)
		}
	case "greaterThan", ">", "greaterThanOrEqual", ">=", "lessThan", "<", "lessThanOrEqual", "<=":
		a, err := resource.ParseQuantity(actual)
		if err != nil {
			return fmt.Errorf("value %q is not numeric", actual)
		}
		e, err := resource.ParseQuantity(want)
		if err != nil {
			return fmt.Errorf("expected value %q is not numeric", want)
		}
		cmp := a.Cmp(e)
		var ok bool
		switch operator {
		case "greaterThan", ">":
			ok = cmp > 0
		case "greaterThanOrEqual", ">=":
			ok = cmp >= 0
		case "lessThan", "<":
			ok = cmp < 0
		default:
			ok = cmp <= 0
		}
		if !ok {
			return fmt.Errorf("expected %s %s, got %s", operator, want, actual)
		}
	default:
		return fmt.Errorf("unknown operator: %s", operator)
	}
	return nil
}
