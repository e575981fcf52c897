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

package cleanup

import (
	"context"
	"fmt"
)

// Kind is the variant of a cleanup Action.
type Kind int

const (
	// KindCommand runs arbitrary code, e.g. a helm uninstall or closing a port-forward.
	KindCommand Kind = iota
	// KindNamespace deletes a namespace and waits for it to disappear.
	KindNamespace
	// KindCRD deletes a CustomResourceDefinition.
	KindCRD
	// KindClusterResource deletes any other cluster-scoped object.
	KindClusterResource
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindNamespace:
		return "namespace"
	case KindCRD:
		return "crd"
	case KindClusterResource:
		return "cluster-resource"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Action is one unit of deferred reclamation.
type Action struct {
	Kind Kind
	// Name is the namespace, CRD or object name. Unused for commands.
	Name string
	// ResourceKind is the object kind for KindClusterResource.
	ResourceKind string
	// Description labels commands in logs; derived for the other kinds.
	Description string
	// Run is the body of a KindCommand action.
	Run func(ctx context.Context) error

	primary  bool
	seq      uint64
	executed bool
}

// group is the execution rank: commands, primary namespace, additional
// namespaces, CRDs, cluster-scoped resources.
func (a *Action) group() int {
	switch a.Kind {
	case KindCommand:
		return 0
	case KindNamespace:
		if a.primary {
			return 1
		}
		return 2
	case KindCRD:
		return 3
	default:
		return 4
	}
}

func (a *Action) String() string {
	switch a.Kind {
	case KindCommand:
		if a.Description != "" {
			return a.Description
		}
		return "command"
	case KindNamespace:
		return "delete namespace " + a.Name
	case KindCRD:
		return "delete crd " + a.Name
	default:
		return fmt.Sprintf("delete %s %s", a.ResourceKind, a.Name)
	}
}
