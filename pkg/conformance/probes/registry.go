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

// Package probes holds the built-in conformance probes, one per requirement.
package probes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cleanup"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/config"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/deployer"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
)

// Env is what a probe may depend on besides its Run.
type Env struct {
	Config config.Config
	// Deployer is nil when helm is not configured.
	Deployer *deployer.Deployer
}

// Definition describes one registered probe.
type Definition struct {
	Name        string
	Description string
	// Namespace defaults to conformance-<Name>.
	Namespace            string
	AdditionalNamespaces []string
	// Preflight registers reclamation of state outside the probe's namespaces.
	Preflight func(env Env, reg *cleanup.Registry)
	New       func(env Env) lifecycle.Probe
}

// LifecycleOptions fills the run identity of base from the definition.
func (d Definition) LifecycleOptions(env Env, base lifecycle.Options) lifecycle.Options {
	base.Name = d.Name
	base.Description = d.Description
	if base.Namespace == "" {
		base.Namespace = d.Namespace
	}
	if base.Namespace == "" {
		base.Namespace = "conformance-" + d.Name
	}
	base.AdditionalNamespaces = append(base.AdditionalNamespaces, d.AdditionalNamespaces...)
	if d.Preflight != nil {
		base.Preflight = func(reg *cleanup.Registry) { d.Preflight(env, reg) }
	}
	return base
}

type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

// Register adds def. Registering a name twice is a programming error.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Name == "" || def.New == nil {
		panic("probes: Register requires a name and a constructor")
	}
	if _, dup := r.defs[def.Name]; dup {
		panic(fmt.Sprintf("probes: Register called twice for %s", def.Name))
	}
	r.defs[def.Name] = def
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
