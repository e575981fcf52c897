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

package config

import (
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation"
)

var helmDrivers = sets.New("secret", "secrets", "configmap", "configmaps", "memory", "sql")

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}
	messages := make([]string, 0, len(ve))
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

func (ve *ValidationErrors) Add(field, message string, value interface{}) {
	*ve = append(*ve, ValidationError{Field: field, Value: value, Message: message})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs ValidationErrors

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"pollInterval", c.PollInterval.Duration},
		{"pollTimeout", c.PollTimeout.Duration},
		{"namespaceTimeout", c.NamespaceTimeout.Duration},
		{"interruptGrace", c.InterruptGrace.Duration},
	} {
		if d.value <= 0 {
			errs.Add(d.field, "must be positive", d.value)
		}
	}
	if c.PollInterval.Duration > 0 && c.PollTimeout.Duration > 0 && c.PollInterval.Duration > c.PollTimeout.Duration {
		errs.Add("pollInterval", fmt.Sprintf("must not exceed pollTimeout (%v)", c.PollTimeout.Duration), c.PollInterval.Duration)
	}
	if c.WorkDir == "" {
		errs.Add("workDir", "is required", c.WorkDir)
	}
	if c.Namespace != "" {
		for _, msg := range validation.IsDNS1123Label(c.Namespace) {
			errs.Add("namespace", msg, c.Namespace)
		}
	}
	if !helmDrivers.Has(c.HelmDriver) {
		errs.Add("helmDriver", fmt.Sprintf("must be one of %s", strings.Join(sets.List(helmDrivers), ", ")), c.HelmDriver)
	}
	if c.Verbosity < 0 {
		errs.Add("verbosity", "must not be negative", c.Verbosity)
	}

	m := c.Probes.Metrics
	if m.Port != 0 {
		for _, msg := range validation.IsValidPortNum(m.Port) {
			errs.Add("probes.metrics.port", msg, m.Port)
		}
	}
	for i, q := range m.Queries {
		if strings.TrimSpace(q) == "" {
			errs.Add(fmt.Sprintf("probes.metrics.queries[%d]", i), "must not be empty", q)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
