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

// Package results accumulates named sub-check verdicts for one run.
package results

import (
	"fmt"
	"strings"
	"sync"
)

// Entry is one recorded sub-check.
type Entry struct {
	Name    string
	Passed  bool
	Message string
}

// Recorder keeps entries in first-recorded order; re-recording a name
// overwrites its verdict in place.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]int
}

func NewRecorder() *Recorder {
	return &Recorder{index: make(map[string]int)}
}

func (r *Recorder) Record(name string, passed bool) {
	r.RecordResult(name, Result{Passed: passed})
}

// RecordResult records a Result, keeping its message for the summary.
func (r *Recorder) RecordResult(name string, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := Entry{Name: name, Passed: res.Passed, Message: res.Message}
	if i, ok := r.index[name]; ok {
		r.entries[i] = entry
		return
	}
	r.index[name] = len(r.entries)
	r.entries = append(r.entries, entry)
}

// AllPassed is false iff some entry failed. It is vacuously true with no entries.
func (r *Recorder) AllPassed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if !e.Passed {
			return false
		}
	}
	return true
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Recorder) Summarize() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Report{Entries: append([]Entry(nil), r.entries...)}
}

// Report is a snapshot of a Recorder.
type Report struct {
	Entries []Entry
}

func (r Report) Passed() int {
	n := 0
	for _, e := range r.Entries {
		if e.Passed {
			n++
		}
	}
	return n
}

func (r Report) Failed() []string {
	var failed []string
	for _, e := range r.Entries {
		if !e.Passed {
			failed = append(failed, e.Name)
		}
	}
	return failed
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-checks (%d):\n", len(r.Entries))
	if len(r.Entries) == 0 {
		b.WriteString("  (none recorded)\n")
	}
	for _, e := range r.Entries {
		mark := "✓"
		if !e.Passed {
			mark = "✗"
		}
		if e.Message != "" {
			fmt.Fprintf(&b, "  %s %s: %s\n", mark, e.Name, e.Message)
		} else {
			fmt.Fprintf(&b, "  %s %s\n", mark, e.Name)
		}
	}
	fmt.Fprintf(&b, "Result: %d of %d passed\n", r.Passed(), len(r.Entries))
	return b.String()
}
