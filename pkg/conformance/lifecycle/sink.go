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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"k8s.io/utils/clock"
)

// LogFileName is the run log written into the work directory.
const LogFileName = "result.log"

const rule = "=================================================="

// sink is the append-only run log, mirrored to stdout.
type sink struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	clock clock.PassiveClock
	tag   string
}

func openSink(workDir string, stdout io.Writer, clk clock.PassiveClock) (*sink, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir %s: %w", workDir, err)
	}
	path := filepath.Join(workDir, LogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log sink %s: %w", path, err)
	}
	return &sink{
		out:   io.MultiWriter(f, stdout),
		file:  f,
		clock: clk,
		tag:   "setup",
	}, nil
}

func (s *sink) setTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tag = tag
}

// line writes one tagged, timestamped line per input line.
func (s *sink) line(level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.clock.Now().UTC().Format("15:04:05")
	for _, l := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		if level == "" {
			fmt.Fprintf(s.out, "%s [%s] %s\n", ts, s.tag, l)
		} else {
			fmt.Fprintf(s.out, "%s [%s] %s: %s\n", ts, s.tag, level, l)
		}
	}
}

// raw writes text unaltered.
func (s *sink) raw(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.out, text)
}

func (s *sink) close() error {
	return s.file.Close()
}

// logger routes contextual library logs into the sink.
func (s *sink) logger(verbosity int) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			s.line("", prefix+": "+args)
			return
		}
		s.line("", args)
	}, funcr.Options{Verbosity: verbosity})
}

func formatHeader(name, description string, start time.Time, namespace, runID string) string {
	var b strings.Builder
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Test:        %s\n", name)
	fmt.Fprintf(&b, "Description: %s\n", description)
	fmt.Fprintf(&b, "Started:     %s\n", start.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Namespace:   %s\n", namespace)
	fmt.Fprintf(&b, "Run ID:      %s\n", runID)
	b.WriteString(rule + "\n")
	return b.String()
}

func formatOutput(label, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "----- begin %s -----\n", label)
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "----- end %s -----\n", label)
	return b.String()
}
