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

// Package poll provides the bounded "wait until condition or timeout"
// primitive used by every convergence check in a conformance run.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const (
	// DefaultInterval is used when Options.Interval is zero.
	DefaultInterval = 2 * time.Second
	// DefaultTimeout is used when Options.Timeout is zero.
	DefaultTimeout = 2 * time.Minute
	// DefaultProgressInterval is used when Options.ProgressInterval is zero.
	DefaultProgressInterval = 30 * time.Second
)

// Options bounds a single polling loop.
type Options struct {
	// Description names what is being waited for in logs and errors.
	Description string
	Timeout     time.Duration
	Interval    time.Duration
	// ProgressInterval throttles "still waiting" log lines. Negative disables them.
	ProgressInterval time.Duration
	// OnProgress is invoked alongside each progress log line.
	OnProgress func(elapsed time.Duration)
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ProgressInterval == 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.Description == "" {
		o.Description = "condition"
	}
	return o
}

// TimeoutError is returned when the predicate never held within the timeout.
type TimeoutError struct {
	Description string
	Timeout     time.Duration
	// LastErr is the most recent probe error, if the last observation failed.
	LastErr error
	// Last is a printable form of the last observed state.
	Last string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %v waiting for %s", e.Timeout, e.Description)
	if e.Last != "" {
		msg += fmt.Sprintf(" (last observed: %s)", e.Last)
	}
	if e.LastErr != nil {
		msg += fmt.Sprintf(": %v", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// Until calls probe until pred holds for its result or the timeout elapses.
// The probe runs once before any sleep. Probe errors are treated as "not yet
// satisfied". Cancellation of ctx aborts immediately with ctx's error; an
// expired timeout returns *TimeoutError.
func Until[T any](ctx context.Context, opts Options, probe func(context.Context) (T, error), pred func(T) bool) (T, error) {
	opts = opts.withDefaults()
	logger := klog.FromContext(ctx).WithValues("waitingFor", opts.Description)

	var (
		last     T
		observed bool
		lastErr  error
	)
	start := time.Now()
	progress := rate.Sometimes{Interval: opts.ProgressInterval}
	// Sometimes fires on its first Do; consume it so the first report comes
	// one interval in.
	progress.Do(func() {})

	err := wait.PollUntilContextTimeout(ctx, opts.Interval, opts.Timeout, true, func(ctx context.Context) (bool, error) {
		state, err := probe(ctx)
		if err != nil {
			lastErr = err
		} else {
			last, observed, lastErr = state, true, nil
			if pred(state) {
				return true, nil
			}
		}
		if opts.ProgressInterval > 0 {
			progress.Do(func() {
				elapsed := time.Since(start).Round(time.Second)
				logger.Info("Still waiting", "elapsed", elapsed, "timeout", opts.Timeout)
				if opts.OnProgress != nil {
					opts.OnProgress(elapsed)
				}
			})
		}
		return false, nil
	})
	if err == nil {
		return last, nil
	}
	if ctx.Err() != nil {
		return last, fmt.Errorf("waiting for %s: %w", opts.Description, ctx.Err())
	}

	timeoutErr := &TimeoutError{Description: opts.Description, Timeout: opts.Timeout, LastErr: lastErr}
	if observed {
		timeoutErr.Last = fmt.Sprintf("%v", last)
	}
	return last, timeoutErr
}

// Condition is Until for probes that already evaluate their own predicate.
func Condition(ctx context.Context, opts Options, cond func(context.Context) (bool, error)) error {
	_, err := Until(ctx, opts, cond, func(done bool) bool { return done })
	return err
}

// IsTimeout reports whether err is (or wraps) a *TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
