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

package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntilImmediateSuccessDoesNotSleep(t *testing.T) {
	calls := 0
	start := time.Now()
	got, err := Until(context.Background(), Options{Timeout: time.Hour, Interval: time.Hour},
		func(context.Context) (string, error) {
			calls++
			return "Running", nil
		},
		func(phase string) bool { return phase == "Running" },
	)

	require.NoError(t, err)
	assert.Equal(t, "Running", got)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUntilEventuallySatisfied(t *testing.T) {
	calls := 0
	got, err := Until(context.Background(), Options{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond},
		func(context.Context) (int, error) {
			calls++
			return calls, nil
		},
		func(n int) bool { return n >= 3 },
	)

	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestUntilTimeoutWindow(t *testing.T) {
	timeout := 150 * time.Millisecond
	interval := 50 * time.Millisecond

	start := time.Now()
	_, err := Until(context.Background(), Options{Description: "never", Timeout: timeout, Interval: interval},
		func(context.Context) (bool, error) { return false, nil },
		func(b bool) bool { return b },
	)
	elapsed := time.Since(start)

	require.Error(t, err)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "never", timeoutErr.Description)
	assert.Equal(t, "false", timeoutErr.Last)
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+interval)
}

func TestUntilTreatsProbeErrorsAsNotYetSatisfied(t *testing.T) {
	notCreated := errors.New("pods \"worker-0\" not found")
	calls := 0
	got, err := Until(context.Background(), Options{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond},
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", notCreated
			}
			return "Ready", nil
		},
		func(s string) bool { return s == "Ready" },
	)

	require.NoError(t, err)
	assert.Equal(t, "Ready", got)
	assert.Equal(t, 3, calls)
}

func TestUntilTimeoutCarriesLastProbeError(t *testing.T) {
	notCreated := errors.New("not created yet")
	_, err := Until(context.Background(), Options{Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond},
		func(context.Context) (string, error) { return "", notCreated },
		func(string) bool { return true },
	)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.ErrorIs(t, err, notCreated)
}

func TestUntilCancellationAbortsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Until(ctx, Options{Timeout: time.Hour, Interval: time.Hour},
		func(context.Context) (bool, error) { return false, nil },
		func(b bool) bool { return b },
	)

	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestUntilReportsProgress(t *testing.T) {
	var reports int
	_, err := Until(context.Background(), Options{
		Timeout:          60 * time.Millisecond,
		Interval:         10 * time.Millisecond,
		ProgressInterval: time.Millisecond,
		OnProgress:       func(time.Duration) { reports++ },
	},
		func(context.Context) (bool, error) { return false, nil },
		func(b bool) bool { return b },
	)

	require.Error(t, err)
	assert.GreaterOrEqual(t, reports, 1)
}

func TestCondition(t *testing.T) {
	calls := 0
	err := Condition(context.Background(), Options{Timeout: time.Second, Interval: 5 * time.Millisecond},
		func(context.Context) (bool, error) {
			calls++
			return calls == 2, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestUntilFirstProgressAfterOneInterval(t *testing.T) {
	var elapsed []time.Duration
	_, err := Until(context.Background(), Options{
		Timeout:          50 * time.Millisecond,
		Interval:         5 * time.Millisecond,
		ProgressInterval: time.Hour,
		OnProgress:       func(d time.Duration) { elapsed = append(elapsed, d) },
	},
		func(context.Context) (bool, error) { return false, nil },
		func(b bool) bool { return b },
	)

	require.Error(t, err)
	assert.Empty(t, elapsed)
}
