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
	"context"
	"errors"
	"fmt"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilnet "k8s.io/apimachinery/pkg/util/net"
)

// ConnectivityError means the control plane could not be reached.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cluster unreachable during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ApplyError carries the API server's raw diagnostic for a rejected object,
// e.g. schema validation or an admission webhook denial.
type ApplyError struct {
	Ref        ResourceRef
	Diagnostic string
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s rejected: %s", e.Ref, e.Diagnostic)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// NotFoundError is returned only by operations that must distinguish
// "never existed" or "vanished" from other failures.
type NotFoundError struct {
	Ref ResourceRef
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Ref)
}

// IsConnectivity reports whether err is or wraps a *ConnectivityError.
func IsConnectivity(err error) bool {
	var c *ConnectivityError
	return errors.As(err, &c)
}

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsApplyError reports whether err is or wraps an *ApplyError.
func IsApplyError(err error) bool {
	var a *ApplyError
	return errors.As(err, &a)
}

func isUnreachable(err error) bool {
	if err == nil {
		return false
	}
	// A call cut off by its own deadline or cancellation is not an outage.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if utilnet.IsConnectionRefused(err) || utilnet.IsConnectionReset(err) || utilnet.IsProbableEOF(err) {
		return true
	}
	if apierrors.IsServiceUnavailable(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// wrap classifies err for op against ref.
func wrap(op string, ref ResourceRef, err error) error {
	if err == nil {
		return nil
	}
	if isUnreachable(err) {
		return &ConnectivityError{Op: fmt.Sprintf("%s %s", op, ref), Err: err}
	}
	return fmt.Errorf("failed to %s %s: %w", op, ref, err)
}
