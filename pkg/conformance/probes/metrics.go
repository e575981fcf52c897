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

package probes

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/poll"
)

const AcceleratorMetricsProbeName = "accelerator-metrics"

func init() {
	DefaultRegistry.Register(Definition{
		Name:        AcceleratorMetricsProbeName,
		Description: "Accelerator metrics are exposed through Prometheus",
		New:         newAcceleratorMetricsProbe,
	})
}

// metricsQuerier runs instant queries against one Prometheus.
type metricsQuerier struct {
	api promv1.API
}

func newMetricsQuerier(address string, httpClient *http.Client) (*metricsQuerier, error) {
	client, err := promapi.NewClient(promapi.Config{
		Address: address,
		Client:  httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &metricsQuerier{api: promv1.NewAPI(client)}, nil
}

// retryingHTTPClient absorbs the transient resets of a fresh port-forward.
func retryingHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	return rc.StandardClient()
}

func (q *metricsQuerier) sample(ctx context.Context, query string) (model.Vector, error) {
	result, warnings, err := q.api.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}
	if len(warnings) > 0 {
		klog.FromContext(ctx).Info("Prometheus warnings", "query", query, "warnings", warnings)
	}

	switch v := result.(type) {
	case model.Vector:
		return v, nil
	case *model.Scalar:
		return model.Vector{{Metric: model.Metric{}, Value: v.Value, Timestamp: v.Timestamp}}, nil
	default:
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}
}

func newAcceleratorMetricsProbe(env Env) lifecycle.Probe {
	mc := env.Config.Probes.Metrics
	return func(run *lifecycle.Run) error {
		run.Step(fmt.Sprintf("Connect to Prometheus %s/%s", mc.Namespace, mc.Service))
		pf, err := run.Client().PortForward(run.Context(), cluster.PortForwardRequest{
			Target:     cluster.ResourceRef{Kind: "service", Name: mc.Service, Namespace: mc.Namespace},
			RemotePort: mc.Port,
		})
		run.FatalIfErr(err, "failed to port-forward to Prometheus")
		run.Cleanup().Closer("close Prometheus port-forward", pf)

		q, err := newMetricsQuerier(pf.URL(""), retryingHTTPClient())
		run.FatalIfErr(err, "failed to connect to Prometheus")
		checkMetrics(run, q, mc.Queries)
		return nil
	}
}

// checkMetrics records one sub-check per query: the query must return at
// least one sample before the poll timeout.
func checkMetrics(run *lifecycle.Run, q *metricsQuerier, queries []string) {
	run.Step("Accelerator metrics")
	for _, query := range queries {
		vec, err := poll.Until(run.Context(), run.PollOptions("samples of "+query),
			func(ctx context.Context) (model.Vector, error) { return q.sample(ctx, query) },
			func(v model.Vector) bool { return len(v) > 0 })
		if record(run, "metric "+query, err) {
			run.Output(query, vec.String())
		}
	}
}
