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
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/volcano-sh/ai-conformance/pkg/conformance/cleanup"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/cluster"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/deployer"
	"github.com/volcano-sh/ai-conformance/pkg/conformance/lifecycle"
)

const (
	GatewayAPIProbeName = "gateway-api"
	conformanceGateway  = "conformance-gateway"

	// The optional gateway implementation lives outside the probe namespace
	// so its release survives namespace overrides.
	gatewayRelease         = "conformance-gateway-impl"
	gatewaySystemNamespace = "conformance-gateway-system"
	gatewayInstallTimeout  = 5 * time.Minute
)

var gatewayGroupVersion = schema.GroupVersion{Group: gatewayv1.GroupName, Version: "v1"}

func init() {
	DefaultRegistry.Register(Definition{
		Name:                 GatewayAPIProbeName,
		Description:          "Gateway API v1 is served and a Gateway is accepted by the configured class",
		AdditionalNamespaces: []string{gatewaySystemNamespace},
		Preflight:            gatewayPreflight,
		New:                  newGatewayAPIProbe,
	})
}

// gatewayPreflight reclaims a release left by an interrupted run.
func gatewayPreflight(env Env, reg *cleanup.Registry) {
	if env.Config.Probes.Gateway.Chart != "" && env.Deployer != nil {
		reg.HelmUninstall(env.Deployer, gatewayRelease, gatewaySystemNamespace)
	}
}

func installGateway(run *lifecycle.Run, env Env) {
	gc := env.Config.Probes.Gateway
	run.Step("Install gateway implementation " + gc.Chart)
	if env.Deployer == nil {
		run.Fatalf("gateway chart %s is configured but helm is not available", gc.Chart)
	}
	run.FatalIfErr(run.EnsureNamespace(gatewaySystemNamespace), "failed to create namespace")
	run.Cleanup().HelmUninstall(env.Deployer, gatewayRelease, gatewaySystemNamespace)
	rel, err := env.Deployer.Install(run.Context(), deployer.Release{
		Name:      gatewayRelease,
		Namespace: gatewaySystemNamespace,
		Chart:     gc.Chart,
		Values:    gc.Values,
		Wait:      true,
		Timeout:   gatewayInstallTimeout,
	})
	run.FatalIfErr(err, "failed to install gateway implementation")
	run.Logf("Installed %s revision %d (%s)", rel.Name, rel.Version, rel.Info.Status)
}

func newGatewayAPIProbe(env Env) lifecycle.Probe {
	className := env.Config.Probes.Gateway.ClassName
	return func(run *lifecycle.Run) error {
		if env.Config.Probes.Gateway.Chart != "" {
			installGateway(run, env)
		}

		run.Step("Gateway API discovery")
		if !versionServed(run, "gateway-api-v1-served", gatewayGroupVersion) {
			run.Conclude()
		}
		for _, resource := range []string{"gatewayclasses", "gateways", "httproutes"} {
			resourceServed(run, resource+"-served", resource, gatewayv1.GroupName)
		}

		if className == "" {
			run.Warnf("no gateway class configured, skipping Gateway admission checks")
			return nil
		}

		run.Step("GatewayClass " + className)
		classRef := cluster.ResourceRef{Kind: "gatewayclasses." + gatewayv1.GroupName, Name: className}
		if !waitFor(run, "gatewayclass-accepted", classRef, conditionStatus(string(gatewayv1.GatewayClassConditionStatusAccepted)), string(metav1.ConditionTrue)) {
			run.Conclude()
		}

		run.Step("Gateway admission")
		run.FatalIfErr(run.EnsureNamespace(run.Namespace()), "failed to create namespace")
		gw := &gatewayv1.Gateway{
			TypeMeta:   typeMeta(gatewayGroupVersion, "Gateway"),
			ObjectMeta: metav1.ObjectMeta{Name: conformanceGateway},
			Spec: gatewayv1.GatewaySpec{
				GatewayClassName: gatewayv1.ObjectName(className),
				Listeners: []gatewayv1.Listener{{
					Name:     "http",
					Port:     gatewayv1.PortNumber(80),
					Protocol: gatewayv1.HTTPProtocolType,
				}},
			},
		}
		run.FatalIfErr(apply(run, gw), "failed to create Gateway")

		gwRef := cluster.ResourceRef{Kind: "gateways." + gatewayv1.GroupName, Name: conformanceGateway, Namespace: run.Namespace()}
		waitFor(run, "gateway-accepted", gwRef, conditionStatus(string(gatewayv1.GatewayConditionAccepted)), string(metav1.ConditionTrue))
		waitFor(run, "gateway-programmed", gwRef, conditionStatus(string(gatewayv1.GatewayConditionProgrammed)), string(metav1.ConditionTrue))
		return nil
	}
}
