/*
Copyright 2020 The Flux authors

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

package router

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gomodules.xyz/jsonpatch/v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	smiv1alpha3 "github.com/fluxcd/trafficrouter/pkg/apis/smi/v1alpha3"
	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
	"github.com/fluxcd/trafficrouter/pkg/hint"
)

const (
	smiSplitKey = "split"
	smiSpecsKey = "specs"

	smiTrafficSplitSuffix    = "-traffic-split"
	smiTrafficSplitDefault   = "traffic-routing-traffic-split"
	smiHTTPRouteGroupSuffix  = "-http-route-group"
	smiHTTPRouteGroupDefault = "traffic-routing-http-route-group"
)

// SMICreator is managing SMI traffic splits and their HTTP route groups
type SMICreator struct{}

func (sc *SMICreator) ProviderVersions() map[string][]string {
	return map[string][]string{
		smiSplitKey: {
			smiv1alpha3.SplitGroupName + "/v1alpha4",
			smiv1alpha3.SplitGroupName + "/v1alpha3",
			smiv1alpha3.SplitGroupName + "/v1alpha2",
		},
		smiSpecsKey: {
			smiv1alpha3.SpecsGroupName + "/v1alpha4",
			smiv1alpha3.SpecsGroupName + "/v1alpha3",
		},
	}
}

func (sc *SMICreator) Kind() string {
	return smiv1alpha3.TrafficSplitKind
}

func (sc *SMICreator) Plural() string {
	return smiv1alpha3.TrafficSplitPlural
}

// Manifests renders a traffic split and one HTTP route group per route with rules
func (sc *SMICreator) Manifests(cfg *trafficv1.TrafficRoutingConfig, namespace, releaseName, stableName, stageName string,
	apiVersions map[string]string, logger *zap.SugaredLogger) ([]string, error) {
	if cfg == nil {
		return nil, hint.InvalidArgumentf("traffic routing config is missing")
	}

	rootService := stableName
	if cfg.ProviderConfig.SMI != nil && cfg.ProviderConfig.SMI.RootService != "" {
		rootService = cfg.ProviderConfig.SMI.RootService
	}
	if rootService == "" {
		return nil, hint.New("Define the root service in the SMI provider config or the stable service name",
			hint.InvalidArgumentf("root service is missing for TrafficSplit"))
	}

	destinations, err := normalizedDestinations(cfg, stableName, stageName, logger)
	if err != nil {
		return nil, err
	}

	var manifests []string
	var matches []corev1.TypedLocalObjectReference
	for i, route := range cfg.Routes {
		if len(route.Rules) == 0 {
			continue
		}
		if route.RouteType != "" && route.RouteType != trafficv1.RouteTypeHTTP {
			logger.Warnf("Route %d of type %s is not supported by TrafficSplit and will be skipped", i, route.RouteType)
			continue
		}

		group, err := sc.httpRouteGroup(route, i, namespace, releaseName, stableName, apiVersions)
		if err != nil {
			return nil, err
		}
		data, err := yaml.Marshal(group)
		if err != nil {
			return nil, fmt.Errorf("HTTPRouteGroup %s.%s marshal error %w", group.Name, namespace, err)
		}
		manifests = append(manifests, string(data))
		matches = append(matches, corev1.TypedLocalObjectReference{
			APIGroup: ptr.To(smiv1alpha3.SpecsGroupName),
			Kind:     smiv1alpha3.HTTPRouteGroupKind,
			Name:     group.Name,
		})
	}

	ts := smiv1alpha3.TrafficSplit{
		TypeMeta: metav1.TypeMeta{
			APIVersion: sc.apiVersion(apiVersions, smiSplitKey),
			Kind:       smiv1alpha3.TrafficSplitKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:        ResourceName(stableName, smiTrafficSplitSuffix, smiTrafficSplitDefault),
			Namespace:   namespace,
			Labels:      resourceLabels(releaseName, nil),
			Annotations: resourceAnnotations(nil),
		},
		Spec: smiv1alpha3.TrafficSplitSpec{
			Service:  rootService,
			Backends: smiBackends(destinations),
			Matches:  matches,
		},
	}

	data, err := yaml.Marshal(ts)
	if err != nil {
		return nil, fmt.Errorf("TrafficSplit %s.%s marshal error %w", ts.Name, namespace, err)
	}

	// route groups are applied before the split that references them
	return append(manifests, string(data)), nil
}

// SwapPatch routes all the traffic of the split to the stable service
func (sc *SMICreator) SwapPatch(stable, stage string) ([]byte, error) {
	if stable == "" || stage == "" {
		return nil, nil
	}
	backends := []smiv1alpha3.TrafficSplitBackend{
		{Service: stable, Weight: ptr.To(100)},
		{Service: stage, Weight: ptr.To(0)},
	}
	return encodePatch([]jsonpatch.Operation{jsonpatch.NewOperation("replace", "/spec/backends", backends)})
}

// GenerateTrafficRoutingPatch replaces the backends of the live traffic split
// when the configured weights change them
func (sc *SMICreator) GenerateTrafficRoutingPatch(cfg *trafficv1.TrafficRoutingConfig, live *unstructured.Unstructured,
	logger *zap.SugaredLogger) ([]byte, error) {
	if cfg == nil || live == nil {
		return nil, hint.InvalidArgumentf("traffic routing config and live TrafficSplit are required")
	}

	ts := &smiv1alpha3.TrafficSplit{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(live.Object, ts); err != nil {
		return nil, fmt.Errorf("TrafficSplit %s.%s decoding error %w", live.GetName(), live.GetNamespace(), err)
	}
	if len(ts.Spec.Backends) == 0 {
		return nil, nil
	}

	configured := ToWeightMap(cfg.Destinations, destinationHostWeight)
	liveDestinations := ToWeightMap(ts.Spec.Backends, func(b smiv1alpha3.TrafficSplitBackend) (string, *int) {
		return b.Service, b.Weight
	})

	route := fmt.Sprintf("TrafficSplit %s.%s backends", ts.Name, ts.Namespace)
	result, changed := reconcileDestinations(configured, liveDestinations, route, logger)
	if !changed {
		return nil, nil
	}

	return encodePatch([]jsonpatch.Operation{jsonpatch.NewOperation("replace", "/spec/backends", smiBackends(result))})
}

// Weights reads the backend weights of a traffic split
func (sc *SMICreator) Weights(obj *unstructured.Unstructured) (map[string]int, error) {
	ts := &smiv1alpha3.TrafficSplit{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, ts); err != nil {
		return nil, fmt.Errorf("TrafficSplit %s.%s decoding error %w", obj.GetName(), obj.GetNamespace(), err)
	}
	return trafficShares(ToWeightMap(ts.Spec.Backends, func(b smiv1alpha3.TrafficSplitBackend) (string, *int) {
		return b.Service, b.Weight
	})), nil
}

func (sc *SMICreator) apiVersion(apiVersions map[string]string, key string) string {
	if v, ok := apiVersions[key]; ok && v != "" {
		return v
	}
	return sc.ProviderVersions()[key][0]
}

func (sc *SMICreator) httpRouteGroup(route trafficv1.TrafficRoute, index int, namespace, releaseName, stableName string,
	apiVersions map[string]string) (*smiv1alpha3.HTTPRouteGroup, error) {
	matches := make([]smiv1alpha3.HTTPMatch, 0, len(route.Rules))
	for i, rule := range route.Rules {
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", strings.ToLower(string(rule.RuleType)), i)
		}
		match := smiv1alpha3.HTTPMatch{Name: name}
		switch rule.RuleType {
		case trafficv1.RuleTypeURI:
			match.PathRegex = smiPathRegex(rule.MatchType, rule.Value)
		case trafficv1.RuleTypeMethod:
			match.Methods = []string{strings.ToUpper(rule.Value)}
		case trafficv1.RuleTypeHeader:
			if len(rule.HeaderConfigs) == 0 {
				return nil, hint.InvalidArgumentf("header rule %s has no header configs", name)
			}
			match.Headers = make(map[string]string, len(rule.HeaderConfigs))
			for _, hc := range rule.HeaderConfigs {
				match.Headers[hc.Key] = hc.Value
			}
		default:
			return nil, hint.InvalidArgumentf("rule type %q is not supported by HTTPRouteGroup", rule.RuleType)
		}
		matches = append(matches, match)
	}

	base := stableName
	suffix := fmt.Sprintf("%s-%d", smiHTTPRouteGroupSuffix, index)
	return &smiv1alpha3.HTTPRouteGroup{
		TypeMeta: metav1.TypeMeta{
			APIVersion: sc.apiVersion(apiVersions, smiSpecsKey),
			Kind:       smiv1alpha3.HTTPRouteGroupKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:        ResourceName(base, suffix, fmt.Sprintf("%s-%d", smiHTTPRouteGroupDefault, index)),
			Namespace:   namespace,
			Labels:      resourceLabels(releaseName, nil),
			Annotations: resourceAnnotations(nil),
		},
		Spec: smiv1alpha3.HTTPRouteGroupSpec{Matches: matches},
	}, nil
}

func smiPathRegex(matchType trafficv1.MatchType, value string) string {
	switch matchType {
	case trafficv1.MatchTypeRegex:
		return value
	case trafficv1.MatchTypePrefix:
		return regexp.QuoteMeta(value) + ".*"
	default:
		return regexp.QuoteMeta(value)
	}
}

func smiBackends(d *Destinations) []smiv1alpha3.TrafficSplitBackend {
	return FromWeightMap(d, func(host string, weight *int) smiv1alpha3.TrafficSplitBackend {
		return smiv1alpha3.TrafficSplitBackend{Service: host, Weight: weight}
	})
}
