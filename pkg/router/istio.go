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
	"strconv"

	"go.uber.org/zap"
	"gomodules.xyz/jsonpatch/v2"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	istiov1beta1 "github.com/fluxcd/trafficrouter/pkg/apis/istio/v1beta1"
	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
	"github.com/fluxcd/trafficrouter/pkg/hint"
)

const (
	istioNetworkingKey   = "networking"
	istioResourceSuffix  = "-virtual-service"
	istioDefaultResource = "traffic-routing-virtual-service"
)

// IstioCreator is managing Istio virtual services
type IstioCreator struct{}

func (ic *IstioCreator) ProviderVersions() map[string][]string {
	return map[string][]string{
		istioNetworkingKey: {
			istiov1beta1.GroupName + "/v1",
			istiov1beta1.GroupName + "/v1beta1",
			istiov1beta1.GroupName + "/v1alpha3",
		},
	}
}

func (ic *IstioCreator) Kind() string {
	return istiov1beta1.VirtualServiceKind
}

func (ic *IstioCreator) Plural() string {
	return istiov1beta1.VirtualServicePlural
}

// Manifests renders a virtual service with one HTTP route per configured route
func (ic *IstioCreator) Manifests(cfg *trafficv1.TrafficRoutingConfig, namespace, releaseName, stableName, stageName string,
	apiVersions map[string]string, logger *zap.SugaredLogger) ([]string, error) {
	if cfg == nil {
		return nil, hint.InvalidArgumentf("traffic routing config is missing")
	}

	hosts, err := ic.hosts(cfg, stableName, stageName)
	if err != nil {
		return nil, err
	}

	if cfg.Routes == nil {
		return nil, hint.New("Define at least one route in the Traffic Routing configuration",
			hint.InvalidArgumentf("routes are missing for VirtualService"))
	}

	destinations, err := normalizedDestinations(cfg, stableName, stageName, logger)
	if err != nil {
		return nil, err
	}

	httpRoutes, err := ic.httpRoutes(cfg.Routes, destinations, logger)
	if err != nil {
		return nil, err
	}

	var gateways []string
	if cfg.ProviderConfig.Istio != nil {
		gateways = cfg.ProviderConfig.Istio.Gateways
	}

	vs := istiov1beta1.VirtualService{
		TypeMeta: metav1.TypeMeta{
			APIVersion: ic.apiVersion(apiVersions),
			Kind:       istiov1beta1.VirtualServiceKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:        ResourceName(stableName, istioResourceSuffix, istioDefaultResource),
			Namespace:   namespace,
			Labels:      resourceLabels(releaseName, nil),
			Annotations: resourceAnnotations(nil),
		},
		Spec: istiov1beta1.VirtualServiceSpec{
			Hosts:    hosts,
			Gateways: gateways,
			Http:     httpRoutes,
		},
	}

	data, err := yaml.Marshal(vs)
	if err != nil {
		return nil, fmt.Errorf("VirtualService %s.%s marshal error %w", vs.Name, namespace, err)
	}
	return []string{string(data)}, nil
}

// SwapPatch routes all the HTTP traffic to the stable service
func (ic *IstioCreator) SwapPatch(stable, stage string) ([]byte, error) {
	if stable == "" || stage == "" {
		return nil, nil
	}
	routes := []istiov1beta1.HTTPRoute{
		{
			Route: []istiov1beta1.HTTPRouteDestination{
				{Destination: istiov1beta1.Destination{Host: stable}, Weight: ptr.To(100)},
				{Destination: istiov1beta1.Destination{Host: stage}, Weight: ptr.To(0)},
			},
		},
	}
	return encodePatch([]jsonpatch.Operation{jsonpatch.NewOperation("replace", "/spec/http", routes)})
}

// GenerateTrafficRoutingPatch builds one replace operation per HTTP, TCP or TLS
// route entry of the live virtual service whose destination weights change
func (ic *IstioCreator) GenerateTrafficRoutingPatch(cfg *trafficv1.TrafficRoutingConfig, live *unstructured.Unstructured,
	logger *zap.SugaredLogger) ([]byte, error) {
	if cfg == nil || live == nil {
		return nil, hint.InvalidArgumentf("traffic routing config and live VirtualService are required")
	}

	vs := &istiov1beta1.VirtualService{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(live.Object, vs); err != nil {
		return nil, fmt.Errorf("VirtualService %s.%s decoding error %w", live.GetName(), live.GetNamespace(), err)
	}

	configured := ToWeightMap(cfg.Destinations, destinationHostWeight)

	lists := []struct {
		name   string
		routes [][]weightedHost
	}{
		{name: "http", routes: istioHTTPDestinations(vs.Spec.Http)},
		{name: "tcp", routes: istioL4Destinations(tcpRouteDestinations(vs.Spec.Tcp))},
		{name: "tls", routes: istioL4Destinations(tlsRouteDestinations(vs.Spec.Tls))},
	}

	var ops []jsonpatch.Operation
	for _, list := range lists {
		if len(list.routes) == 0 {
			continue
		}
		entries, _, err := unstructured.NestedSlice(live.Object, "spec", list.name)
		if err != nil {
			return nil, fmt.Errorf("VirtualService %s.%s %s routes query error %w", vs.Name, vs.Namespace, list.name, err)
		}

		for i, hosts := range list.routes {
			liveDestinations := hostWeights(hosts)
			route := fmt.Sprintf("VirtualService %s.%s %s route %d", vs.Name, vs.Namespace, list.name, i)
			result, changed := reconcileDestinations(configured, liveDestinations, route, logger)
			if !changed {
				continue
			}

			entry, ok := entries[i].(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s has an unexpected format", route)
			}
			rawDestinations, _ := entry["route"].([]interface{})
			value := patchedRouteDestinations(rawDestinations, result)
			ops = append(ops, jsonpatch.NewOperation("replace", fmt.Sprintf("/spec/%s/%d/route", list.name, i), value))
		}
	}

	return encodePatch(ops)
}

// Weights reads the destination weights of the first HTTP route, or of the
// first TCP or TLS route of a virtual service without HTTP routes
func (ic *IstioCreator) Weights(obj *unstructured.Unstructured) (map[string]int, error) {
	vs := &istiov1beta1.VirtualService{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, vs); err != nil {
		return nil, fmt.Errorf("VirtualService %s.%s decoding error %w", obj.GetName(), obj.GetNamespace(), err)
	}
	for _, routes := range [][][]weightedHost{
		istioHTTPDestinations(vs.Spec.Http),
		istioL4Destinations(tcpRouteDestinations(vs.Spec.Tcp)),
		istioL4Destinations(tlsRouteDestinations(vs.Spec.Tls)),
	} {
		if len(routes) > 0 && len(routes[0]) > 0 {
			return trafficShares(hostWeights(routes[0])), nil
		}
	}
	return map[string]int{}, nil
}

func (ic *IstioCreator) hosts(cfg *trafficv1.TrafficRoutingConfig, stableName, stageName string) ([]string, error) {
	var hosts []string
	if cfg.ProviderConfig.Istio != nil {
		for _, h := range cfg.ProviderConfig.Istio.Hosts {
			host, err := UpdatePlaceholders(h, stableName, stageName)
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 && stableName != "" {
		hosts = []string{stableName}
	}
	if len(hosts) == 0 {
		return nil, hint.New("Define the VirtualService hosts or the stable service name",
			hint.InvalidArgumentf("hosts are missing for VirtualService"))
	}
	return hosts, nil
}

func (ic *IstioCreator) apiVersion(apiVersions map[string]string) string {
	if v, ok := apiVersions[istioNetworkingKey]; ok && v != "" {
		return v
	}
	return ic.ProviderVersions()[istioNetworkingKey][0]
}

func (ic *IstioCreator) httpRoutes(routes []trafficv1.TrafficRoute, destinations *Destinations,
	logger *zap.SugaredLogger) ([]istiov1beta1.HTTPRoute, error) {
	routeDestinations := FromWeightMap(destinations, func(host string, weight *int) istiov1beta1.HTTPRouteDestination {
		return istiov1beta1.HTTPRouteDestination{
			Destination: istiov1beta1.Destination{Host: host},
			Weight:      weight,
		}
	})

	var result []istiov1beta1.HTTPRoute
	for i, route := range routes {
		if route.RouteType != "" && route.RouteType != trafficv1.RouteTypeHTTP {
			logger.Warnf("Route %d of type %s is not supported by VirtualService and will be skipped", i, route.RouteType)
			continue
		}
		match, err := istioMatchRequests(route.Rules)
		if err != nil {
			return nil, err
		}
		result = append(result, istiov1beta1.HTTPRoute{
			Match: match,
			Route: routeDestinations,
		})
	}

	if len(result) == 0 {
		result = append(result, istiov1beta1.HTTPRoute{Route: routeDestinations})
	}
	return result, nil
}

func istioMatchRequests(rules []trafficv1.TrafficRouteRule) ([]istiov1beta1.HTTPMatchRequest, error) {
	var result []istiov1beta1.HTTPMatchRequest
	for _, rule := range rules {
		match := istiov1beta1.HTTPMatchRequest{Name: rule.Name}
		switch rule.RuleType {
		case trafficv1.RuleTypeURI:
			match.Uri = istioStringMatch(rule.MatchType, rule.Value)
		case trafficv1.RuleTypeScheme:
			match.Scheme = istioStringMatch(rule.MatchType, rule.Value)
		case trafficv1.RuleTypeMethod:
			match.Method = istioStringMatch(rule.MatchType, rule.Value)
		case trafficv1.RuleTypeAuthority:
			match.Authority = istioStringMatch(rule.MatchType, rule.Value)
		case trafficv1.RuleTypeHeader:
			if len(rule.HeaderConfigs) == 0 {
				return nil, hint.InvalidArgumentf("header rule %s has no header configs", rule.Name)
			}
			match.Headers = make(map[string]istiov1beta1.StringMatch, len(rule.HeaderConfigs))
			for _, hc := range rule.HeaderConfigs {
				match.Headers[hc.Key] = *istioStringMatch(hc.MatchType, hc.Value)
			}
		case trafficv1.RuleTypePort:
			port, err := strconv.ParseUint(rule.Value, 10, 32)
			if err != nil {
				return nil, hint.InvalidArgumentf("port rule %s value %q is not a port number", rule.Name, rule.Value)
			}
			match.Port = uint32(port)
		default:
			return nil, hint.InvalidArgumentf("rule type %q is not supported by VirtualService", rule.RuleType)
		}
		result = append(result, match)
	}
	return result, nil
}

func istioStringMatch(matchType trafficv1.MatchType, value string) *istiov1beta1.StringMatch {
	switch matchType {
	case trafficv1.MatchTypePrefix:
		return &istiov1beta1.StringMatch{Prefix: value}
	case trafficv1.MatchTypeRegex:
		return &istiov1beta1.StringMatch{Regex: value}
	default:
		return &istiov1beta1.StringMatch{Exact: value}
	}
}

type weightedHost struct {
	host   string
	weight *int
}

func istioHTTPDestinations(routes []istiov1beta1.HTTPRoute) [][]weightedHost {
	result := make([][]weightedHost, 0, len(routes))
	for _, r := range routes {
		hosts := make([]weightedHost, 0, len(r.Route))
		for _, d := range r.Route {
			hosts = append(hosts, weightedHost{host: d.Destination.Host, weight: d.Weight})
		}
		result = append(result, singleDestinationWeight(hosts))
	}
	return result
}

func tcpRouteDestinations(routes []istiov1beta1.TCPRoute) [][]istiov1beta1.RouteDestination {
	result := make([][]istiov1beta1.RouteDestination, 0, len(routes))
	for _, r := range routes {
		result = append(result, r.Route)
	}
	return result
}

func tlsRouteDestinations(routes []istiov1beta1.TLSRoute) [][]istiov1beta1.RouteDestination {
	result := make([][]istiov1beta1.RouteDestination, 0, len(routes))
	for _, r := range routes {
		result = append(result, r.Route)
	}
	return result
}

func istioL4Destinations(routes [][]istiov1beta1.RouteDestination) [][]weightedHost {
	result := make([][]weightedHost, 0, len(routes))
	for _, r := range routes {
		hosts := make([]weightedHost, 0, len(r))
		for _, d := range r {
			hosts = append(hosts, weightedHost{host: d.Destination.Host, weight: d.Weight})
		}
		result = append(result, singleDestinationWeight(hosts))
	}
	return result
}

// singleDestinationWeight sets the weight of a lone unweighted destination
// to 100, Istio routes all the traffic to it
func singleDestinationWeight(hosts []weightedHost) []weightedHost {
	if len(hosts) == 1 && hosts[0].weight == nil {
		hosts[0].weight = ptr.To(100)
	}
	return hosts
}

// hostWeights sums the live weights per host, subsets of a host share its weight
func hostWeights(hosts []weightedHost) *Destinations {
	d := NewDestinations()
	for _, w := range hosts {
		var weight *int
		if w.weight != nil && *w.weight >= 0 {
			weight = ptr.To(*w.weight)
		}
		if p, ok := d.Get(w.host); ok {
			if weight == nil {
				continue
			}
			if p.Original != nil {
				*weight += *p.Original
			}
		}
		d.Set(w.host, WeightPair{Original: weight})
	}
	return d
}

// patchedRouteDestinations updates the weights of the live destinations in place,
// keeping their other fields, and appends the destinations added by the config.
// The weight of a host routed to several subsets is split in proportion to their live weights.
func patchedRouteDestinations(live []interface{}, result *Destinations) []interface{} {
	out := make([]interface{}, 0, len(live)+result.Len())
	entries := make(map[string]*Destinations)
	for _, item := range live {
		d, ok := runtime.DeepCopyJSONValue(item).(map[string]interface{})
		if !ok {
			out = append(out, item)
			continue
		}
		host, _, _ := unstructured.NestedString(d, "destination", "host")
		if entries[host] == nil {
			entries[host] = NewDestinations()
		}
		entries[host].Set(strconv.Itoa(len(out)), WeightPair{Original: liveWeight(d)})
		out = append(out, d)
	}

	for host, subsets := range entries {
		p, ok := result.Get(host)
		if !ok {
			continue
		}
		weight := p.Weight()
		split := NewDestinations()
		if weight != nil && subsets.Len() > 1 {
			split = Normalize(subsets, *weight)
		}
		for _, key := range subsets.Hosts() {
			i, _ := strconv.Atoi(key)
			w := weight
			if s, ok := split.Get(key); ok {
				w = s.Weight()
			}
			setWeight(out[i].(map[string]interface{}), w)
		}
	}

	for _, h := range result.Hosts() {
		if entries[h] != nil {
			continue
		}
		p, _ := result.Get(h)
		d := map[string]interface{}{
			"destination": map[string]interface{}{"host": h},
		}
		setWeight(d, p.Weight())
		out = append(out, d)
	}
	return out
}

func liveWeight(d map[string]interface{}) *int {
	switch w := d["weight"].(type) {
	case int64:
		return ptr.To(int(w))
	case float64:
		return ptr.To(int(w))
	case int:
		return ptr.To(w)
	}
	return nil
}

func setWeight(d map[string]interface{}, weight *int) {
	if weight == nil {
		delete(d, "weight")
		return
	}
	d["weight"] = int64(*weight)
}
