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

package v1beta1

// ConfigType selects between creating a new routing resource
// and patching one that already governs the workload
type ConfigType string

const (
	// ConfigTypeConfig creates a routing resource from the config
	ConfigTypeConfig ConfigType = "CONFIG"
	// ConfigTypeInherit patches an existing routing resource
	ConfigTypeInherit ConfigType = "INHERIT"
)

// ProviderType is the mesh implementation that serves the routing resource
type ProviderType string

const (
	IstioProvider ProviderType = "ISTIO"
	SMIProvider   ProviderType = "SMI"
)

type RouteType string

const (
	RouteTypeHTTP RouteType = "HTTP"
)

type RuleType string

const (
	RuleTypeURI       RuleType = "URI"
	RuleTypeScheme    RuleType = "SCHEME"
	RuleTypeMethod    RuleType = "METHOD"
	RuleTypeAuthority RuleType = "AUTHORITY"
	RuleTypeHeader    RuleType = "HEADER"
	RuleTypePort      RuleType = "PORT"
)

type MatchType string

const (
	MatchTypeExact  MatchType = "EXACT"
	MatchTypePrefix MatchType = "PREFIX"
	MatchTypeRegex  MatchType = "REGEX"
)

// Placeholder hosts replaced with the resolved service names
const (
	StablePlaceholder = "stable"
	StagePlaceholder  = "stage"
	CanaryPlaceholder = "canary"
)

// TrafficRoutingConfig is the declarative routing configuration of a release
type TrafficRoutingConfig struct {
	// Type is CONFIG or INHERIT
	Type ConfigType `json:"type"`

	// ProviderConfig holds the mesh specific settings
	ProviderConfig ProviderConfig `json:"providerConfig"`

	// Routes are the match rule sets, one mesh route per item
	// +optional
	Routes []TrafficRoute `json:"routes,omitempty"`

	// Destinations are the weighted workload variants
	Destinations []TrafficRoutingDestination `json:"destinations"`
}

// ProviderConfig selects the mesh provider and carries its settings
type ProviderConfig struct {
	Provider ProviderType `json:"provider"`

	// +optional
	Istio *IstioProviderConfig `json:"istio,omitempty"`

	// +optional
	SMI *SMIProviderConfig `json:"smi,omitempty"`
}

type IstioProviderConfig struct {
	// Hosts defaults to the stable service name
	// +optional
	Hosts []string `json:"hosts,omitempty"`

	// +optional
	Gateways []string `json:"gateways,omitempty"`
}

type SMIProviderConfig struct {
	// RootService defaults to the stable service name
	// +optional
	RootService string `json:"rootService,omitempty"`
}

// TrafficRoute is one routable rule set
type TrafficRoute struct {
	RouteType RouteType          `json:"routeType"`
	Rules     []TrafficRouteRule `json:"rules,omitempty"`
}

// TrafficRouteRule is a single match predicate of a route
type TrafficRouteRule struct {
	RuleType RuleType `json:"ruleType"`

	// +optional
	Name string `json:"name,omitempty"`

	// +optional
	Value string `json:"value,omitempty"`

	// MatchType defaults to EXACT
	// +optional
	MatchType MatchType `json:"matchType,omitempty"`

	// HeaderConfigs is used by HEADER rules
	// +optional
	HeaderConfigs []HeaderConfig `json:"headerConfigs,omitempty"`
}

type HeaderConfig struct {
	Key   string `json:"key"`
	Value string `json:"value"`

	// +optional
	MatchType MatchType `json:"matchType,omitempty"`
}

// TrafficRoutingDestination is a workload variant and its traffic share,
// a nil weight shares the remainder evenly
type TrafficRoutingDestination struct {
	Host   string `json:"host"`
	Weight *int   `json:"weight,omitempty"`
}

// TrafficRoutingInfo identifies the resource governing the traffic of a release
type TrafficRoutingInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Plural  string `json:"plural"`
}

// IsEmpty returns true if the info does not identify a resource
func (i *TrafficRoutingInfo) IsEmpty() bool {
	return i == nil || i.Name == "" || i.Version == "" || i.Plural == ""
}

// DeepCopy returns a copy of the config that can be mutated
func (in *TrafficRoutingConfig) DeepCopy() *TrafficRoutingConfig {
	if in == nil {
		return nil
	}
	out := *in
	if in.ProviderConfig.Istio != nil {
		istio := *in.ProviderConfig.Istio
		istio.Hosts = append([]string(nil), in.ProviderConfig.Istio.Hosts...)
		istio.Gateways = append([]string(nil), in.ProviderConfig.Istio.Gateways...)
		out.ProviderConfig.Istio = &istio
	}
	if in.ProviderConfig.SMI != nil {
		smi := *in.ProviderConfig.SMI
		out.ProviderConfig.SMI = &smi
	}
	if in.Routes != nil {
		out.Routes = make([]TrafficRoute, len(in.Routes))
		for i, r := range in.Routes {
			out.Routes[i] = r
			if r.Rules != nil {
				out.Routes[i].Rules = make([]TrafficRouteRule, len(r.Rules))
				for j, rule := range r.Rules {
					out.Routes[i].Rules[j] = rule
					out.Routes[i].Rules[j].HeaderConfigs = append([]HeaderConfig(nil), rule.HeaderConfigs...)
				}
			}
		}
	}
	if in.Destinations != nil {
		out.Destinations = make([]TrafficRoutingDestination, len(in.Destinations))
		for i, d := range in.Destinations {
			out.Destinations[i].Host = d.Host
			if d.Weight != nil {
				w := *d.Weight
				out.Destinations[i].Weight = &w
			}
		}
	}
	return &out
}
