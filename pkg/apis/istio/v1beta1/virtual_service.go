// proto: https://github.com/istio/api/blob/master/networking/v1beta1/virtual_service.pb.go
package v1beta1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// GroupName is the API group of the Istio networking resources.
	GroupName = "networking.istio.io"

	VirtualServiceKind   = "VirtualService"
	VirtualServicePlural = "virtualservices"
)

// VirtualService defines a set of traffic routing rules to apply when a host is
// addressed. Only the subset of fields used for weighted routing is modelled,
// the remaining fields of a live object are preserved by patching.
type VirtualService struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              VirtualServiceSpec `json:"spec"`
}

type VirtualServiceSpec struct {
	// The destination hosts to which traffic is being sent.
	Hosts []string `json:"hosts"`

	// The names of gateways and sidecars that should apply these routes.
	Gateways []string `json:"gateways,omitempty"`

	// An ordered list of route rules for HTTP traffic.
	Http []HTTPRoute `json:"http,omitempty"`

	// An ordered list of route rules for opaque TCP traffic.
	Tcp []TCPRoute `json:"tcp,omitempty"`

	// An ordered list of route rules for non-terminated TLS & HTTPS traffic.
	Tls []TLSRoute `json:"tls,omitempty"`
}

// HTTPRoute describes match conditions and actions for routing HTTP/1.1,
// HTTP2, and gRPC traffic.
type HTTPRoute struct {
	// The name assigned to the route for debugging purposes.
	Name string `json:"name,omitempty"`

	// Match conditions to be satisfied for the rule to be activated.
	// All conditions inside a single match block have AND semantics,
	// while the list of match blocks have OR semantics.
	Match []HTTPMatchRequest `json:"match,omitempty"`

	// A HTTP rule can either redirect or forward (default) traffic.
	// The forwarding target can be one of several versions of a service.
	// Weights associated with the service version determine the proportion
	// of traffic it receives.
	Route []HTTPRouteDestination `json:"route,omitempty"`
}

// HTTPMatchRequest specifies a set of criterion to be met in order for the
// rule to be applied to the HTTP request.
type HTTPMatchRequest struct {
	// The name assigned to a match.
	Name string `json:"name,omitempty"`

	Uri       *StringMatch           `json:"uri,omitempty"`
	Scheme    *StringMatch           `json:"scheme,omitempty"`
	Method    *StringMatch           `json:"method,omitempty"`
	Authority *StringMatch           `json:"authority,omitempty"`
	Headers   map[string]StringMatch `json:"headers,omitempty"`

	// Specifies the ports on the host that is being addressed.
	Port uint32 `json:"port,omitempty"`
}

// Describes how to match a given string in HTTP headers. Match is
// case-sensitive.
type StringMatch struct {
	// Specified exactly one of the fields below.

	// exact string match
	Exact string `json:"exact,omitempty"`

	// prefix-based match
	Prefix string `json:"prefix,omitempty"`

	// ECMAscript style regex-based match
	Regex string `json:"regex,omitempty"`
}

// HTTPRouteDestination is a weighted HTTP destination.
type HTTPRouteDestination struct {
	// Destination uniquely identifies the instances of a service
	// to which the request/connection should be forwarded to.
	Destination Destination `json:"destination"`

	// The proportion of traffic to be forwarded to the service
	// version. If there is only one destination in a rule, all traffic will be
	// routed to it irrespective of the weight.
	Weight *int `json:"weight,omitempty"`

	// Header manipulation rules
	Headers *Headers `json:"headers,omitempty"`
}

// Headers describes header manipulation rules.
type Headers struct {
	Request  *HeaderOperations `json:"request,omitempty"`
	Response *HeaderOperations `json:"response,omitempty"`
}

// HeaderOperations Describes the header manipulations to apply
type HeaderOperations struct {
	Set    map[string]string `json:"set,omitempty"`
	Add    map[string]string `json:"add,omitempty"`
	Remove []string          `json:"remove,omitempty"`
}

// Destination indicates the network addressable service to which the
// request/connection will be sent after processing a routing rule.
type Destination struct {
	// The name of a service from the service registry.
	Host string `json:"host"`

	// The name of a subset within the service.
	Subset string `json:"subset,omitempty"`

	// Specifies the port on the host that is being addressed.
	Port *PortSelector `json:"port,omitempty"`
}

// PortSelector specifies the number of a port to be used for
// matching or selection for final routing.
type PortSelector struct {
	Number uint32 `json:"number,omitempty"`
}

// TCPRoute describes match conditions and actions for routing TCP traffic.
type TCPRoute struct {
	Match []L4MatchAttributes `json:"match,omitempty"`
	Route []RouteDestination  `json:"route,omitempty"`
}

// TLSRoute describes match conditions and actions for routing unterminated TLS
// traffic (TLS/HTTPS).
type TLSRoute struct {
	Match []TLSMatchAttributes `json:"match,omitempty"`
	Route []RouteDestination   `json:"route,omitempty"`
}

// L4MatchAttributes for L4 connection match.
type L4MatchAttributes struct {
	DestinationSubnets []string `json:"destinationSubnets,omitempty"`
	Port               uint32   `json:"port,omitempty"`
	Gateways           []string `json:"gateways,omitempty"`
}

// TLSMatchAttributes for TLS connection match.
type TLSMatchAttributes struct {
	SniHosts           []string `json:"sniHosts"`
	DestinationSubnets []string `json:"destinationSubnets,omitempty"`
	Port               uint32   `json:"port,omitempty"`
	Gateways           []string `json:"gateways,omitempty"`
}

// RouteDestination is a weighted L4 destination.
type RouteDestination struct {
	Destination Destination `json:"destination"`
	Weight      *int        `json:"weight,omitempty"`
}
