package v1alpha3

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	SplitGroupName = "split.smi-spec.io"

	TrafficSplitKind   = "TrafficSplit"
	TrafficSplitPlural = "trafficsplits"
)

// TrafficSplit allows users to incrementally direct percentages of traffic
// between various services. It will be used by clients such as ingress
// controllers or service mesh sidecars to split the outgoing traffic to
// different destinations.
type TrafficSplit struct {
	metav1.TypeMeta `json:",inline"`
	// Standard object's metadata.
	// More info: https://git.k8s.io/community/contributors/devel/api-conventions.md#metadata
	// +optional
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Specification of the desired behavior of the traffic split.
	// +optional
	Spec TrafficSplitSpec `json:"spec,omitempty"`
}

// TrafficSplitSpec is the specification for a TrafficSplit
type TrafficSplitSpec struct {
	// Service represents the apex service
	Service string `json:"service"`

	// Backends defines a list of Kubernetes services
	// used as the traffic split destination
	Backends []TrafficSplitBackend `json:"backends"`

	// Matches allows defining a list of HTTP route groups
	// that this traffic split object should match
	// +optional
	Matches []corev1.TypedLocalObjectReference `json:"matches,omitempty"`
}

// TrafficSplitBackend defines a backend
type TrafficSplitBackend struct {
	// Service is the name of a Kubernetes service
	Service string `json:"service"`

	// Weight defines the traffic split percentage,
	// a missing weight is read as zero by the mesh
	Weight *int `json:"weight,omitempty"`
}
