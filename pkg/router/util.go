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
	"strings"

	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
	"github.com/fluxcd/trafficrouter/pkg/hint"
)

// MaxResourceNameLength is the length limit of Kubernetes object names
const MaxResourceNameLength = 253

const (
	// ReleaseNameLabel marks the routing resources with the release they belong to
	ReleaseNameLabel = "trafficrouting.fluxcd.io/release-name"

	// ManagedByLabel marks the routing resources created by this controller
	ManagedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "trafficrouter"

	toolkitMarker         = "toolkit.fluxcd.io"
	toolkitReconcileKey   = "kustomize.toolkit.fluxcd.io/reconcile"
	helmDriftDetectionKey = "helm.toolkit.fluxcd.io/driftDetection"
	toolkitReconcileValue = "disabled"
)

// ResourceName truncates name to leave room for the suffix within the
// Kubernetes name limit, an empty name yields defaultName
func ResourceName(name, suffix, defaultName string) string {
	if name == "" {
		return defaultName
	}
	if limit := MaxResourceNameLength - len(suffix); len(name) > limit {
		name = name[:limit]
	}
	return name + suffix
}

// UpdatePlaceholders replaces the stable, stage and canary host
// placeholders with the resolved service names, when they are known
func UpdatePlaceholders(host, stableName, stageName string) (string, error) {
	if host == "" {
		return "", hint.InvalidArgumentf("traffic routing destination host is empty")
	}
	switch host {
	case trafficv1.StablePlaceholder:
		if stableName != "" {
			return stableName, nil
		}
	case trafficv1.StagePlaceholder, trafficv1.CanaryPlaceholder:
		if stageName != "" {
			return stageName, nil
		}
	}
	return host, nil
}

// ResolveDestinations returns a copy of the destinations with the placeholders resolved
func ResolveDestinations(destinations []trafficv1.TrafficRoutingDestination, stableName, stageName string) ([]trafficv1.TrafficRoutingDestination, error) {
	out := make([]trafficv1.TrafficRoutingDestination, 0, len(destinations))
	for _, d := range destinations {
		host, err := UpdatePlaceholders(d.Host, stableName, stageName)
		if err != nil {
			return nil, err
		}
		out = append(out, trafficv1.TrafficRoutingDestination{Host: host, Weight: d.Weight})
	}
	return out, nil
}

// ResolveConfig returns a copy of the config with the destination placeholders resolved
func ResolveConfig(cfg *trafficv1.TrafficRoutingConfig, stableName, stageName string) (*trafficv1.TrafficRoutingConfig, error) {
	out := cfg.DeepCopy()
	destinations, err := ResolveDestinations(out.Destinations, stableName, stageName)
	if err != nil {
		return nil, err
	}
	out.Destinations = destinations
	return out, nil
}

func resourceLabels(releaseName string, labels map[string]string) map[string]string {
	filtered := make(map[string]string)
	for key, value := range labels {
		if strings.Contains(key, toolkitMarker) {
			continue
		}
		filtered[key] = value
	}
	filtered[ManagedByLabel] = managedByValue
	if releaseName != "" {
		filtered[ReleaseNameLabel] = releaseName
	}
	return filtered
}

func resourceAnnotations(meta map[string]string) map[string]string {
	if meta == nil {
		meta = map[string]string{}
	}
	// prevent Flux from reverting the weights set by the traffic router
	meta[toolkitReconcileKey] = toolkitReconcileValue
	meta[helmDriftDetectionKey] = toolkitReconcileValue
	return meta
}
