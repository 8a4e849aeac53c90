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
	"encoding/json"
	"fmt"
	"strings"

	jsonpatchv5 "github.com/evanphx/json-patch/v5"
	"go.uber.org/zap"
	"gomodules.xyz/jsonpatch/v2"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
	"github.com/fluxcd/trafficrouter/pkg/hint"
)

// Creator builds the mesh specific resources that split the traffic of a release
type Creator interface {
	// Manifests renders the routing resources for the config with the
	// destination weights normalized to 100
	Manifests(cfg *trafficv1.TrafficRoutingConfig, namespace, releaseName, stableName, stageName string,
		apiVersions map[string]string, logger *zap.SugaredLogger) ([]string, error)

	// ProviderVersions returns the supported group versions per API group key,
	// most preferred first
	ProviderVersions() map[string][]string

	// Kind returns the kind of the resource that governs the traffic
	Kind() string

	// Plural returns the resource name of the governing kind
	Plural() string

	// SwapPatch returns a JSON patch that routes all the traffic to stable,
	// nil if there is nothing to swap
	SwapPatch(stable, stage string) ([]byte, error)

	// GenerateTrafficRoutingPatch returns a JSON patch that shifts the weights of
	// the live resource to the configured destinations, nil if no weight changes
	GenerateTrafficRoutingPatch(cfg *trafficv1.TrafficRoutingConfig, live *unstructured.Unstructured,
		logger *zap.SugaredLogger) ([]byte, error)

	// Weights returns the share of the traffic each destination host of the
	// resource receives, read from its first route
	Weights(obj *unstructured.Unstructured) (map[string]int, error)
}

// APIVersions picks for every API group key of the creator the most preferred
// version the cluster serves, falling back to the least preferred one
func APIVersions(c Creator, available sets.Set[string], logger *zap.SugaredLogger) map[string]string {
	result := make(map[string]string)
	for key, versions := range c.ProviderVersions() {
		if len(versions) == 0 {
			continue
		}
		found := false
		for _, v := range versions {
			if available.Has(v) {
				result[key] = v
				found = true
				break
			}
		}
		if !found {
			fallback := versions[len(versions)-1]
			logger.Warnf("None of the API versions %v are served by the cluster, using %s for %s",
				versions, fallback, c.Kind())
			result[key] = fallback
		}
	}
	return result
}

// CreateTrafficRoutingResources renders the manifests of the creator and decodes them
func CreateTrafficRoutingResources(c Creator, cfg *trafficv1.TrafficRoutingConfig, namespace, releaseName, stableName, stageName string,
	apiVersions map[string]string, logger *zap.SugaredLogger) ([]*unstructured.Unstructured, error) {
	manifests, err := c.Manifests(cfg, namespace, releaseName, stableName, stageName, apiVersions, logger)
	if err != nil {
		return nil, err
	}

	objs := make([]*unstructured.Unstructured, 0, len(manifests))
	for _, m := range manifests {
		data, err := yaml.YAMLToJSON([]byte(m))
		if err != nil {
			return nil, fmt.Errorf("manifest decoding failed: %w", err)
		}
		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("manifest decoding failed: %w", err)
		}
		objs = append(objs, obj)
	}

	logger.Infof("Traffic Routing resources:\n%s", strings.Join(manifests, "---\n"))
	return objs, nil
}

// TrafficRoutingInfo identifies the resource of the creator's kind among objs
func TrafficRoutingInfo(c Creator, objs []*unstructured.Unstructured) (*trafficv1.TrafficRoutingInfo, error) {
	for _, obj := range objs {
		if obj.GetKind() == c.Kind() {
			return &trafficv1.TrafficRoutingInfo{
				Name:    obj.GetName(),
				Version: obj.GetAPIVersion(),
				Plural:  c.Plural(),
			}, nil
		}
	}
	return nil, fmt.Errorf("no %s found in the traffic routing resources", c.Kind())
}

// ResourceWeights returns the traffic shares of the resource of the creator's kind among objs
func ResourceWeights(c Creator, objs []*unstructured.Unstructured) (map[string]int, error) {
	for _, obj := range objs {
		if obj.GetKind() == c.Kind() {
			return c.Weights(obj)
		}
	}
	return nil, fmt.Errorf("no %s found in the traffic routing resources", c.Kind())
}

func trafficShares(d *Destinations) map[string]int {
	normalized := Normalize(d, 100)
	shares := make(map[string]int, normalized.Len())
	for _, h := range normalized.Hosts() {
		p, _ := normalized.Get(h)
		shares[h] = p.Effective()
	}
	return shares
}

// LogNormalization reports every destination whose weight was changed by normalization
func LogNormalization(d *Destinations, logger *zap.SugaredLogger) {
	for _, h := range d.Hosts() {
		p, _ := d.Get(h)
		if p.Normalized == nil || (p.Original != nil && *p.Original == *p.Normalized) {
			continue
		}
		logger.Infof("Destination [%s] weight will be normalized from [%s] to [%s].",
			h, formatWeight(p.Original), formatWeight(p.Normalized))
	}
}

func formatWeight(w *int) string {
	if w == nil {
		return "null"
	}
	return fmt.Sprintf("%d", *w)
}

// normalizedDestinations resolves the placeholders of the configured destinations
// and normalizes their weights to 100
func normalizedDestinations(cfg *trafficv1.TrafficRoutingConfig, stableName, stageName string,
	logger *zap.SugaredLogger) (*Destinations, error) {
	if len(cfg.Destinations) == 0 {
		return nil, hint.InvalidArgumentf("traffic routing destinations are missing")
	}
	resolved, err := ResolveDestinations(cfg.Destinations, stableName, stageName)
	if err != nil {
		return nil, err
	}
	d := Normalize(ToWeightMap(resolved, destinationHostWeight), 100)
	LogNormalization(d, logger)
	return d, nil
}

func destinationHostWeight(d trafficv1.TrafficRoutingDestination) (string, *int) {
	return d.Host, d.Weight
}

// reconcileDestinations overlays the configured weights on the live destinations of a
// route and returns the resulting destinations, live hosts first, and whether any
// weight differs from the live resource
func reconcileDestinations(configured, live *Destinations, route string, logger *zap.SugaredLogger) (*Destinations, bool) {
	for _, h := range configured.Hosts() {
		if !live.Has(h) {
			logger.Warnf("Traffic Routing destination [%s] not found in %s", h, route)
		}
	}

	unmatched, matched := FilterByMatch(configured, live)
	working := NewDestinations()
	for _, h := range live.Hosts() {
		if p, ok := matched.Get(h); ok {
			working.Set(h, p)
			continue
		}
		logger.Warnf("Destination [%s] of %s is not configured, its weight is kept", h, route)
		p, _ := live.Get(h)
		working.Set(h, WeightPair{Original: p.Original})
	}

	unmatched, working = NormalizeFiltered(unmatched, working)

	result := NewDestinations()
	changed := false
	for _, h := range working.Hosts() {
		p, _ := working.Get(h)
		result.Set(h, p)
		if !equalWeight(p.Original, p.Weight()) {
			changed = true
		}
	}
	for _, h := range unmatched.Hosts() {
		p, _ := unmatched.Get(h)
		if p.Effective() == 0 {
			continue
		}
		result.Set(h, p)
		changed = true
	}

	LogNormalization(result, logger)
	return result, changed
}

func equalWeight(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// encodePatch serializes the operations and checks that the result is a valid JSON patch
func encodePatch(ops []jsonpatch.Operation) ([]byte, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("patch encoding failed: %w", err)
	}
	if _, err := jsonpatchv5.DecodePatch(data); err != nil {
		return nil, fmt.Errorf("invalid patch %s: %w", string(data), err)
	}
	return data, nil
}
