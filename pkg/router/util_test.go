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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
	"github.com/fluxcd/trafficrouter/pkg/hint"
)

func TestResourceName(t *testing.T) {
	assert.Equal(t, "defaultName", ResourceName("", "-some-suffix", "defaultName"))
	assert.Equal(t, "resource-name-some-suffix", ResourceName("resource-name", "-some-suffix", "defaultName"))

	long := strings.Repeat("a", 260)
	name := ResourceName(long, "-virtual-service", "defaultName")
	assert.Len(t, name, MaxResourceNameLength)
	assert.Equal(t, strings.Repeat("a", 253-16)+"-virtual-service", name)

	exact := strings.Repeat("b", 253-len("-some-suffix"))
	assert.Equal(t, exact+"-some-suffix", ResourceName(exact, "-some-suffix", "defaultName"))
}

func TestUpdatePlaceholders(t *testing.T) {
	tests := []struct {
		host, stable, stage, want string
	}{
		{"stable", "stable-service-name", "stage-service-name", "stable-service-name"},
		{"stage", "stable-service-name", "stage-service-name", "stage-service-name"},
		{"canary", "stable-service-name", "stage-service-name", "stage-service-name"},
		{"some-host", "", "", "some-host"},
		{"stable", "", "", "stable"},
		{"stage", "", "", "stage"},
		{"canary", "", "", "canary"},
	}
	for _, tt := range tests {
		got, err := UpdatePlaceholders(tt.host, tt.stable, tt.stage)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.host)
	}

	_, err := UpdatePlaceholders("", "stable-service-name", "stage-service-name")
	assert.ErrorIs(t, err, hint.ErrInvalidArgument)
}

func TestResolveConfig(t *testing.T) {
	cfg := &trafficv1.TrafficRoutingConfig{
		Type:         trafficv1.ConfigTypeInherit,
		Destinations: destinations("stable", 90, "canary", 10, "other", nil),
	}

	resolved, err := ResolveConfig(cfg, "podinfo", "podinfo-canary")
	require.NoError(t, err)
	assert.Equal(t, []trafficv1.TrafficRoutingDestination{
		{Host: "podinfo", Weight: ptr.To(90)},
		{Host: "podinfo-canary", Weight: ptr.To(10)},
		{Host: "other"},
	}, resolved.Destinations)

	// the source config is not modified
	assert.Equal(t, "stable", cfg.Destinations[0].Host)

	_, err = ResolveConfig(&trafficv1.TrafficRoutingConfig{Destinations: destinations("", 10)}, "a", "b")
	assert.ErrorIs(t, err, hint.ErrInvalidArgument)
}

func TestResourceMetadata(t *testing.T) {
	labels := resourceLabels("podinfo", map[string]string{
		"app":                                  "podinfo",
		"kustomize.toolkit.fluxcd.io/checksum": "some",
	})
	assert.Equal(t, map[string]string{
		"app":            "podinfo",
		ManagedByLabel:   "trafficrouter",
		ReleaseNameLabel: "podinfo",
	}, labels)

	annotations := resourceAnnotations(nil)
	assert.Equal(t, "disabled", annotations["kustomize.toolkit.fluxcd.io/reconcile"])
	assert.Equal(t, "disabled", annotations["helm.toolkit.fluxcd.io/driftDetection"])
}
