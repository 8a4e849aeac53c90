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

package release

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
)

type Status string

const (
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
)

// Operation is the kind of traffic change a release applied
type Operation string

const (
	OperationConfig  Operation = "Config"
	OperationInherit Operation = "Inherit"
	OperationSwap    Operation = "Swap"
)

// Release records one traffic routing execution
type Release struct {
	Number             int                           `json:"number"`
	Status             Status                        `json:"status"`
	Operation          Operation                     `json:"operation"`
	ExecutionID        string                        `json:"executionID"`
	TrafficRoutingInfo *trafficv1.TrafficRoutingInfo `json:"trafficRoutingInfo,omitempty"`
	CreatedAt          metav1.Time                   `json:"createdAt"`
}

// History is the ordered list of releases of a release name, oldest first
type History struct {
	ReleaseName       string    `json:"releaseName"`
	LastReleaseNumber int       `json:"lastReleaseNumber"`
	Releases          []Release `json:"releases,omitempty"`

	// state of the ConfigMap the history was loaded from
	resourceVersion string
	stored          string
	loaded          bool
}

// IsEmpty returns true if no release has been recorded
func (h *History) IsEmpty() bool {
	return h == nil || len(h.Releases) == 0
}

// LatestRelease returns the most recent release or nil
func (h *History) LatestRelease() *Release {
	if h.IsEmpty() {
		return nil
	}
	return &h.Releases[len(h.Releases)-1]
}

// LatestTrafficRoutingInfo returns the routing resource of the most recent
// successful release that recorded one
func (h *History) LatestTrafficRoutingInfo() *trafficv1.TrafficRoutingInfo {
	if h == nil {
		return nil
	}
	for i := len(h.Releases) - 1; i >= 0; i-- {
		r := h.Releases[i]
		if r.Status == StatusSucceeded && !r.TrafficRoutingInfo.IsEmpty() {
			return r.TrafficRoutingInfo
		}
	}
	return nil
}

// GetAndIncrementLastReleaseNumber reserves the next release number
func (h *History) GetAndIncrementLastReleaseNumber() int {
	h.LastReleaseNumber++
	return h.LastReleaseNumber
}

// Add appends a release and drops the oldest ones above limit, a limit
// below one keeps all the releases
func (h *History) Add(r Release, limit int) {
	h.Releases = append(h.Releases, r)
	if limit > 0 && len(h.Releases) > limit {
		h.Releases = append([]Release(nil), h.Releases[len(h.Releases)-limit:]...)
	}
}
