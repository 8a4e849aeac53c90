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

package controller

import (
	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
	"github.com/fluxcd/trafficrouter/pkg/kube"
	"github.com/fluxcd/trafficrouter/pkg/release"
)

// Request asks for the traffic of a release to be routed according to a config
type Request struct {
	ReleaseName string           `json:"releaseName"`
	Infra       kube.InfraConfig `json:"infra"`

	TrafficRoutingConfig *trafficv1.TrafficRoutingConfig `json:"trafficRoutingConfig"`

	// TrafficRoutingInfo points INHERIT requests at the resource to patch,
	// when empty the resource of the latest release is used
	TrafficRoutingInfo *trafficv1.TrafficRoutingInfo `json:"trafficRoutingInfo,omitempty"`

	StableService string `json:"stableService,omitempty"`
	StageService  string `json:"stageService,omitempty"`
}

// SwapRequest asks for all the traffic of a release to go to the stable service
type SwapRequest struct {
	ReleaseName string           `json:"releaseName"`
	Infra       kube.InfraConfig `json:"infra"`

	TrafficRoutingInfo *trafficv1.TrafficRoutingInfo `json:"trafficRoutingInfo,omitempty"`

	StableService string `json:"stableService"`
	StageService  string `json:"stageService"`
}

// Response describes the resource that governs the traffic after an execution
type Response struct {
	ExecutionID        string                        `json:"executionID"`
	Status             release.Status                `json:"status"`
	TrafficRoutingInfo *trafficv1.TrafficRoutingInfo `json:"trafficRoutingInfo,omitempty"`
	Units              []Unit                        `json:"units"`
}
