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
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
	"github.com/fluxcd/trafficrouter/pkg/hint"
	"github.com/fluxcd/trafficrouter/pkg/kube"
	"github.com/fluxcd/trafficrouter/pkg/notifier"
	"github.com/fluxcd/trafficrouter/pkg/release"
)

// finish records the metrics of an execution and sends the notification
func (tr *TrafficRouter) finish(exec *execution, infra kube.InfraConfig, info *trafficv1.TrafficRoutingInfo,
	duration time.Duration, err error) {
	status := release.StatusSucceeded
	if err != nil {
		status = release.StatusFailed
	}

	if tr.recorder != nil {
		tr.recorder.SetDuration(exec.provider, string(exec.operation), duration)
		tr.recorder.IncTotal(exec.provider, string(exec.operation), string(status))
	}

	namespace := infra.Namespace
	if exec.cluster != nil {
		namespace = exec.cluster.Namespace
	}

	event := notifier.Event{
		Release:     exec.releaseName,
		Namespace:   namespace,
		ExecutionID: exec.id,
		Operation:   string(exec.operation),
		Provider:    exec.provider,
	}
	if err != nil {
		event.Message = fmt.Sprintf("Traffic routing failed: %v", err)
		event.Hint = hint.HintOf(err)
		event.Severity = notifier.SeverityError
	} else {
		event.Message = fmt.Sprintf("Traffic routing %s succeeded", exec.operation)
		event.Weights = exec.weights
		event.Severity = notifier.SeverityInfo
		if !info.IsEmpty() {
			event.Resource = fmt.Sprintf("%s/%s (%s)", info.Plural, info.Name, info.Version)
		}
	}
	tr.alert(exec, event)
}

func (tr *TrafficRouter) alert(exec *execution, event notifier.Event) {
	if tr.notifier == nil {
		return
	}
	if err := tr.notifier.Post(event); err != nil {
		exec.logger.Errorf("alert can't be sent: %v", err)
	}
}

// recordWeights exports the weights the routing resource was left with and
// drops the hosts of the release that are no longer routed
func (tr *TrafficRouter) recordWeights(exec *execution) {
	if tr.recorder == nil || exec.cluster == nil || exec.weights == nil {
		return
	}
	namespace := exec.cluster.Namespace
	key := namespace + "/" + exec.releaseName

	tr.weightsMu.Lock()
	defer tr.weightsMu.Unlock()

	hosts := sets.New[string]()
	for host, weight := range exec.weights {
		if host == "" {
			continue
		}
		tr.recorder.SetWeight(exec.releaseName, namespace, host, weight)
		hosts.Insert(host)
	}
	for _, host := range sets.List(tr.weightedHost[key].Difference(hosts)) {
		tr.recorder.DeleteWeight(exec.releaseName, namespace, host)
	}
	tr.weightedHost[key] = hosts
}
