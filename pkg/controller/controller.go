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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/yaml"

	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
	"github.com/fluxcd/trafficrouter/pkg/hint"
	"github.com/fluxcd/trafficrouter/pkg/kube"
	"github.com/fluxcd/trafficrouter/pkg/metrics"
	"github.com/fluxcd/trafficrouter/pkg/notifier"
	"github.com/fluxcd/trafficrouter/pkg/release"
	"github.com/fluxcd/trafficrouter/pkg/router"
)

// TrafficRouter executes traffic routing requests against the cluster of each request.
// It keeps no per-request state, requests can be executed concurrently.
type TrafficRouter struct {
	resolver     kube.ClusterResolver
	routers      *router.Factory
	recorder     *metrics.Recorder
	notifier     notifier.Interface
	historyLimit int
	logger       *zap.SugaredLogger

	// hosts whose weight is exported, per namespace/release
	weightsMu    sync.Mutex
	weightedHost map[string]sets.Set[string]
}

func NewTrafficRouter(
	resolver kube.ClusterResolver,
	recorder *metrics.Recorder,
	notifier notifier.Interface,
	historyLimit int,
	logger *zap.SugaredLogger,
) *TrafficRouter {
	return &TrafficRouter{
		resolver:     resolver,
		routers:      router.NewFactory(),
		recorder:     recorder,
		notifier:     notifier,
		historyLimit: historyLimit,
		logger:       logger,
		weightedHost: make(map[string]sets.Set[string]),
	}
}

// execution holds the state of a single request
type execution struct {
	id          string
	releaseName string
	operation   release.Operation
	provider    string
	cluster     *kube.Cluster
	store       *release.Store
	history     *release.History
	weights     map[string]int
	progress    *Progress
	logger      *zap.SugaredLogger
}

// Execute creates or patches the resource that routes the traffic of the release.
// The sink receives the execution log, progress receives the unit status updates.
func (tr *TrafficRouter) Execute(ctx context.Context, req Request, sink *zap.SugaredLogger, progress *Progress) (*Response, error) {
	exec := tr.newExecution(req.ReleaseName, sink, progress)
	if req.TrafficRoutingConfig != nil {
		exec.provider = string(req.TrafficRoutingConfig.ProviderConfig.Provider)
	}
	start := time.Now()

	info, err := tr.execute(ctx, exec, req)
	tr.finish(exec, req.Infra, info, time.Since(start), err)
	if err != nil {
		return exec.response(nil, release.StatusFailed), err
	}

	tr.recordWeights(exec)
	return exec.response(info, release.StatusSucceeded), nil
}

// Swap routes all the traffic of the release to the stable service
func (tr *TrafficRouter) Swap(ctx context.Context, req SwapRequest, sink *zap.SugaredLogger, progress *Progress) (*Response, error) {
	exec := tr.newExecution(req.ReleaseName, sink, progress)
	exec.operation = release.OperationSwap
	start := time.Now()

	info, err := tr.swap(ctx, exec, req)
	tr.finish(exec, req.Infra, info, time.Since(start), err)
	if err != nil {
		return exec.response(nil, release.StatusFailed), err
	}

	tr.recordWeights(exec)
	return exec.response(info, release.StatusSucceeded), nil
}

func (tr *TrafficRouter) newExecution(releaseName string, sink *zap.SugaredLogger, progress *Progress) *execution {
	if sink == nil {
		sink = tr.logger
	}
	if progress == nil {
		progress = NewProgress()
	}
	id := uuid.NewString()
	return &execution{
		id:          id,
		releaseName: releaseName,
		progress:    progress,
		logger:      sink.With("release", releaseName, "executionID", id),
	}
}

func (tr *TrafficRouter) execute(ctx context.Context, exec *execution, req Request) (*trafficv1.TrafficRoutingInfo, error) {
	if err := tr.initialize(ctx, exec, req.Infra); err != nil {
		return nil, err
	}

	cfg := req.TrafficRoutingConfig
	if cfg == nil {
		err := hint.InvalidArgumentf("traffic routing configuration is missing")
		exec.progress.Fail(UnitTrafficRouting, err)
		return nil, err
	}

	switch cfg.Type {
	case trafficv1.ConfigTypeConfig:
		exec.operation = release.OperationConfig
		return tr.createResources(ctx, exec, req)
	case trafficv1.ConfigTypeInherit:
		exec.operation = release.OperationInherit
		return tr.patchResource(ctx, exec, req)
	default:
		err := hint.Unsupportedf("traffic routing type %q is not supported", cfg.Type)
		exec.progress.Fail(UnitTrafficRouting, err)
		return nil, err
	}
}

// initialize resolves the cluster and loads the release history
func (tr *TrafficRouter) initialize(ctx context.Context, exec *execution, infra kube.InfraConfig) error {
	log := exec.logger.With("unit", UnitInitialize)
	exec.progress.Start(UnitInitialize)

	err := func() error {
		if exec.releaseName == "" {
			return hint.InvalidArgumentf("release name is required")
		}
		cluster, err := tr.resolver.Resolve(ctx, infra)
		if err != nil {
			return fmt.Errorf("cluster config resolving failed: %w", err)
		}
		exec.cluster = cluster
		exec.store = &release.Store{KubeClient: cluster.KubeClient}
		history, err := exec.store.Get(ctx, cluster.Namespace, exec.releaseName)
		if err != nil {
			return fmt.Errorf("release history loading failed: %w", err)
		}
		exec.history = history
		return nil
	}()
	if err != nil {
		log.Errorf("Initialization failed: %v", err)
		exec.progress.Fail(UnitInitialize, err)
		return err
	}

	log.Infof("Release %s.%s has %d recorded releases", exec.releaseName, exec.cluster.Namespace, len(exec.history.Releases))
	exec.progress.Succeed(UnitInitialize)
	return nil
}

// createResources renders the routing resources of the configured provider and applies them
func (tr *TrafficRouter) createResources(ctx context.Context, exec *execution, req Request) (*trafficv1.TrafficRoutingInfo, error) {
	log := exec.logger.With("unit", UnitTrafficRouting)
	exec.progress.Start(UnitTrafficRouting)
	cfg := req.TrafficRoutingConfig

	var objs []*unstructured.Unstructured
	var info *trafficv1.TrafficRoutingInfo
	var weights map[string]int
	err := func() error {
		creator, err := tr.routers.MeshCreator(cfg.ProviderConfig.Provider)
		if err != nil {
			return err
		}
		available, err := kube.APIVersions(ctx, exec.cluster)
		if err != nil {
			return err
		}
		versions := router.APIVersions(creator, available, log)
		objs, err = router.CreateTrafficRoutingResources(creator, cfg, exec.cluster.Namespace, exec.releaseName,
			req.StableService, req.StageService, versions, log)
		if err != nil {
			return err
		}
		info, err = router.TrafficRoutingInfo(creator, objs)
		if err != nil {
			return err
		}
		weights, err = router.ResourceWeights(creator, objs)
		return err
	}()
	if err != nil {
		log.Errorf("Traffic routing resources creation failed: %v", err)
		exec.progress.Fail(UnitTrafficRouting, err)
		return nil, err
	}
	exec.progress.Succeed(UnitTrafficRouting)

	log = exec.logger.With("unit", UnitApply)
	exec.progress.Start(UnitApply)
	if err := kube.Apply(ctx, exec.cluster, objs, log); err != nil {
		log.Errorf("Traffic routing resources apply failed: %v", err)
		exec.progress.Fail(UnitApply, err)
		return nil, err
	}
	if err := tr.record(ctx, exec, info); err != nil {
		exec.progress.Fail(UnitApply, err)
		return nil, err
	}
	exec.weights = weights
	exec.progress.Succeed(UnitApply)
	return info, nil
}

// patchResource shifts the weights of the live routing resource to the configured destinations
func (tr *TrafficRouter) patchResource(ctx context.Context, exec *execution, req Request) (*trafficv1.TrafficRoutingInfo, error) {
	log := exec.logger.With("unit", UnitTrafficRouting)
	exec.progress.Start(UnitTrafficRouting)

	var info *trafficv1.TrafficRoutingInfo
	var creator router.Creator
	var patch []byte
	err := func() error {
		cfg, err := router.ResolveConfig(req.TrafficRoutingConfig, req.StableService, req.StageService)
		if err != nil {
			return err
		}
		info, err = exec.trafficRoutingInfo(req.TrafficRoutingInfo)
		if err != nil {
			return err
		}
		creator, err = tr.routers.CreatorForPlural(info.Plural)
		if err != nil {
			return err
		}
		live, err := kube.GetObject(ctx, exec.cluster, info.Version, info.Plural, info.Name)
		if err != nil {
			return patchError(creator, info, err)
		}
		patch, err = creator.GenerateTrafficRoutingPatch(cfg, live, log)
		if err != nil {
			return err
		}
		if patch == nil {
			return hint.Wrap("check your Traffic Routing configuration",
				fmt.Sprintf("failed to update resource %s with new destinations", info.Name),
				errors.New("failed to execute traffic routing"))
		}
		return nil
	}()
	if err != nil {
		log.Errorf("Traffic routing patch generation failed: %v", err)
		exec.progress.Fail(UnitTrafficRouting, err)
		return nil, err
	}
	exec.progress.Succeed(UnitTrafficRouting)

	if err := tr.applyPatch(ctx, exec, creator, info, patch); err != nil {
		return nil, err
	}
	return info, nil
}

func (tr *TrafficRouter) swap(ctx context.Context, exec *execution, req SwapRequest) (*trafficv1.TrafficRoutingInfo, error) {
	if err := tr.initialize(ctx, exec, req.Infra); err != nil {
		return nil, err
	}

	log := exec.logger.With("unit", UnitTrafficRouting)
	exec.progress.Start(UnitTrafficRouting)

	var info *trafficv1.TrafficRoutingInfo
	var creator router.Creator
	var patch []byte
	err := func() error {
		var err error
		info, err = exec.trafficRoutingInfo(req.TrafficRoutingInfo)
		if err != nil {
			return err
		}
		creator, err = tr.routers.CreatorForPlural(info.Plural)
		if err != nil {
			return err
		}
		exec.provider = providerOf(creator)
		patch, err = creator.SwapPatch(req.StableService, req.StageService)
		if err != nil {
			return err
		}
		if patch == nil {
			return hint.New("Provide both the stable and the stage service names",
				hint.InvalidArgumentf("stable and stage services are required to swap the traffic"))
		}
		return nil
	}()
	if err != nil {
		log.Errorf("Traffic routing swap failed: %v", err)
		exec.progress.Fail(UnitTrafficRouting, err)
		return nil, err
	}
	log.Infof("Routing all the traffic of %s to %s", info.Name, req.StableService)
	exec.progress.Succeed(UnitTrafficRouting)

	if err := tr.applyPatch(ctx, exec, creator, info, patch); err != nil {
		return nil, err
	}
	return info, nil
}

func (tr *TrafficRouter) applyPatch(ctx context.Context, exec *execution, creator router.Creator,
	info *trafficv1.TrafficRoutingInfo, patch []byte) error {
	log := exec.logger.With("unit", UnitApply)
	exec.progress.Start(UnitApply)

	patched, err := kube.PatchObject(ctx, exec.cluster, info.Version, info.Plural, info.Name, patch)
	if err != nil {
		err = patchError(creator, info, err)
		log.Errorf("Traffic routing patch failed: %v", err)
		exec.progress.Fail(UnitApply, err)
		return err
	}
	log.Infof("%s %s.%s patched", creator.Kind(), info.Name, exec.cluster.Namespace)
	logPatchedSpec(patched, log)

	if err := tr.record(ctx, exec, info); err != nil {
		exec.progress.Fail(UnitApply, err)
		return err
	}
	if weights, err := creator.Weights(patched); err != nil {
		log.Warnf("Patched weights can't be read: %v", err)
	} else {
		exec.weights = weights
	}
	exec.progress.Succeed(UnitApply)
	return nil
}

// record appends a successful release to the history, the history is reloaded
// when another execution saved it in the meantime
func (tr *TrafficRouter) record(ctx context.Context, exec *execution, info *trafficv1.TrafficRoutingInfo) error {
	var number int
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		r := release.Release{
			Number:             exec.history.GetAndIncrementLastReleaseNumber(),
			Status:             release.StatusSucceeded,
			Operation:          exec.operation,
			ExecutionID:        exec.id,
			TrafficRoutingInfo: info,
			CreatedAt:          metav1.Now(),
		}
		number = r.Number
		exec.history.Add(r, tr.historyLimit)
		err := exec.store.Save(ctx, exec.cluster.Namespace, exec.history)
		if apierrors.IsConflict(err) {
			exec.logger.Infof("Release history of %s.%s changed, reloading", exec.releaseName, exec.cluster.Namespace)
			history, getErr := exec.store.Get(ctx, exec.cluster.Namespace, exec.releaseName)
			if getErr != nil {
				return getErr
			}
			exec.history = history
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("release %d recording failed: %w", number, err)
	}
	return nil
}

// trafficRoutingInfo returns the requested routing resource or the one of the latest release
func (exec *execution) trafficRoutingInfo(requested *trafficv1.TrafficRoutingInfo) (*trafficv1.TrafficRoutingInfo, error) {
	if !requested.IsEmpty() {
		return requested, nil
	}
	if info := exec.history.LatestTrafficRoutingInfo(); !info.IsEmpty() {
		exec.logger.Debugf("Using %s/%s of the latest release", info.Plural, info.Name)
		return info, nil
	}
	return nil, hint.New("Run a CONFIG type Traffic Routing for the release first",
		hint.InvalidArgumentf("no traffic routing resource found for release %s", exec.releaseName))
}

func (exec *execution) response(info *trafficv1.TrafficRoutingInfo, status release.Status) *Response {
	return &Response{
		ExecutionID:        exec.id,
		Status:             status,
		TrafficRoutingInfo: info,
		Units:              exec.progress.Units(),
	}
}

func patchError(creator router.Creator, info *trafficv1.TrafficRoutingInfo, err error) error {
	return hint.Wrap(fmt.Sprintf("check that resource %s/%s exists and can be patched", creator.Kind(), info.Name),
		fmt.Sprintf("failed to update resource %s with new destinations", info.Name), err)
}

// logPatchedSpec prints the patched object without its metadata
func logPatchedSpec(obj *unstructured.Unstructured, logger *zap.SugaredLogger) {
	if obj == nil {
		return
	}
	content := obj.DeepCopy().Object
	delete(content, "metadata")
	delete(content, "status")
	out, err := yaml.Marshal(content)
	if err != nil {
		logger.Warnf("Patched resource encoding failed: %v", err)
		return
	}
	logger.Infof("Patched resource:\n%s", string(out))
}

func providerOf(creator router.Creator) string {
	switch creator.(type) {
	case *router.IstioCreator:
		return string(trafficv1.IstioProvider)
	case *router.SMICreator:
		return string(trafficv1.SMIProvider)
	}
	return creator.Kind()
}
