package controller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	fakediscovery "k8s.io/client-go/discovery/fake"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"

	trafficv1 "github.com/fluxcd/trafficrouter/pkg/apis/trafficrouting/v1beta1"
	"github.com/fluxcd/trafficrouter/pkg/hint"
	"github.com/fluxcd/trafficrouter/pkg/kube"
	"github.com/fluxcd/trafficrouter/pkg/metrics"
	"github.com/fluxcd/trafficrouter/pkg/notifier"
	"github.com/fluxcd/trafficrouter/pkg/release"
)

var (
	virtualServices = schema.GroupVersionResource{Group: "networking.istio.io", Version: "v1beta1", Resource: "virtualservices"}
	trafficSplits   = schema.GroupVersionResource{Group: "split.smi-spec.io", Version: "v1alpha3", Resource: "trafficsplits"}
	httpRouteGroups = schema.GroupVersionResource{Group: "specs.smi-spec.io", Version: "v1alpha3", Resource: "httproutegroups"}
)

type fixture struct {
	router   *TrafficRouter
	resolver *kube.StaticResolver
	kube     *fake.Clientset
	dynamic  *dynamicfake.FakeDynamicClient
	recorder *metrics.Recorder
	notifier *recordingNotifier
	logs     *observer.ObservedLogs
	sink     *zap.SugaredLogger
}

type recordingNotifier struct {
	mu       sync.Mutex
	events   []notifier.Event
	severity []string
}

func (r *recordingNotifier) Post(event notifier.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.severity = append(r.severity, event.Severity)
	return nil
}

func newFixture() fixture {
	kubeClient := fake.NewSimpleClientset()
	kubeClient.Discovery().(*fakediscovery.FakeDiscovery).Resources = []*metav1.APIResourceList{
		{GroupVersion: "v1"},
		{GroupVersion: "networking.istio.io/v1beta1"},
		{GroupVersion: "networking.istio.io/v1alpha3"},
		{GroupVersion: "split.smi-spec.io/v1alpha3"},
		{GroupVersion: "specs.smi-spec.io/v1alpha3"},
	}
	dynamicClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{
			virtualServices: "VirtualServiceList",
			trafficSplits:   "TrafficSplitList",
			httpRouteGroups: "HTTPRouteGroupList",
		})

	resolver := &kube.StaticResolver{KubeClient: kubeClient, Dynamic: dynamicClient, Namespace: "default"}
	recorder := metrics.NewRecorder("test", false)
	n := &recordingNotifier{}
	core, logs := observer.New(zap.DebugLevel)
	sink := zap.New(core).Sugar()

	return fixture{
		router:   NewTrafficRouter(resolver, &recorder, n, 10, zap.NewNop().Sugar()),
		resolver: resolver,
		kube:     kubeClient,
		dynamic:  dynamicClient,
		recorder: &recorder,
		notifier: n,
		logs:     logs,
		sink:     sink,
	}
}

func istioRequest(configType trafficv1.ConfigType, stableWeight, stageWeight int) Request {
	return Request{
		ReleaseName: "podinfo",
		Infra:       kube.InfraConfig{Namespace: "default"},
		TrafficRoutingConfig: &trafficv1.TrafficRoutingConfig{
			Type: configType,
			ProviderConfig: trafficv1.ProviderConfig{
				Provider: trafficv1.IstioProvider,
			},
			Routes: []trafficv1.TrafficRoute{{RouteType: trafficv1.RouteTypeHTTP}},
			Destinations: []trafficv1.TrafficRoutingDestination{
				{Host: trafficv1.StablePlaceholder, Weight: ptr.To(stableWeight)},
				{Host: trafficv1.StagePlaceholder, Weight: ptr.To(stageWeight)},
			},
		},
		StableService: "podinfo",
		StageService:  "podinfo-canary",
	}
}

func (f fixture) virtualServiceWeights(t *testing.T, name string) map[string]int64 {
	t.Helper()
	vs, err := f.dynamic.Resource(virtualServices).Namespace("default").Get(context.TODO(), name, metav1.GetOptions{})
	require.NoError(t, err)
	http, found, err := unstructured.NestedSlice(vs.Object, "spec", "http")
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, http)

	route, _, err := unstructured.NestedSlice(http[0].(map[string]interface{}), "route")
	require.NoError(t, err)
	weights := make(map[string]int64)
	for _, r := range route {
		entry := r.(map[string]interface{})
		host, _, _ := unstructured.NestedString(entry, "destination", "host")
		weight, _, _ := unstructured.NestedInt64(entry, "weight")
		weights[host] = weight
	}
	return weights
}

func (f fixture) history(t *testing.T) *release.History {
	t.Helper()
	store := &release.Store{KubeClient: f.kube}
	h, err := store.Get(context.TODO(), "default", "podinfo")
	require.NoError(t, err)
	return h
}

func unitStatuses(units []Unit) map[string]UnitStatus {
	result := make(map[string]UnitStatus)
	for _, u := range units {
		result[u.Name] = u.Status
	}
	return result
}

func TestTrafficRouter_ExecuteConfig(t *testing.T) {
	f := newFixture()

	resp, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 80, 20), f.sink, nil)
	require.NoError(t, err)

	assert.Equal(t, release.StatusSucceeded, resp.Status)
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, &trafficv1.TrafficRoutingInfo{
		Name:    "podinfo-virtual-service",
		Version: "networking.istio.io/v1beta1",
		Plural:  "virtualservices",
	}, resp.TrafficRoutingInfo)
	assert.Equal(t, map[string]UnitStatus{
		UnitInitialize:     UnitSuccess,
		UnitTrafficRouting: UnitSuccess,
		UnitApply:          UnitSuccess,
	}, unitStatuses(resp.Units))

	assert.Equal(t, map[string]int64{"podinfo": 80, "podinfo-canary": 20}, f.virtualServiceWeights(t, "podinfo-virtual-service"))

	h := f.history(t)
	require.Len(t, h.Releases, 1)
	assert.Equal(t, 1, h.Releases[0].Number)
	assert.Equal(t, release.OperationConfig, h.Releases[0].Operation)
	assert.Equal(t, resp.ExecutionID, h.Releases[0].ExecutionID)
	assert.Equal(t, resp.TrafficRoutingInfo, h.LatestTrafficRoutingInfo())

	assert.Equal(t, float64(1), testutil.ToFloat64(f.recorder.GetTotalMetric().WithLabelValues("ISTIO", "Config", "Succeeded")))
	assert.Equal(t, float64(20), testutil.ToFloat64(f.recorder.GetWeightMetric().WithLabelValues("podinfo", "default", "podinfo-canary")))
	assert.Equal(t, []string{notifier.SeverityInfo}, f.notifier.severity)
	event := f.notifier.events[0]
	assert.Equal(t, "Config", event.Operation)
	assert.Equal(t, "ISTIO", event.Provider)
	assert.Equal(t, "virtualservices/podinfo-virtual-service (networking.istio.io/v1beta1)", event.Resource)
	assert.Equal(t, map[string]int{"podinfo": 80, "podinfo-canary": 20}, event.Weights)

	assert.NotEmpty(t, f.logs.FilterMessageSnippet("Traffic Routing resources:").All())
	for _, entry := range f.logs.All() {
		assert.Equal(t, resp.ExecutionID, entry.ContextMap()["executionID"])
	}
}

func TestTrafficRouter_ExecuteConfigSMI(t *testing.T) {
	f := newFixture()
	req := Request{
		ReleaseName: "podinfo",
		TrafficRoutingConfig: &trafficv1.TrafficRoutingConfig{
			Type:           trafficv1.ConfigTypeConfig,
			ProviderConfig: trafficv1.ProviderConfig{Provider: trafficv1.SMIProvider},
			Routes: []trafficv1.TrafficRoute{{
				RouteType: trafficv1.RouteTypeHTTP,
				Rules: []trafficv1.TrafficRouteRule{
					{RuleType: trafficv1.RuleTypeURI, Value: "/api", MatchType: trafficv1.MatchTypePrefix},
				},
			}},
			Destinations: []trafficv1.TrafficRoutingDestination{
				{Host: trafficv1.StablePlaceholder, Weight: ptr.To(3)},
				{Host: trafficv1.StagePlaceholder, Weight: ptr.To(1)},
			},
		},
		StableService: "podinfo",
		StageService:  "podinfo-canary",
	}

	resp, err := f.router.Execute(context.TODO(), req, f.sink, nil)
	require.NoError(t, err)
	assert.Equal(t, "trafficsplits", resp.TrafficRoutingInfo.Plural)
	assert.Equal(t, "split.smi-spec.io/v1alpha3", resp.TrafficRoutingInfo.Version)

	ts, err := f.dynamic.Resource(trafficSplits).Namespace("default").Get(context.TODO(), resp.TrafficRoutingInfo.Name, metav1.GetOptions{})
	require.NoError(t, err)
	backends, _, err := unstructured.NestedSlice(ts.Object, "spec", "backends")
	require.NoError(t, err)
	require.Len(t, backends, 2)
	assert.Equal(t, int64(75), backends[0].(map[string]interface{})["weight"])
	assert.Equal(t, int64(25), backends[1].(map[string]interface{})["weight"])

	groups, err := f.dynamic.Resource(httpRouteGroups).Namespace("default").List(context.TODO(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, groups.Items, 1)
}

func TestTrafficRouter_ExecuteInherit(t *testing.T) {
	f := newFixture()

	_, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 80, 20), f.sink, nil)
	require.NoError(t, err)

	progress := NewProgress()
	resp, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeInherit, 50, 50), f.sink, progress)
	require.NoError(t, err)
	assert.Equal(t, release.StatusSucceeded, resp.Status)
	assert.Equal(t, "podinfo-virtual-service", resp.TrafficRoutingInfo.Name)
	assert.Equal(t, resp.Units, progress.Units())

	assert.Equal(t, map[string]int64{"podinfo": 50, "podinfo-canary": 50}, f.virtualServiceWeights(t, "podinfo-virtual-service"))

	h := f.history(t)
	require.Len(t, h.Releases, 2)
	assert.Equal(t, release.OperationInherit, h.LatestRelease().Operation)
	assert.Equal(t, 2, h.LastReleaseNumber)

	patched := f.logs.FilterMessageSnippet("Patched resource:").All()
	require.Len(t, patched, 1)
	assert.NotContains(t, patched[0].Message, "metadata")
	assert.Contains(t, patched[0].Message, "podinfo-canary")
}

func TestTrafficRouter_ExecuteInheritRequestedInfo(t *testing.T) {
	f := newFixture()

	_, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 100, 0), f.sink, nil)
	require.NoError(t, err)

	req := istioRequest(trafficv1.ConfigTypeInherit, 90, 10)
	req.TrafficRoutingInfo = &trafficv1.TrafficRoutingInfo{
		Name:    "podinfo-virtual-service",
		Version: "networking.istio.io/v1beta1",
		Plural:  "virtualservices",
	}
	_, err = f.router.Execute(context.TODO(), req, f.sink, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"podinfo": 90, "podinfo-canary": 10}, f.virtualServiceWeights(t, "podinfo-virtual-service"))
}

func TestTrafficRouter_ExecuteInheritWithoutRelease(t *testing.T) {
	f := newFixture()

	resp, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeInherit, 50, 50), f.sink, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hint.ErrInvalidArgument))
	assert.Equal(t, release.StatusFailed, resp.Status)
	assert.Nil(t, resp.TrafficRoutingInfo)
	assert.Equal(t, map[string]UnitStatus{
		UnitInitialize:     UnitSuccess,
		UnitTrafficRouting: UnitFailure,
	}, unitStatuses(resp.Units))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.recorder.GetTotalMetric().WithLabelValues("ISTIO", "Inherit", "Failed")))
	assert.Equal(t, []string{notifier.SeverityError}, f.notifier.severity)
}

func TestTrafficRouter_ExecuteInheritNoChange(t *testing.T) {
	f := newFixture()

	_, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 80, 20), f.sink, nil)
	require.NoError(t, err)

	_, err = f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeInherit, 80, 20), f.sink, nil)
	require.Error(t, err)
	assert.Equal(t, "check your Traffic Routing configuration", hint.HintOf(err))
	assert.Equal(t, "failed to update resource podinfo-virtual-service with new destinations", hint.ExplanationOf(err))
	assert.Contains(t, err.Error(), "failed to execute traffic routing")

	assert.Len(t, f.history(t).Releases, 1)
}

func TestTrafficRouter_ExecuteInheritPatchFailure(t *testing.T) {
	f := newFixture()

	_, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 80, 20), f.sink, nil)
	require.NoError(t, err)

	f.dynamic.PrependReactor("patch", "virtualservices", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("admission webhook denied the request")
	})

	resp, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeInherit, 50, 50), f.sink, nil)
	require.Error(t, err)
	assert.Equal(t, "check that resource VirtualService/podinfo-virtual-service exists and can be patched", hint.HintOf(err))
	assert.Equal(t, "failed to update resource podinfo-virtual-service with new destinations", hint.ExplanationOf(err))
	assert.Contains(t, err.Error(), "admission webhook denied the request")
	assert.Equal(t, UnitFailure, unitStatuses(resp.Units)[UnitApply])
}

func TestTrafficRouter_ExecuteApplyFailure(t *testing.T) {
	f := newFixture()
	f.dynamic.PrependReactor("create", "virtualservices", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("quota exceeded")
	})

	resp, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 80, 20), f.sink, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Empty(t, hint.HintOf(err))
	assert.Equal(t, UnitFailure, unitStatuses(resp.Units)[UnitApply])
	assert.Empty(t, f.history(t).Releases)
}

func TestTrafficRouter_ExecuteRecordConflict(t *testing.T) {
	f := newFixture()

	_, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 80, 20), f.sink, nil)
	require.NoError(t, err)

	conflicts := 0
	f.kube.PrependReactor("update", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if conflicts > 0 {
			return false, nil, nil
		}
		conflicts++
		return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "configmaps"}, "podinfo-traffic-routing-history",
			errors.New("the object has been modified"))
	})

	resp, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeInherit, 50, 50), f.sink, nil)
	require.NoError(t, err)
	assert.Equal(t, release.StatusSucceeded, resp.Status)
	assert.Equal(t, 1, conflicts)

	h := f.history(t)
	require.Len(t, h.Releases, 2)
	assert.Equal(t, 2, h.LatestRelease().Number)
	assert.Equal(t, resp.ExecutionID, h.LatestRelease().ExecutionID)
	assert.NotEmpty(t, f.logs.FilterMessageSnippet("Release history of podinfo.default changed").All())
}

func TestTrafficRouter_ExecuteValidation(t *testing.T) {
	f := newFixture()

	req := istioRequest("CANARY", 80, 20)
	_, err := f.router.Execute(context.TODO(), req, f.sink, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hint.ErrUnsupported))

	req = istioRequest(trafficv1.ConfigTypeConfig, 80, 20)
	req.TrafficRoutingConfig = nil
	_, err = f.router.Execute(context.TODO(), req, f.sink, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hint.ErrInvalidArgument))

	req = istioRequest(trafficv1.ConfigTypeConfig, 80, 20)
	req.ReleaseName = ""
	resp, err := f.router.Execute(context.TODO(), req, f.sink, nil)
	require.Error(t, err)
	assert.True(t, hint.IsUserError(err))
	assert.Equal(t, map[string]UnitStatus{UnitInitialize: UnitFailure}, unitStatuses(resp.Units))

	req = istioRequest(trafficv1.ConfigTypeConfig, 80, 20)
	req.TrafficRoutingConfig.ProviderConfig.Provider = "LINKERD"
	_, err = f.router.Execute(context.TODO(), req, f.sink, nil)
	require.Error(t, err)
	assert.Equal(t, "Use one of the ISTIO or SMI providers", hint.HintOf(err))
}

func TestTrafficRouter_Swap(t *testing.T) {
	f := newFixture()

	_, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 50, 50), f.sink, nil)
	require.NoError(t, err)

	resp, err := f.router.Swap(context.TODO(), SwapRequest{
		ReleaseName:   "podinfo",
		StableService: "podinfo-canary",
		StageService:  "podinfo",
	}, f.sink, nil)
	require.NoError(t, err)
	assert.Equal(t, release.StatusSucceeded, resp.Status)

	assert.Equal(t, map[string]int64{"podinfo-canary": 100, "podinfo": 0}, f.virtualServiceWeights(t, "podinfo-virtual-service"))
	assert.Equal(t, release.OperationSwap, f.history(t).LatestRelease().Operation)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.recorder.GetTotalMetric().WithLabelValues("ISTIO", "Swap", "Succeeded")))

	_, err = f.router.Swap(context.TODO(), SwapRequest{ReleaseName: "podinfo", StableService: "podinfo"}, f.sink, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hint.ErrInvalidArgument))
}

func TestProgress(t *testing.T) {
	p := NewProgress()
	p.Start(UnitInitialize)
	p.Succeed(UnitInitialize)
	p.Start(UnitTrafficRouting)
	p.Fail(UnitTrafficRouting, errors.New("boom"))

	assert.Equal(t, []Unit{
		{Name: UnitInitialize, Status: UnitSuccess},
		{Name: UnitTrafficRouting, Status: UnitFailure, Message: "boom"},
	}, p.Units())
}

func TestTrafficRouter_WeightMetricFollowsPatch(t *testing.T) {
	f := newFixture()

	_, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 80, 20), f.sink, nil)
	require.NoError(t, err)

	// only the stable weight is configured, the canary keeps its share
	req := istioRequest(trafficv1.ConfigTypeInherit, 60, 0)
	req.TrafficRoutingConfig.Destinations = req.TrafficRoutingConfig.Destinations[:1]
	_, err = f.router.Execute(context.TODO(), req, f.sink, nil)
	require.NoError(t, err)

	routed := f.virtualServiceWeights(t, "podinfo-virtual-service")
	assert.Equal(t, map[string]int64{"podinfo": 75, "podinfo-canary": 25}, routed)
	weight := f.recorder.GetWeightMetric()
	for host, w := range routed {
		assert.Equal(t, float64(w), testutil.ToFloat64(weight.WithLabelValues("podinfo", "default", host)), host)
	}

	_, err = f.router.Swap(context.TODO(), SwapRequest{
		ReleaseName:   "podinfo",
		StableService: "podinfo",
		StageService:  "podinfo-canary",
	}, f.sink, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(100), testutil.ToFloat64(weight.WithLabelValues("podinfo", "default", "podinfo")))
	assert.Equal(t, float64(0), testutil.ToFloat64(weight.WithLabelValues("podinfo", "default", "podinfo-canary")))
}

func TestTrafficRouter_WeightMetricDropsStaleHosts(t *testing.T) {
	f := newFixture()

	_, err := f.router.Execute(context.TODO(), istioRequest(trafficv1.ConfigTypeConfig, 80, 20), f.sink, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, testutil.CollectAndCount(f.recorder.GetWeightMetric()))

	req := istioRequest(trafficv1.ConfigTypeConfig, 90, 10)
	req.StageService = "podinfo-next"
	_, err = f.router.Execute(context.TODO(), req, f.sink, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"podinfo": 90, "podinfo-next": 10}, f.virtualServiceWeights(t, "podinfo-virtual-service"))
	assert.Equal(t, 2, testutil.CollectAndCount(f.recorder.GetWeightMetric()))
	assert.Equal(t, float64(10), testutil.ToFloat64(f.recorder.GetWeightMetric().WithLabelValues("podinfo", "default", "podinfo-next")))
	assert.False(t, f.recorder.GetWeightMetric().DeleteLabelValues("podinfo", "default", "podinfo-canary"))
}
