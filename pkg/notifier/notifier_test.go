package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func routedEvent() Event {
	return Event{
		Release:     "podinfo",
		Namespace:   "test",
		ExecutionID: "e3f1",
		Operation:   "Inherit",
		Provider:    "ISTIO",
		Resource:    "virtualservices/podinfo-virtual-service (networking.istio.io/v1beta1)",
		Weights:     map[string]int{"podinfo-canary": 20, "podinfo": 80},
		Message:     "Traffic routing Inherit succeeded",
		Severity:    SeverityInfo,
	}
}

func TestEvent(t *testing.T) {
	event := routedEvent()
	assert.Equal(t, "podinfo.test Inherit succeeded", event.Title())
	assert.Equal(t, "podinfo 80%, podinfo-canary 20%", event.Routing())
	assert.Equal(t, []Field{
		{Name: "Provider", Value: "ISTIO"},
		{Name: "Resource", Value: "virtualservices/podinfo-virtual-service (networking.istio.io/v1beta1)"},
		{Name: "Routing", Value: "podinfo 80%, podinfo-canary 20%"},
	}, event.Fields())

	failed := Event{Release: "podinfo", Namespace: "test", Hint: "check your Traffic Routing configuration", Severity: SeverityError}
	assert.Equal(t, "podinfo.test Traffic routing failed", failed.Title())
	assert.Empty(t, failed.Routing())
	assert.Equal(t, []Field{{Name: "Hint", Value: "check your Traffic Routing configuration"}}, failed.Fields())
}
