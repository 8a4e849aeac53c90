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

package notifier

import (
	"fmt"
	"sort"
	"strings"
)

// Interface posts the outcome of a traffic routing execution
type Interface interface {
	Post(event Event) error
}

const (
	SeverityInfo  = "info"
	SeverityError = "error"
)

// Event describes a traffic routing execution of a release
type Event struct {
	Release     string
	Namespace   string
	ExecutionID string
	Operation   string
	Provider    string
	// Resource identifies the routing resource as plural/name (apiVersion)
	Resource string
	// Weights is the share of the traffic each destination host was left with
	Weights  map[string]int
	Message  string
	Hint     string
	Severity string
}

// Field is a labelled value of an event
type Field struct {
	Name  string
	Value string
}

// Target returns the release as name.namespace
func (e Event) Target() string {
	return fmt.Sprintf("%s.%s", e.Release, e.Namespace)
}

// Title summarizes the event, e.g. "podinfo.test Inherit succeeded"
func (e Event) Title() string {
	operation := e.Operation
	if operation == "" {
		operation = "Traffic routing"
	}
	outcome := "succeeded"
	if e.Severity == SeverityError {
		outcome = "failed"
	}
	return fmt.Sprintf("%s %s %s", e.Target(), operation, outcome)
}

// Routing formats the weights ordered by host, e.g. "podinfo 80%, podinfo-canary 20%"
func (e Event) Routing() string {
	hosts := make([]string, 0, len(e.Weights))
	for h := range e.Weights {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	parts := make([]string, 0, len(hosts))
	for _, h := range hosts {
		parts = append(parts, fmt.Sprintf("%s %d%%", h, e.Weights[h]))
	}
	return strings.Join(parts, ", ")
}

// Fields returns the routing details of the event that are set, the execution ID excluded
func (e Event) Fields() []Field {
	var fields []Field
	add := func(name, value string) {
		if value != "" {
			fields = append(fields, Field{Name: name, Value: value})
		}
	}
	add("Provider", e.Provider)
	add("Resource", e.Resource)
	add("Routing", e.Routing())
	add("Hint", e.Hint)
	return fields
}
