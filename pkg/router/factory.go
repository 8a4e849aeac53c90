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

// Factory selects the resource creator of a mesh provider
type Factory struct {
	creators map[trafficv1.ProviderType]Creator
}

func NewFactory() *Factory {
	return &Factory{
		creators: map[trafficv1.ProviderType]Creator{
			trafficv1.IstioProvider: &IstioCreator{},
			trafficv1.SMIProvider:   &SMICreator{},
		},
	}
}

// MeshCreator returns the creator registered for the provider
func (factory *Factory) MeshCreator(provider trafficv1.ProviderType) (Creator, error) {
	c, ok := factory.creators[trafficv1.ProviderType(strings.ToUpper(string(provider)))]
	if !ok {
		return nil, hint.New("Use one of the ISTIO or SMI providers",
			hint.Unsupportedf("traffic routing provider %q", provider))
	}
	return c, nil
}

// CreatorForPlural returns the creator that manages the resource kind plural,
// used when only the info of an existing routing resource is known
func (factory *Factory) CreatorForPlural(plural string) (Creator, error) {
	for _, c := range factory.creators {
		if c.Plural() == plural {
			return c, nil
		}
	}
	return nil, hint.Unsupportedf("traffic routing resource %q", plural)
}
