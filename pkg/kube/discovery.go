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

package kube

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// APIVersions returns the group versions served by the cluster
func APIVersions(_ context.Context, cluster *Cluster) (sets.Set[string], error) {
	groups, err := cluster.KubeClient.Discovery().ServerGroups()
	if err != nil {
		return nil, fmt.Errorf("discovery of API groups failed: %w", err)
	}

	versions := sets.New[string]()
	for _, g := range groups.Groups {
		for _, v := range g.Versions {
			versions.Insert(v.GroupVersion)
		}
	}
	return versions, nil
}
