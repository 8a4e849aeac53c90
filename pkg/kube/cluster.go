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

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// InfraConfig describes the cluster and namespace a release is deployed to
type InfraConfig struct {
	// Kubeconfig is the path to a kubeconfig file, empty for in-cluster config
	Kubeconfig string `json:"kubeconfig,omitempty"`

	// Context selects a kubeconfig context, empty for the current one
	Context string `json:"context,omitempty"`

	// MasterURL overrides the API server address of the kubeconfig
	MasterURL string `json:"masterURL,omitempty"`

	// Namespace of the release
	Namespace string `json:"namespace"`
}

// Cluster bundles the clients of a target cluster
type Cluster struct {
	Namespace  string
	KubeClient kubernetes.Interface
	Dynamic    dynamic.Interface
}

// ClusterResolver builds the clients for an infra config
type ClusterResolver interface {
	Resolve(ctx context.Context, infra InfraConfig) (*Cluster, error)
}

// ClientConfigResolver loads the cluster config with clientcmd, the fields
// are used when the infra config leaves them empty
type ClientConfigResolver struct {
	Kubeconfig string
	MasterURL  string
	Namespace  string
}

func (r *ClientConfigResolver) Resolve(_ context.Context, infra InfraConfig) (*Cluster, error) {
	if infra.Kubeconfig == "" {
		infra.Kubeconfig = r.Kubeconfig
	}
	if infra.MasterURL == "" {
		infra.MasterURL = r.MasterURL
	}
	if infra.Namespace == "" {
		infra.Namespace = r.Namespace
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if infra.Kubeconfig != "" {
		rules.ExplicitPath = infra.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{
		CurrentContext: infra.Context,
		ClusterInfo:    clientcmdapi.Cluster{Server: infra.MasterURL},
	}

	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("error building kubeconfig: %w", err)
	}

	namespace := infra.Namespace
	if namespace == "" {
		namespace, _, err = clientConfig.Namespace()
		if err != nil {
			return nil, fmt.Errorf("error reading namespace from kubeconfig: %w", err)
		}
	}

	kubeClient, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("error building kubernetes clientset: %w", err)
	}
	dynamicClient, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("error building dynamic client: %w", err)
	}

	return &Cluster{
		Namespace:  namespace,
		KubeClient: kubeClient,
		Dynamic:    dynamicClient,
	}, nil
}

// StaticResolver serves the same clients for every infra config,
// only the namespace is taken from the request
type StaticResolver struct {
	KubeClient kubernetes.Interface
	Dynamic    dynamic.Interface
	Namespace  string
}

func (r *StaticResolver) Resolve(_ context.Context, infra InfraConfig) (*Cluster, error) {
	namespace := infra.Namespace
	if namespace == "" {
		namespace = r.Namespace
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Cluster{
		Namespace:  namespace,
		KubeClient: r.KubeClient,
		Dynamic:    r.Dynamic,
	}, nil
}
