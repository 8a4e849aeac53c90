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

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
)

// GroupVersionResource builds the resource of an apiVersion and plural
func GroupVersionResource(apiVersion, plural string) (schema.GroupVersionResource, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionResource{}, fmt.Errorf("invalid apiVersion %s: %w", apiVersion, err)
	}
	return gv.WithResource(plural), nil
}

func resourceInterface(cluster *Cluster, gvr schema.GroupVersionResource, namespace string) dynamic.ResourceInterface {
	if namespace == "" {
		namespace = cluster.Namespace
	}
	return cluster.Dynamic.Resource(gvr).Namespace(namespace)
}

// GetObject fetches a namespaced custom object
func GetObject(ctx context.Context, cluster *Cluster, apiVersion, plural, name string) (*unstructured.Unstructured, error) {
	gvr, err := GroupVersionResource(apiVersion, plural)
	if err != nil {
		return nil, err
	}
	obj, err := resourceInterface(cluster, gvr, "").Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s %s.%s query error: %w", plural, name, cluster.Namespace, err)
	}
	return obj, nil
}

// PatchObject applies a JSON patch to a namespaced custom object
func PatchObject(ctx context.Context, cluster *Cluster, apiVersion, plural, name string, patch []byte) (*unstructured.Unstructured, error) {
	gvr, err := GroupVersionResource(apiVersion, plural)
	if err != nil {
		return nil, err
	}
	obj, err := resourceInterface(cluster, gvr, "").Patch(ctx, name, types.JSONPatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s %s.%s patch error: %w", plural, name, cluster.Namespace, err)
	}
	return obj, nil
}

// Apply creates the objects or updates their spec, labels and annotations when
// they drifted, in order. Errors of the API server are returned as they are.
func Apply(ctx context.Context, cluster *Cluster, objs []*unstructured.Unstructured, logger *zap.SugaredLogger) error {
	for _, obj := range objs {
		if err := applyObject(ctx, cluster, obj, logger); err != nil {
			return err
		}
	}
	return nil
}

func applyObject(ctx context.Context, cluster *Cluster, obj *unstructured.Unstructured, logger *zap.SugaredLogger) error {
	gvk := obj.GroupVersionKind()
	gvr, _ := meta.UnsafeGuessKindToResource(gvk)
	if obj.GetNamespace() == "" {
		obj.SetNamespace(cluster.Namespace)
	}
	client := resourceInterface(cluster, gvr, obj.GetNamespace())

	current, err := client.Get(ctx, obj.GetName(), metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.Create(ctx, obj, metav1.CreateOptions{})
		if err != nil {
			logger.With("kind", gvk.Kind).Errorf("%s %s.%s create error: %v", gvk.Kind, obj.GetName(), obj.GetNamespace(), err)
			return err
		}
		logger.With("kind", gvk.Kind).Infof("%s %s.%s created", gvk.Kind, obj.GetName(), obj.GetNamespace())
		return nil
	} else if err != nil {
		logger.With("kind", gvk.Kind).Errorf("%s %s.%s get query error: %v", gvk.Kind, obj.GetName(), obj.GetNamespace(), err)
		return err
	}

	specDiff := cmp.Diff(obj.Object["spec"], current.Object["spec"])
	labelsDiff := cmp.Diff(obj.GetLabels(), current.GetLabels(), cmpopts.EquateEmpty())
	annotationsDiff := cmp.Diff(obj.GetAnnotations(), current.GetAnnotations(), cmpopts.EquateEmpty())
	if specDiff == "" && labelsDiff == "" && annotationsDiff == "" {
		return nil
	}

	clone := current.DeepCopy()
	if spec, ok := obj.Object["spec"]; ok {
		clone.Object["spec"] = spec
	}
	clone.SetLabels(obj.GetLabels())
	clone.SetAnnotations(obj.GetAnnotations())

	_, err = client.Update(ctx, clone, metav1.UpdateOptions{})
	if err != nil {
		logger.With("kind", gvk.Kind).Errorf("%s %s.%s update error: %v", gvk.Kind, obj.GetName(), obj.GetNamespace(), err)
		return err
	}
	logger.With("kind", gvk.Kind).Infof("%s %s.%s updated", gvk.Kind, obj.GetName(), obj.GetNamespace())
	return nil
}
