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

package release

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	historySuffix = "-traffic-routing-history"
	historyKey    = "history"

	ReleaseNameLabel = "trafficrouting.fluxcd.io/release-name"
	OwnerLabel       = "trafficrouting.fluxcd.io/owner"
	ownerValue       = "release-history"
)

// Store is persisting the release history in a Kubernetes ConfigMap
type Store struct {
	KubeClient kubernetes.Interface
}

// ConfigMapName returns the name of the ConfigMap holding the release history
func ConfigMapName(releaseName string) string {
	if limit := 253 - len(historySuffix); len(releaseName) > limit {
		releaseName = releaseName[:limit]
	}
	return releaseName + historySuffix
}

// Get loads the history of a release, the ConfigMap is created if absent
func (s *Store) Get(ctx context.Context, namespace, releaseName string) (*History, error) {
	name := ConfigMapName(releaseName)
	cm, err := s.KubeClient.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		history := &History{ReleaseName: releaseName}
		cm, err = newConfigMap(name, namespace, history)
		if err != nil {
			return nil, err
		}
		created, err := s.KubeClient.CoreV1().ConfigMaps(namespace).Create(ctx, cm, metav1.CreateOptions{})
		if err != nil {
			return nil, fmt.Errorf("configmap %s.%s create error: %w", name, namespace, err)
		}
		history.track(created)
		return history, nil
	} else if err != nil {
		return nil, fmt.Errorf("configmap %s.%s get query error: %w", name, namespace, err)
	}

	history := &History{ReleaseName: releaseName}
	if data, ok := cm.Data[historyKey]; ok && data != "" {
		if err := json.Unmarshal([]byte(data), history); err != nil {
			return nil, fmt.Errorf("configmap %s.%s history decoding error: %w", name, namespace, err)
		}
	}
	history.track(cm)
	return history, nil
}

// Save writes the history back to its ConfigMap. A Conflict error is returned when the
// ConfigMap has been modified since the history was loaded, the caller has to reload it.
func (s *Store) Save(ctx context.Context, namespace string, history *History) error {
	name := ConfigMapName(history.ReleaseName)
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("history encoding error: %w", err)
	}

	cm, err := s.KubeClient.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		cm, err = newConfigMap(name, namespace, history)
		if err != nil {
			return err
		}
		created, err := s.KubeClient.CoreV1().ConfigMaps(namespace).Create(ctx, cm, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("configmap %s.%s create error: %w", name, namespace, err)
		}
		history.track(created)
		return nil
	} else if err != nil {
		return fmt.Errorf("configmap %s.%s get query error: %w", name, namespace, err)
	}

	if !history.loaded || cm.ResourceVersion != history.resourceVersion || cm.Data[historyKey] != history.stored {
		return errors.NewConflict(corev1.Resource("configmaps"), name,
			fmt.Errorf("release history %s has been modified since it was loaded", history.ReleaseName))
	}

	clone := cm.DeepCopy()
	if clone.Data == nil {
		clone.Data = make(map[string]string)
	}
	clone.Data[historyKey] = string(data)
	updated, err := s.KubeClient.CoreV1().ConfigMaps(namespace).Update(ctx, clone, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("configmap %s.%s update error: %w", name, namespace, err)
	}
	history.track(updated)
	return nil
}

// track remembers the ConfigMap state a history is based on
func (h *History) track(cm *corev1.ConfigMap) {
	h.resourceVersion = cm.ResourceVersion
	h.stored = cm.Data[historyKey]
	h.loaded = true
}

func newConfigMap(name, namespace string, history *History) (*corev1.ConfigMap, error) {
	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("history encoding error: %w", err)
	}
	labels := map[string]string{OwnerLabel: ownerValue}
	if len(history.ReleaseName) <= 63 {
		labels[ReleaseNameLabel] = history.ReleaseName
	}
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Data: map[string]string{historyKey: string(data)},
	}, nil
}
