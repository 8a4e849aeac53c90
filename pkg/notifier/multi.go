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
	"golang.org/x/sync/errgroup"
)

// Multi posts the same event to several notifiers concurrently
type Multi struct {
	Notifiers []Interface
}

func (m *Multi) Post(event Event) error {
	var g errgroup.Group
	for _, n := range m.Notifiers {
		g.Go(func() error {
			return n.Post(event)
		})
	}
	return g.Wait()
}
