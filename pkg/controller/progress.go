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
	"sync"
)

const (
	UnitInitialize     = "Initialize"
	UnitTrafficRouting = "Traffic Routing"
	UnitApply          = "Apply"
)

type UnitStatus string

const (
	UnitRunning UnitStatus = "Running"
	UnitSuccess UnitStatus = "Success"
	UnitFailure UnitStatus = "Failure"
)

// Unit is a step of an execution as shown to the caller
type Unit struct {
	Name    string     `json:"name"`
	Status  UnitStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// Progress tracks the units of an execution, it can be read while the
// execution is running
type Progress struct {
	mu    sync.Mutex
	units []Unit
}

func NewProgress() *Progress {
	return &Progress{}
}

// Start marks the unit as running, adding it if needed
func (p *Progress) Start(name string) {
	p.set(name, UnitRunning, "")
}

func (p *Progress) Succeed(name string) {
	p.set(name, UnitSuccess, "")
}

func (p *Progress) Fail(name string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p.set(name, UnitFailure, msg)
}

// Units returns a snapshot of the units in start order
func (p *Progress) Units() []Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Unit(nil), p.units...)
}

func (p *Progress) set(name string, status UnitStatus, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.units {
		if p.units[i].Name == name {
			p.units[i].Status = status
			p.units[i].Message = msg
			return
		}
	}
	p.units = append(p.units, Unit{Name: name, Status: status, Message: msg})
}
