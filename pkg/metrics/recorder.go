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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder records the traffic routing executions as Prometheus metrics
type Recorder struct {
	info     *prometheus.GaugeVec
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
	weight   *prometheus.GaugeVec
}

// NewRecorder creates a new recorder and registers the Prometheus metrics
func NewRecorder(controller string, register bool) Recorder {
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: controller,
		Name:      "info",
		Help:      "Traffic router version information",
	}, []string{"version"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: controller,
		Name:      "execution_duration_seconds",
		Help:      "Seconds spent executing traffic routing requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: controller,
		Name:      "executions_total",
		Help:      "Total number of traffic routing executions",
	}, []string{"provider", "operation", "status"})

	weight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: controller,
		Name:      "destination_weight",
		Help:      "The destination weight set by the last traffic routing execution",
	}, []string{"release", "namespace", "host"})

	if register {
		prometheus.MustRegister(info)
		prometheus.MustRegister(duration)
		prometheus.MustRegister(total)
		prometheus.MustRegister(weight)
	}

	return Recorder{
		info:     info,
		duration: duration,
		total:    total,
		weight:   weight,
	}
}

// SetInfo sets the version label
func (cr *Recorder) SetInfo(version string) {
	cr.info.WithLabelValues(version).Set(1)
}

// SetDuration sets the time spent in seconds executing a request
func (cr *Recorder) SetDuration(provider, operation string, duration time.Duration) {
	cr.duration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// IncTotal increments the executions per outcome
func (cr *Recorder) IncTotal(provider, operation, status string) {
	cr.total.WithLabelValues(provider, operation, status).Inc()
}

// SetWeight sets the weight of a destination
func (cr *Recorder) SetWeight(release, namespace, host string, weight int) {
	cr.weight.WithLabelValues(release, namespace, host).Set(float64(weight))
}

// DeleteWeight removes the weight of a destination that is no longer routed
func (cr *Recorder) DeleteWeight(release, namespace, host string) {
	cr.weight.DeleteLabelValues(release, namespace, host)
}

func (cr *Recorder) GetInfoMetric() *prometheus.GaugeVec {
	return cr.info
}

func (cr *Recorder) GetDurationMetric() *prometheus.HistogramVec {
	return cr.duration
}

func (cr *Recorder) GetTotalMetric() *prometheus.CounterVec {
	return cr.total
}

func (cr *Recorder) GetWeightMetric() *prometheus.GaugeVec {
	return cr.weight
}
