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
	"math"
	"sort"
)

// WeightPair holds the weight a destination was found with
// and the weight computed for it
type WeightPair struct {
	Original   *int
	Normalized *int
}

// Effective returns the normalized weight if set, the original weight otherwise,
// unset and negative weights count as zero
func (p WeightPair) Effective() int {
	if p.Normalized != nil && *p.Normalized >= 0 {
		return *p.Normalized
	}
	if p.Original != nil && *p.Original >= 0 {
		return *p.Original
	}
	return 0
}

// Weight returns the weight to be written into a resource, nil when neither weight is usable
func (p WeightPair) Weight() *int {
	if p.Normalized != nil && *p.Normalized >= 0 {
		w := *p.Normalized
		return &w
	}
	if p.Original != nil && *p.Original >= 0 {
		w := *p.Original
		return &w
	}
	return nil
}

// Destinations is a set of weighted hosts that keeps insertion order
type Destinations struct {
	hosts []string
	pairs map[string]WeightPair
}

func NewDestinations() *Destinations {
	return &Destinations{pairs: make(map[string]WeightPair)}
}

// Set adds or replaces a host, a replaced host keeps its position
func (d *Destinations) Set(host string, pair WeightPair) {
	if _, ok := d.pairs[host]; !ok {
		d.hosts = append(d.hosts, host)
	}
	d.pairs[host] = pair
}

func (d *Destinations) Get(host string) (WeightPair, bool) {
	if d == nil {
		return WeightPair{}, false
	}
	p, ok := d.pairs[host]
	return p, ok
}

func (d *Destinations) Has(host string) bool {
	_, ok := d.Get(host)
	return ok
}

// Hosts returns the hosts in insertion order
func (d *Destinations) Hosts() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.hosts...)
}

func (d *Destinations) Len() int {
	if d == nil {
		return 0
	}
	return len(d.hosts)
}

// Sum returns the total of the effective weights
func (d *Destinations) Sum() int {
	sum := 0
	for _, h := range d.Hosts() {
		sum += d.pairs[h].Effective()
	}
	return sum
}

// SumOriginal returns the total of the weights the destinations were found with
func (d *Destinations) SumOriginal() int {
	sum := 0
	for _, h := range d.Hosts() {
		if o := d.pairs[h].Original; o != nil && *o > 0 {
			sum += *o
		}
	}
	return sum
}

// ToWeightMap builds a destination set from a list of host and weight holders,
// negative weights are dropped and duplicated hosts keep the last weight
func ToWeightMap[T any](items []T, hostWeight func(T) (string, *int)) *Destinations {
	d := NewDestinations()
	for _, item := range items {
		host, weight := hostWeight(item)
		var original *int
		if weight != nil && *weight >= 0 {
			w := *weight
			original = &w
		}
		d.Set(host, WeightPair{Original: original})
	}
	return d
}

// FromWeightMap converts a destination set into a list, in insertion order
func FromWeightMap[T any](d *Destinations, build func(host string, weight *int) T) []T {
	out := make([]T, 0, d.Len())
	for _, h := range d.Hosts() {
		p, _ := d.Get(h)
		out = append(out, build(h, p.Weight()))
	}
	return out
}

// Normalize assigns weights that add up to exactly cap, proportionally to the
// effective weights or evenly when they add up to zero. Rounding drift is
// corrected on the smallest weights when short of cap and on the largest when over.
func Normalize(d *Destinations, cap int) *Destinations {
	out := NewDestinations()
	if d.Len() == 0 {
		return out
	}

	sum := d.Sum()
	hosts := d.Hosts()
	weights := make(map[string]int, len(hosts))
	normalizedSum := 0
	for _, h := range hosts {
		p, _ := d.Get(h)
		w := normalizeWeight(sum, p, len(hosts), cap)
		weights[h] = w
		normalizedSum += w
	}

	drift := cap - normalizedSum
	step := 1
	if drift < 0 {
		step = -1
		drift = -drift
	}

	sorted := append([]string(nil), hosts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if step < 0 {
			return weights[sorted[i]] > weights[sorted[j]]
		}
		return weights[sorted[i]] < weights[sorted[j]]
	})
	for _, h := range sorted {
		if drift == 0 {
			break
		}
		if weights[h]+step < 0 {
			continue
		}
		weights[h] += step
		drift--
	}

	for _, h := range hosts {
		p, _ := d.Get(h)
		w := weights[h]
		out.Set(h, WeightPair{Original: p.Original, Normalized: &w})
	}
	return out
}

func normalizeWeight(sum int, p WeightPair, groupSize int, cap int) int {
	if sum == 0 {
		return int(math.Round(float64(cap) / float64(groupSize)))
	}
	return int(math.Round(float64(p.Effective()) * float64(cap) / float64(sum)))
}

// FilterByMatch splits the configured destinations by their presence in the live set.
// Matched destinations carry the live weight as original and the configured weight
// as normalized, unmatched destinations carry the configured weight only.
func FilterByMatch(configured, live *Destinations) (unmatched *Destinations, matched *Destinations) {
	unmatched = NewDestinations()
	matched = NewDestinations()
	for _, h := range configured.Hosts() {
		c, _ := configured.Get(h)
		if l, ok := live.Get(h); ok {
			matched.Set(h, WeightPair{Original: l.Original, Normalized: c.Original})
			continue
		}
		unmatched.Set(h, WeightPair{Original: c.Original})
	}
	return unmatched, matched
}

// NormalizeFiltered applies the live patching policy: while the live weights of the
// matched destinations leave room below 100 the unmatched ones fill the remainder and
// the matched ones are kept, otherwise the unmatched ones get no traffic and the
// matched ones are normalized to 100.
func NormalizeFiltered(unmatched, matched *Destinations) (*Destinations, *Destinations) {
	current := matched.SumOriginal()
	if current < 100 {
		return Normalize(unmatched, 100-current), matched
	}
	return Normalize(unmatched, 0), Normalize(matched, 100)
}
