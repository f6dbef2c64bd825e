/*
Copyright 2026 Jordi Gil.

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

// Package metrics supplies node health snapshots with a short TTL cache and
// the pure degradation comparison the canary strategy drives rollback with.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/jordigilh/deploynaut/pkg/platform/node"
)

// Snapshot maps node id to one health observation.
type Snapshot map[string]node.HealthSample

// DegradationPolicy holds the per-counter ratios a current snapshot may not
// exceed relative to baseline. The ratios are configuration data so they can
// be tuned per service and per environment.
type DegradationPolicy struct {
	ErrorRateRatio float64
	LatencyRatio   float64
	CPURatio       float64
	MemoryRatio    float64
}

// DefaultDegradationPolicy mirrors the configuration defaults.
func DefaultDegradationPolicy() DegradationPolicy {
	return DegradationPolicy{
		ErrorRateRatio: 1.5,
		LatencyRatio:   2.0,
		CPURatio:       1.3,
		MemoryRatio:    1.3,
	}
}

type cachedSample struct {
	sample  node.HealthSample
	takenAt time.Time
}

// Provider reads node health counters. Snapshots are cached per node with a
// short TTL to bound load on the fleet.
type Provider struct {
	mu    sync.Mutex
	cache map[string]cachedSample
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a provider with the given cache TTL.
func NewProvider(ttl time.Duration, opts ...Option) *Provider {
	p := &Provider{
		cache: make(map[string]cachedSample),
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot returns the current counters for each node, served from the
// cache when fresh. Cancellation is observed between node reads.
func (p *Provider) Snapshot(ctx context.Context, nodes []*node.Node) (Snapshot, error) {
	out := make(Snapshot, len(nodes))
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[n.ID] = p.sampleNode(n)
	}
	return out, nil
}

// Baseline captures fresh counters for each node, bypassing and refreshing
// the cache. Call it immediately before an operation begins.
func (p *Provider) Baseline(ctx context.Context, nodes []*node.Node) (Snapshot, error) {
	out := make(Snapshot, len(nodes))
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sample := n.Sample()
		p.cache[n.ID] = cachedSample{sample: sample, takenAt: now}
		out[n.ID] = sample
	}
	return out, nil
}

func (p *Provider) sampleNode(n *node.Node) node.HealthSample {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[n.ID]; ok && now.Sub(cached.takenAt) < p.ttl {
		return cached.sample
	}
	sample := n.Sample()
	p.cache[n.ID] = cachedSample{sample: sample, takenAt: now}
	return sample
}

// Degraded compares a current snapshot against a baseline under the policy.
// An empty current sample set is conservatively degraded. Each counter is
// compared on its mean over the sampled nodes; a zero baseline mean cannot
// be ratio-compared and is skipped for that counter.
func Degraded(current, baseline Snapshot, policy DegradationPolicy) bool {
	if len(current) == 0 {
		return true
	}
	cur := mean(current)
	base := mean(baseline)

	if exceeds(cur.ErrorRate, base.ErrorRate, policy.ErrorRateRatio) {
		return true
	}
	if exceeds(cur.LatencyMillis, base.LatencyMillis, policy.LatencyRatio) {
		return true
	}
	if exceeds(cur.CPUPercent, base.CPUPercent, policy.CPURatio) {
		return true
	}
	if exceeds(cur.MemoryPercent, base.MemoryPercent, policy.MemoryRatio) {
		return true
	}
	return false
}

func exceeds(current, baseline, ratio float64) bool {
	if baseline <= 0 {
		return false
	}
	return current > baseline*ratio
}

func mean(s Snapshot) node.HealthSample {
	var out node.HealthSample
	if len(s) == 0 {
		return out
	}
	for _, sample := range s {
		out.CPUPercent += sample.CPUPercent
		out.MemoryPercent += sample.MemoryPercent
		out.LatencyMillis += sample.LatencyMillis
		out.ErrorRate += sample.ErrorRate
	}
	total := float64(len(s))
	out.CPUPercent /= total
	out.MemoryPercent /= total
	out.LatencyMillis /= total
	out.ErrorRate /= total
	return out
}
