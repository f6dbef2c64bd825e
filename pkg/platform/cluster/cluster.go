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

// Package cluster aggregates the worker nodes of one environment. Cluster
// mutation happens exclusively through node registration and node-level
// operations; strategies read a copied node slice and never mutate the set.
package cluster

import (
	"sort"
	"sync"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/platform"
	"github.com/jordigilh/deploynaut/pkg/platform/node"
)

// Pool is a blue/green traffic pool label.
type Pool string

const (
	PoolBlue  Pool = "blue"
	PoolGreen Pool = "green"
)

// Other returns the opposite pool.
func (p Pool) Other() Pool {
	if p == PoolBlue {
		return PoolGreen
	}
	return PoolBlue
}

// State classifies aggregate cluster health.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Health is an aggregate health snapshot.
type Health struct {
	State          State   `json:"state"`
	TotalNodes     int     `json:"total_nodes"`
	HealthyNodes   int     `json:"healthy_nodes"`
	DegradedNodes  int     `json:"degraded_nodes"`
	UnhealthyNodes int     `json:"unhealthy_nodes"`
	AvgCPUPercent  float64 `json:"avg_cpu_percent"`
	AvgMemPercent  float64 `json:"avg_mem_percent"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	AvgErrorRate   float64 `json:"avg_error_rate"`
}

// Cluster is the node set for one environment.
type Cluster struct {
	Environment platform.Environment

	mu      sync.RWMutex
	nodes   map[string]*node.Node
	pools   map[string]Pool
	traffic Pool

	// unhealthyThreshold is k: more than k unhealthy nodes makes the
	// cluster Unhealthy instead of Degraded.
	unhealthyThreshold int
}

// New creates an empty cluster with traffic pointed at Blue.
func New(env platform.Environment, unhealthyThreshold int) *Cluster {
	return &Cluster{
		Environment:        env,
		nodes:              make(map[string]*node.Node),
		pools:              make(map[string]Pool),
		traffic:            PoolBlue,
		unhealthyThreshold: unhealthyThreshold,
	}
}

// AddNode registers a node. Nodes alternate between pools so blue-green has
// a candidate pool to stage onto.
func (c *Cluster) AddNode(n *node.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n.ID] = n
	if len(c.nodes)%2 == 1 {
		c.pools[n.ID] = PoolBlue
	} else {
		c.pools[n.ID] = PoolGreen
	}
}

// RemoveNode deregisters a node.
func (c *Cluster) RemoveNode(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, id)
	delete(c.pools, id)
}

// Node returns the registered node or nil.
func (c *Cluster) Node(id string) *node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[id]
}

// Nodes returns a copy of the node set sorted by id. Strategies operate on
// this snapshot for the duration of a rollout.
func (c *Cluster) Nodes() []*node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PoolNodes returns the snapshot restricted to one pool, sorted by id.
func (c *Cluster) PoolNodes(p Pool) []*node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*node.Node, 0, len(c.nodes))
	for id, n := range c.nodes {
		if c.pools[id] == p {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TrafficPool returns the pool currently serving traffic.
func (c *Cluster) TrafficPool() Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.traffic
}

// SwitchTraffic atomically flips the traffic pointer and returns the pool
// that was serving before the switch, so a rollback can swap back.
func (c *Cluster) SwitchTraffic() Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prior := c.traffic
	c.traffic = c.traffic.Other()
	return prior
}

// SetTraffic points traffic at p. Used by rollback to restore a recorded
// prior pointer.
func (c *Cluster) SetTraffic(p Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traffic = p
}

// Size returns the number of registered nodes.
func (c *Cluster) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// Health aggregates node health. The cluster is Healthy iff every node is
// healthy, Degraded while at most the threshold count is not, and Unhealthy
// beyond that.
func (c *Cluster) Health(t node.Thresholds) Health {
	nodes := c.Nodes()

	h := Health{TotalNodes: len(nodes)}
	if len(nodes) == 0 {
		h.State = StateHealthy
		return h
	}

	for _, n := range nodes {
		switch n.Health(t) {
		case node.StateHealthy:
			h.HealthyNodes++
		case node.StateDegraded:
			h.DegradedNodes++
		default:
			h.UnhealthyNodes++
		}
		sample := n.Sample()
		h.AvgCPUPercent += sample.CPUPercent
		h.AvgMemPercent += sample.MemoryPercent
		h.AvgLatencyMS += sample.LatencyMillis
		h.AvgErrorRate += sample.ErrorRate
	}

	total := float64(len(nodes))
	h.AvgCPUPercent /= total
	h.AvgMemPercent /= total
	h.AvgLatencyMS /= total
	h.AvgErrorRate /= total

	notHealthy := h.TotalNodes - h.HealthyNodes
	switch {
	case notHealthy == 0:
		h.State = StateHealthy
	case notHealthy <= c.unhealthyThreshold:
		h.State = StateDegraded
	default:
		h.State = StateUnhealthy
	}
	return h
}

// Registry is the injected cluster-membership capability. The engine never
// assumes a process-local singleton; single-instance runs use the in-memory
// implementation below.
type Registry interface {
	Get(env platform.Environment) (*Cluster, error)
	List() []*Cluster
}

// InMemoryRegistry is a concurrent in-memory Registry holding one cluster
// per environment.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	clusters map[platform.Environment]*Cluster
}

// NewInMemoryRegistry creates a registry with one empty cluster per
// environment.
func NewInMemoryRegistry(unhealthyThreshold int) *InMemoryRegistry {
	r := &InMemoryRegistry{clusters: make(map[platform.Environment]*Cluster)}
	for _, env := range platform.Environments() {
		r.clusters[env] = New(env, unhealthyThreshold)
	}
	return r
}

func (r *InMemoryRegistry) Get(env platform.Environment) (*Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[env]
	if !ok {
		return nil, apperrors.NewNotFoundError("cluster for environment " + env.String())
	}
	return c, nil
}

func (r *InMemoryRegistry) List() []*Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Cluster, 0, len(r.clusters))
	for _, env := range platform.Environments() {
		if c, ok := r.clusters[env]; ok {
			out = append(out, c)
		}
	}
	return out
}
