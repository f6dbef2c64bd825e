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

// Package logging provides standardized structured logging fields so that
// log lines are queryable by the same keys across every component.
package logging

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// StandardFields is a chainable builder of structured log fields.
type StandardFields map[string]interface{}

// NewFields creates an empty field set.
func NewFields() StandardFields {
	return StandardFields{}
}

// Component records which engine component emitted the line.
func (f StandardFields) Component(name string) StandardFields {
	f["component"] = name
	return f
}

// Operation records the operation being performed.
func (f StandardFields) Operation(op string) StandardFields {
	f["operation"] = op
	return f
}

// Resource records the resource type and, when known, its name.
func (f StandardFields) Resource(resourceType, name string) StandardFields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

// Duration records elapsed time in milliseconds.
func (f StandardFields) Duration(d time.Duration) StandardFields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error records the error message; nil errors are ignored.
func (f StandardFields) Error(err error) StandardFields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// ExecutionID records the deployment execution id.
func (f StandardFields) ExecutionID(id string) StandardFields {
	if id != "" {
		f["execution_id"] = id
	}
	return f
}

// TraceID records the correlation trace id.
func (f StandardFields) TraceID(id string) StandardFields {
	f["trace_id"] = id
	return f
}

// Environment records the target environment.
func (f StandardFields) Environment(env string) StandardFields {
	f["environment"] = env
	return f
}

// StatusCode records an HTTP status code.
func (f StandardFields) StatusCode(code int) StandardFields {
	f["status_code"] = code
	return f
}

// Method records an HTTP method.
func (f StandardFields) Method(method string) StandardFields {
	f["method"] = method
	return f
}

// URL records a request URL or path.
func (f StandardFields) URL(url string) StandardFields {
	f["url"] = url
	return f
}

// Count records a generic count.
func (f StandardFields) Count(n int) StandardFields {
	f["count"] = n
	return f
}

// Version records an artifact version.
func (f StandardFields) Version(v string) StandardFields {
	f["version"] = v
	return f
}

// Custom records an arbitrary key/value pair.
func (f StandardFields) Custom(key string, value interface{}) StandardFields {
	f[key] = value
	return f
}

// ToZap converts the field set to zap fields in stable key order.
func (f StandardFields) ToZap() []zap.Field {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, f[k]))
	}
	return fields
}

// DeploymentFields builds the standard fields for deployment lifecycle lines.
func DeploymentFields(operation, executionID string) StandardFields {
	return NewFields().
		Component("deployment").
		Operation(operation).
		Resource("deployment", executionID)
}

// StrategyFields builds the standard fields for rollout strategy lines.
func StrategyFields(strategy, operation string) StandardFields {
	return NewFields().
		Component("strategy").
		Operation(operation).
		Custom("strategy", strategy)
}

// NodeFields builds the standard fields for node operation lines.
func NodeFields(operation, nodeID string) StandardFields {
	return NewFields().
		Component("node").
		Operation(operation).
		Resource("node", nodeID)
}

// ApprovalFields builds the standard fields for approval gate lines.
func ApprovalFields(operation, executionID string) StandardFields {
	return NewFields().
		Component("approval").
		Operation(operation).
		Resource("approval", executionID)
}

// DatabaseFields builds the standard fields for database operation lines.
func DatabaseFields(operation, table string) StandardFields {
	return NewFields().
		Component("database").
		Operation(operation).
		Resource("table", table)
}

// HTTPFields builds the standard fields for HTTP request lines.
func HTTPFields(method, url string, statusCode int) StandardFields {
	return NewFields().
		Component("http").
		Method(method).
		URL(url).
		StatusCode(statusCode)
}

// MetricsFields builds the standard fields for metrics provider lines.
func MetricsFields(operation, metricName string, value float64) StandardFields {
	return NewFields().
		Component("metrics").
		Operation(operation).
		Custom("metric_name", metricName).
		Custom("value", value)
}

// SecurityFields builds the standard fields for signature verification lines.
func SecurityFields(operation, subject string) StandardFields {
	return NewFields().
		Component("security").
		Operation(operation).
		Custom("subject", subject)
}

// PerformanceFields builds the standard fields for timing lines.
func PerformanceFields(operation string, d time.Duration, success bool) StandardFields {
	return NewFields().
		Component("performance").
		Operation(operation).
		Duration(d).
		Custom("success", success)
}
