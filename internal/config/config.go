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

// Package config loads and validates the engine configuration from YAML.
// Every knob has a default so an empty file yields a runnable single-instance
// configuration backed by in-memory stores.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" parse directly.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Redis         RedisConfig         `yaml:"redis"`
	Database      DatabaseConfig      `yaml:"database"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	NodeHealth    NodeHealthConfig    `yaml:"node_health"`
	Strategy      StrategyConfig      `yaml:"strategy"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Security      SecurityConfig      `yaml:"security"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig selects the backing for the tracker and distributed lock.
// An empty Addr selects the in-memory implementations, which are valid for
// single-instance deployments only.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig selects the approval store backing. An empty DSN selects
// the in-memory store (approvals then do not survive a restart).
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type NotificationsConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

type HeartbeatConfig struct {
	Timeout Duration `yaml:"timeout"`
}

type NodeHealthConfig struct {
	CPUMax       float64 `yaml:"cpu_max"`
	MemMax       float64 `yaml:"mem_max"`
	ErrorRateMax float64 `yaml:"error_rate_max"`
	// UnhealthyThreshold is k: the number of unhealthy nodes a cluster
	// tolerates before it is Unhealthy rather than Degraded.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`
}

type StrategyConfig struct {
	PerNodeConcurrency int             `yaml:"per_node_concurrency"`
	NodeApplyTimeout   Duration        `yaml:"node_apply_timeout"`
	Rolling            RollingConfig   `yaml:"rolling"`
	BlueGreen          BlueGreenConfig `yaml:"bluegreen"`
	Canary             CanaryConfig    `yaml:"canary"`
}

type RollingConfig struct {
	BatchSize          int      `yaml:"batch_size"`
	HealthCheckTimeout Duration `yaml:"health_check_timeout"`
}

type BlueGreenConfig struct {
	SmokeDuration Duration `yaml:"smoke_duration"`
}

type CanaryConfig struct {
	Waves        []float64         `yaml:"waves"`
	SoakDuration Duration          `yaml:"soak_duration"`
	Degradation  DegradationConfig `yaml:"degradation"`
}

// DegradationConfig holds the canary comparison ratios. They are data, not
// code, so operators can tune them per service and per environment.
type DegradationConfig struct {
	ErrorRateRatio float64 `yaml:"error_rate_ratio"`
	LatencyRatio   float64 `yaml:"latency_ratio"`
	CPURatio       float64 `yaml:"cpu_ratio"`
	MemoryRatio    float64 `yaml:"memory_ratio"`
}

type ApprovalConfig struct {
	Timeout       Duration `yaml:"timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
	RetentionTTL  Duration `yaml:"retention_ttl"`
}

type TrackerConfig struct {
	ResultTTL     Duration `yaml:"result_ttl"`
	InProgressTTL Duration `yaml:"in_progress_ttl"`
}

type SecurityConfig struct {
	// Strict aborts the pipeline on an invalid signature. Production runs
	// strict regardless of this setting; permissive mode only applies to
	// the other environments. Pointer so an absent key defaults to true.
	Strict        *bool  `yaml:"strict"`
	TrustStoreDir string `yaml:"trust_store_dir"`
}

// StrictSignatures reports whether invalid signatures abort the pipeline.
func (s SecurityConfig) StrictSignatures() bool {
	return s.Strict == nil || *s.Strict
}

type OrchestratorConfig struct {
	QueueDepth   int      `yaml:"queue_depth"`
	Workers      int      `yaml:"workers"`
	StageTimeout Duration `yaml:"stage_timeout"`
}

// Load reads, defaults, and validates configuration from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.MetricsPort == "" {
		c.Server.MetricsPort = "9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Heartbeat.Timeout.Duration == 0 {
		c.Heartbeat.Timeout.Duration = 2 * time.Minute
	}
	if c.NodeHealth.CPUMax == 0 {
		c.NodeHealth.CPUMax = 90
	}
	if c.NodeHealth.MemMax == 0 {
		c.NodeHealth.MemMax = 90
	}
	if c.NodeHealth.ErrorRateMax == 0 {
		c.NodeHealth.ErrorRateMax = 0.05
	}
	if c.NodeHealth.UnhealthyThreshold == 0 {
		c.NodeHealth.UnhealthyThreshold = 2
	}
	if c.Strategy.PerNodeConcurrency == 0 {
		c.Strategy.PerNodeConcurrency = 10
	}
	if c.Strategy.NodeApplyTimeout.Duration == 0 {
		c.Strategy.NodeApplyTimeout.Duration = 2 * time.Minute
	}
	if c.Strategy.Rolling.BatchSize == 0 {
		c.Strategy.Rolling.BatchSize = 2
	}
	if c.Strategy.Rolling.HealthCheckTimeout.Duration == 0 {
		c.Strategy.Rolling.HealthCheckTimeout.Duration = 2 * time.Minute
	}
	if c.Strategy.BlueGreen.SmokeDuration.Duration == 0 {
		c.Strategy.BlueGreen.SmokeDuration.Duration = 5 * time.Minute
	}
	if len(c.Strategy.Canary.Waves) == 0 {
		c.Strategy.Canary.Waves = []float64{0.1, 0.3, 0.5, 1.0}
	}
	if c.Strategy.Canary.SoakDuration.Duration == 0 {
		c.Strategy.Canary.SoakDuration.Duration = 5 * time.Minute
	}
	if c.Strategy.Canary.Degradation.ErrorRateRatio == 0 {
		c.Strategy.Canary.Degradation.ErrorRateRatio = 1.5
	}
	if c.Strategy.Canary.Degradation.LatencyRatio == 0 {
		c.Strategy.Canary.Degradation.LatencyRatio = 2.0
	}
	if c.Strategy.Canary.Degradation.CPURatio == 0 {
		c.Strategy.Canary.Degradation.CPURatio = 1.3
	}
	if c.Strategy.Canary.Degradation.MemoryRatio == 0 {
		c.Strategy.Canary.Degradation.MemoryRatio = 1.3
	}
	if c.Approval.Timeout.Duration == 0 {
		c.Approval.Timeout.Duration = 24 * time.Hour
	}
	if c.Approval.SweepInterval.Duration == 0 {
		c.Approval.SweepInterval.Duration = 60 * time.Second
	}
	if c.Approval.RetentionTTL.Duration == 0 {
		c.Approval.RetentionTTL.Duration = 24 * time.Hour
	}
	if c.Tracker.ResultTTL.Duration == 0 {
		c.Tracker.ResultTTL.Duration = 24 * time.Hour
	}
	if c.Tracker.InProgressTTL.Duration == 0 {
		c.Tracker.InProgressTTL.Duration = 2 * time.Hour
	}
	if c.Orchestrator.QueueDepth == 0 {
		c.Orchestrator.QueueDepth = 256
	}
	if c.Orchestrator.Workers == 0 {
		c.Orchestrator.Workers = 8
	}
	if c.Orchestrator.StageTimeout.Duration == 0 {
		c.Orchestrator.StageTimeout.Duration = 30 * time.Minute
	}
}

func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	if c.NodeHealth.ErrorRateMax <= 0 || c.NodeHealth.ErrorRateMax > 1 {
		return fmt.Errorf("node_health.error_rate_max must be in (0, 1], got %v", c.NodeHealth.ErrorRateMax)
	}
	if c.Strategy.Rolling.BatchSize < 1 {
		return fmt.Errorf("strategy.rolling.batch_size must be >= 1, got %d", c.Strategy.Rolling.BatchSize)
	}
	if c.Strategy.PerNodeConcurrency < 1 {
		return fmt.Errorf("strategy.per_node_concurrency must be >= 1, got %d", c.Strategy.PerNodeConcurrency)
	}
	waves := c.Strategy.Canary.Waves
	if len(waves) == 0 {
		return fmt.Errorf("strategy.canary.waves must not be empty")
	}
	prev := 0.0
	for i, w := range waves {
		if w <= prev || w > 1.0 {
			return fmt.Errorf("strategy.canary.waves must be ascending fractions in (0, 1], got %v at index %d", w, i)
		}
		prev = w
	}
	if waves[len(waves)-1] != 1.0 {
		return fmt.Errorf("strategy.canary.waves must end at 1.0, got %v", waves[len(waves)-1])
	}
	if c.Orchestrator.QueueDepth < 1 {
		return fmt.Errorf("orchestrator.queue_depth must be >= 1, got %d", c.Orchestrator.QueueDepth)
	}
	return nil
}
