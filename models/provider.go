package models

import "time"

// ProviderHealth is a point-in-time snapshot of a single backend's health
// state as tracked by the load balancer. Safe to serialize to JSON.
type ProviderHealth struct {
	Name                string        `json:"name"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AverageLatency      time.Duration `json:"average_latency"`
	LastUsedAt          time.Time     `json:"last_used_at,omitempty"`
	DisabledUntil       time.Time     `json:"disabled_until,omitempty"`
	Available           bool          `json:"available"`
}

// ProviderOutcomeEvent records the result of one backend dispatch attempt
// for operator-facing telemetry.
type ProviderOutcomeEvent struct {
	Provider  string
	Success   bool
	Latency   time.Duration
	ErrorKind string
	CreatedAt time.Time
}
