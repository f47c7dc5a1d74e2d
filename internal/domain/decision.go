package domain

import "time"

type DecisionType string

const (
	DecisionPreload          DecisionType = "preload"
	DecisionCacheMaintenance DecisionType = "cache-maintenance"
	DecisionStrategyUpdate   DecisionType = "strategy-update"
)

type ExpectedImpact struct {
	Performance float64 `json:"performance"`
	Memory      int64   `json:"memory_bytes"`
	Network     int64   `json:"network_bytes"`
}

// OrchestrationDecision is produced once per loop tick and never mutated
// after it is appended to the decision history.
type OrchestrationDecision struct {
	ID         string         `json:"id"`
	Type       DecisionType   `json:"type"`
	Loop       string         `json:"loop"`
	Priority   Priority       `json:"priority"`
	Components []string       `json:"components"`
	Rationale  string         `json:"rationale"`
	Impact     ExpectedImpact `json:"impact"`
	Immediate  []string       `json:"immediate,omitempty"`
	Deferred   []string       `json:"deferred,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Applied    bool           `json:"applied"`
}
