package core

import "time"

// Severity levels for events.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// EventRecord is an immutable audit entry in the state store. Records are
// append-only; only archive(workflow) removes them, together with their
// workflow.
type EventRecord struct {
	Seq        int64
	WorkflowID WorkflowID
	EventType  string
	Severity   Severity
	PhaseName  PhaseName
	FromState  WorkflowState
	ToState    WorkflowState
	Message    string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// MetricsAggregate is a daily rollup per (date, kind). It is recomputed on
// demand from workflow rows and is not authoritative.
type MetricsAggregate struct {
	Date            string
	Kind            WorkflowKind
	Count           int
	Completed       int
	Failed          int
	Cancelled       int
	SuccessRate     float64
	AvgDurationSecs float64
	TotalCostUSD    float64
	TotalTokens     int
}
