package models

import "time"

// Severity numbers follow the OpenTelemetry log data model.
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// LogRecord is a single normalized log line, the unit of export. Immutable
// once constructed.
type LogRecord struct {
	Timestamp      time.Time         `json:"timestamp"`
	SeverityText   string            `json:"severity_text"`
	SeverityNumber int               `json:"severity_number"`
	Body           string            `json:"body"`
	Resource       map[string]string `json:"resource"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}
