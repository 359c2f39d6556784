package models

import (
	"sort"
	"strconv"
)

// OTLP/HTTP JSON wire types for the logs signal. Field names follow the
// OTLP JSON mapping (camelCase, uint64 nanos as decimal strings).

// ExportLogsRequest is the body of a POST to the logs endpoint.
type ExportLogsRequest struct {
	ResourceLogs []ResourceLogs `json:"resourceLogs"`
}

// ExportLogsResponse is the backend's reply. An absent or empty
// PartialSuccess means everything was accepted.
type ExportLogsResponse struct {
	PartialSuccess *LogsPartialSuccess `json:"partialSuccess,omitempty"`
}

// LogsPartialSuccess reports how many records the backend rejected.
type LogsPartialSuccess struct {
	RejectedLogRecords int64  `json:"rejectedLogRecords,omitempty"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
}

type ResourceLogs struct {
	Resource  Resource    `json:"resource"`
	ScopeLogs []ScopeLogs `json:"scopeLogs"`
}

type Resource struct {
	Attributes []KeyValue `json:"attributes,omitempty"`
}

type ScopeLogs struct {
	Scope      InstrumentationScope `json:"scope"`
	LogRecords []OTLPLogRecord      `json:"logRecords"`
}

type InstrumentationScope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type OTLPLogRecord struct {
	TimeUnixNano   string     `json:"timeUnixNano"`
	SeverityNumber int        `json:"severityNumber,omitempty"`
	SeverityText   string     `json:"severityText,omitempty"`
	Body           AnyValue   `json:"body"`
	Attributes     []KeyValue `json:"attributes,omitempty"`
}

type KeyValue struct {
	Key   string   `json:"key"`
	Value AnyValue `json:"value"`
}

// AnyValue carries only string values; every attribute this system emits is
// a string.
type AnyValue struct {
	StringValue string `json:"stringValue"`
}

// NewExportLogsRequest converts normalized records to the OTLP wire shape,
// grouping consecutive records that share a resource. Record order within
// the request matches the input order, which partial-success accounting
// relies on.
func NewExportLogsRequest(scope InstrumentationScope, records []LogRecord) ExportLogsRequest {
	var req ExportLogsRequest
	var current *ResourceLogs
	var currentKey string

	for _, rec := range records {
		key := resourceKey(rec.Resource)
		if current == nil || key != currentKey {
			req.ResourceLogs = append(req.ResourceLogs, ResourceLogs{
				Resource:  Resource{Attributes: toKeyValues(rec.Resource)},
				ScopeLogs: []ScopeLogs{{Scope: scope}},
			})
			current = &req.ResourceLogs[len(req.ResourceLogs)-1]
			currentKey = key
		}
		sl := &current.ScopeLogs[0]
		sl.LogRecords = append(sl.LogRecords, OTLPLogRecord{
			TimeUnixNano:   strconv.FormatInt(rec.Timestamp.UnixNano(), 10),
			SeverityNumber: rec.SeverityNumber,
			SeverityText:   rec.SeverityText,
			Body:           AnyValue{StringValue: rec.Body},
			Attributes:     toKeyValues(rec.Attributes),
		})
	}
	return req
}

func toKeyValues(attrs map[string]string) []KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, KeyValue{Key: k, Value: AnyValue{StringValue: attrs[k]}})
	}
	return kvs
}

func resourceKey(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var key string
	for _, k := range keys {
		key += k + "\x00" + attrs[k] + "\x00"
	}
	return key
}
