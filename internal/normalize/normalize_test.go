package normalize

import (
	"reflect"
	"testing"
	"time"

	"github.com/adotel/adotel/pkg/models"
)

var testRun = models.PipelineRun{
	ID:           "101",
	Name:         "20260823.1",
	WebURL:       "https://dev.azure.com/acme/webapp/_build/results?buildId=101",
	State:        models.RunStateSucceeded,
	Organization: "acme",
	Project:      "webapp",
	PipelineID:   7,
	PipelineName: "build",
	CreatedAt:    time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC),
}

func TestRecordsSeverityMapping(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantNumber int
		wantText   string
		wantBody   string
	}{
		{"plain", "2026-08-23T10:04:58.1234567Z building target", models.SeverityInfo, "INFO", "building target"},
		{"error tag", "2026-08-23T10:04:59Z ##[error]compile failed", models.SeverityError, "ERROR", "compile failed"},
		{"warning tag", "2026-08-23T10:04:59Z ##[warning]flaky test", models.SeverityWarn, "WARN", "flaky test"},
		{"debug tag", "2026-08-23T10:04:59Z ##[debug]cache hit", models.SeverityDebug, "DEBUG", "cache hit"},
		{"command tag", "2026-08-23T10:04:59Z ##[command]go test ./...", models.SeverityInfo, "INFO", "go test ./..."},
		{"unknown tag keeps line", "2026-08-23T10:04:59Z ##[endgroup]", models.SeverityInfo, "INFO", "##[endgroup]"},
		{"no timestamp", "raw output without prefix", models.SeverityInfo, "INFO", "raw output without prefix"},
	}

	chunk := models.LogChunk{LogID: 1, CreatedAt: time.Date(2026, 8, 23, 10, 5, 0, 0, time.UTC)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk.Lines = []string{tt.line}
			recs := Records(testRun, chunk)
			if len(recs) != 1 {
				t.Fatalf("expected 1 record, got %d", len(recs))
			}
			r := recs[0]
			if r.SeverityNumber != tt.wantNumber || r.SeverityText != tt.wantText {
				t.Errorf("severity = %d/%s, want %d/%s", r.SeverityNumber, r.SeverityText, tt.wantNumber, tt.wantText)
			}
			if r.Body != tt.wantBody {
				t.Errorf("body = %q, want %q", r.Body, tt.wantBody)
			}
		})
	}
}

func TestRecordsTimestamps(t *testing.T) {
	chunk := models.LogChunk{
		LogID:     3,
		CreatedAt: time.Date(2026, 8, 23, 10, 5, 0, 0, time.UTC),
		Lines: []string{
			"2026-08-23T10:04:58Z stamped line",
			"unstamped line",
		},
	}
	recs := Records(testRun, chunk)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if want := time.Date(2026, 8, 23, 10, 4, 58, 0, time.UTC); !recs[0].Timestamp.Equal(want) {
		t.Errorf("stamped line timestamp = %v, want %v", recs[0].Timestamp, want)
	}
	if !recs[1].Timestamp.Equal(chunk.CreatedAt) {
		t.Errorf("unstamped line should fall back to chunk creation time, got %v", recs[1].Timestamp)
	}
}

func TestRecordsSkipsBlankLines(t *testing.T) {
	chunk := models.LogChunk{LogID: 1, Lines: []string{"", "  ", "real line", ""}}
	recs := Records(testRun, chunk)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Attributes["log.line"] != "3" {
		t.Errorf("line attribute should keep the original position, got %q", recs[0].Attributes["log.line"])
	}
}

func TestRecordsResourceAttributes(t *testing.T) {
	chunk := models.LogChunk{LogID: 1, Lines: []string{"x"}}
	recs := Records(testRun, chunk)

	want := map[string]string{
		"organization":  "acme",
		"project":       "webapp",
		"pipeline.id":   "7",
		"pipeline.name": "build",
		"run.id":        "101",
		"run.name":      "20260823.1",
		"run.state":     "succeeded",
		"run.url":       "https://dev.azure.com/acme/webapp/_build/results?buildId=101",
	}
	if !reflect.DeepEqual(recs[0].Resource, want) {
		t.Errorf("resource attributes = %v, want %v", recs[0].Resource, want)
	}
}

func TestRecordsDeterministic(t *testing.T) {
	chunk := models.LogChunk{
		LogID:     1,
		CreatedAt: time.Date(2026, 8, 23, 10, 5, 0, 0, time.UTC),
		Lines:     []string{"2026-08-23T10:04:58Z a", "##[error]b", "c"},
	}
	first := Records(testRun, chunk)
	second := Records(testRun, chunk)
	if !reflect.DeepEqual(first, second) {
		t.Error("identical input must produce identical output")
	}
}

func TestRecordsMalformedNeverDropped(t *testing.T) {
	chunk := models.LogChunk{
		LogID:     1,
		CreatedAt: time.Date(2026, 8, 23, 10, 5, 0, 0, time.UTC),
		Lines: []string{
			"\x00\xff binary garbage",
			"2026-08-23T10:04:58Z",   // timestamp with nothing after it
			"##[",                    // truncated directive
			"not-a-timestamp trailer",
		},
	}
	recs := Records(testRun, chunk)
	if len(recs) != 4 {
		t.Fatalf("malformed lines must still be emitted, got %d of 4", len(recs))
	}
	for _, r := range recs {
		if r.SeverityNumber != models.SeverityInfo {
			t.Errorf("malformed line should default to info, got %d", r.SeverityNumber)
		}
		if r.Body == "" {
			t.Error("record body must never be empty")
		}
		if r.Timestamp.IsZero() {
			t.Error("record timestamp must never be zero")
		}
	}
}
