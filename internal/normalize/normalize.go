// Package normalize converts raw pipeline log lines into OTLP-shaped log
// records. Conversion is deterministic and never fails: a line that resists
// parsing becomes an info-severity record with the raw text as body.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/adotel/adotel/pkg/models"
)

// Azure Pipelines prefixes every persisted log line with an ISO-8601
// timestamp and marks diagnostics with ##[tag] directives.
var severityTags = map[string]severity{
	"##[debug]":   {models.SeverityDebug, "DEBUG"},
	"##[command]": {models.SeverityInfo, "INFO"},
	"##[section]": {models.SeverityInfo, "INFO"},
	"##[group]":   {models.SeverityInfo, "INFO"},
	"##[warning]": {models.SeverityWarn, "WARN"},
	"##[error]":   {models.SeverityError, "ERROR"},
}

type severity struct {
	number int
	text   string
}

var defaultSeverity = severity{models.SeverityInfo, "INFO"}

// Records converts one log chunk of a run into log records, in line order.
// Blank lines are dropped.
func Records(run models.PipelineRun, chunk models.LogChunk) []models.LogRecord {
	resource := resourceAttributes(run)
	records := make([]models.LogRecord, 0, len(chunk.Lines))

	for i, raw := range chunk.Lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		ts, rest := splitTimestamp(line)
		if ts.IsZero() {
			ts = fallbackTime(run, chunk)
		}
		sev, body := splitSeverity(rest)
		if body == "" {
			// Nothing left after the prefix; keep the raw line rather than
			// emit an empty body.
			body = line
		}

		records = append(records, models.LogRecord{
			Timestamp:      ts,
			SeverityNumber: sev.number,
			SeverityText:   sev.text,
			Body:           body,
			Resource:       resource,
			Attributes: map[string]string{
				"log.id":   strconv.Itoa(chunk.LogID),
				"log.line": strconv.Itoa(i + 1),
			},
		})
	}
	return records
}

func resourceAttributes(run models.PipelineRun) map[string]string {
	attrs := map[string]string{
		"organization":  run.Organization,
		"project":       run.Project,
		"pipeline.id":   strconv.Itoa(run.PipelineID),
		"pipeline.name": run.PipelineName,
		"run.id":        run.ID,
		"run.name":      run.Name,
		"run.state":     string(run.State),
		"run.url":       run.WebURL,
	}
	if run.PipelineFolder != "" {
		attrs["pipeline.folder"] = run.PipelineFolder
	}
	if run.PipelineRevision != 0 {
		attrs["pipeline.revision"] = strconv.Itoa(run.PipelineRevision)
	}
	return attrs
}

// splitTimestamp peels a leading ISO-8601 timestamp off the line. Returns a
// zero time when the line has none.
func splitTimestamp(line string) (time.Time, string) {
	head, rest, found := strings.Cut(line, " ")
	if !found {
		head, rest = line, ""
	}
	ts, err := time.Parse(time.RFC3339Nano, head)
	if err != nil {
		return time.Time{}, line
	}
	return ts, rest
}

// splitSeverity maps a leading ##[tag] directive to a severity and strips it
// from the body. Lines without a recognized tag default to info.
func splitSeverity(line string) (severity, string) {
	if strings.HasPrefix(line, "##[") {
		if end := strings.Index(line, "]"); end >= 0 {
			tag := line[:end+1]
			if sev, ok := severityTags[tag]; ok {
				return sev, strings.TrimSpace(line[end+1:])
			}
			// Unrecognized directive (##[endgroup] and friends): keep the
			// whole line so nothing is lost.
			return defaultSeverity, line
		}
	}
	return defaultSeverity, line
}

// fallbackTime picks a timestamp for lines that don't carry one.
func fallbackTime(run models.PipelineRun, chunk models.LogChunk) time.Time {
	if !chunk.CreatedAt.IsZero() {
		return chunk.CreatedAt
	}
	return run.Finished()
}
