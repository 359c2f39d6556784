// Package ingest implements a small OTLP/HTTP log sink backed by MongoDB.
// It exists for development and end-to-end testing of the exporter agent;
// production deployments point the agent at a hosted backend instead.
package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adotel/adotel/pkg/models"
	"go.uber.org/zap"
)

// Handler handles HTTP requests.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// NewHandler creates the sink's HTTP handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// IngestLogs accepts an OTLP/HTTP JSON logs payload.
func (h *Handler) IngestLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.ExportLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", zap.Error(err))
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	byPipeline := flatten(req)
	total := 0
	for pipeline, records := range byPipeline {
		if err := h.store.InsertBatch(r.Context(), pipeline, records); err != nil {
			h.logger.Error("failed to store batch",
				zap.Error(err),
				zap.String("pipeline", pipeline))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		total += len(records)
	}

	h.logger.Debug("payload stored",
		zap.Int("records", total),
		zap.Int("pipelines", len(byPipeline)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(models.ExportLogsResponse{})
}

// Health handles health check requests.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

// flatten converts the nested OTLP payload into storable documents grouped
// by pipeline name.
func flatten(req models.ExportLogsRequest) map[string][]StoredRecord {
	out := make(map[string][]StoredRecord)
	for _, rl := range req.ResourceLogs {
		resource := fromKeyValues(rl.Resource.Attributes)
		pipeline := resource["pipeline.name"]
		if pipeline == "" {
			pipeline = "unknown"
		}
		for _, sl := range rl.ScopeLogs {
			for _, lr := range sl.LogRecords {
				out[pipeline] = append(out[pipeline], StoredRecord{
					Timestamp:      fromUnixNano(lr.TimeUnixNano),
					SeverityText:   lr.SeverityText,
					SeverityNumber: lr.SeverityNumber,
					Body:           lr.Body.StringValue,
					Resource:       resource,
					Attributes:     fromKeyValues(lr.Attributes),
				})
			}
		}
	}
	return out
}

func fromKeyValues(kvs []models.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		attrs[kv.Key] = kv.Value.StringValue
	}
	return attrs
}

func fromUnixNano(s string) time.Time {
	nanos, err := strconv.ParseInt(s, 10, 64)
	if err != nil || nanos <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(0, nanos).UTC()
}
