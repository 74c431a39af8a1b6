// Package ingest handles HTTP and datagram ingestion of alerts.
package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"opsrelay/internal/queue"
	"opsrelay/internal/schema"
)

// Handler handles HTTP alert ingestion.
type Handler struct {
	validator   *schema.Validator
	queue       *queue.RingBuffer
	maxPayload  int
	maxBatch    int
	startTime   time.Time
	alertsTotal uint64
}

// NewHandler creates a new ingest Handler.
func NewHandler(validator *schema.Validator, q *queue.RingBuffer) *Handler {
	return &Handler{
		validator:  validator,
		queue:      q,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// IngestRequest is the request body for alert ingestion.
type IngestRequest struct {
	Alerts []AlertInput `json:"alerts"`
}

// AlertInput is the input format for alerts.
type AlertInput struct {
	AlertID     *uuid.UUID     `json:"alert_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Category    string         `json:"category"`
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Source      schema.Source  `json:"source,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IngestResponse is the response for alert ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleAlerts handles POST /v1/alerts.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	// Limit request body size
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if len(req.Alerts) == 0 {
		respondError(w, http.StatusBadRequest, "no alerts provided", requestID)
		return
	}

	if len(req.Alerts) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var accepted, rejected int
	var errors []string

	for i, input := range req.Alerts {
		alert := h.convertInput(input)

		if err := h.validator.Validate(alert); err != nil {
			rejected++
			errors = append(errors, fmt.Sprintf("alert[%d]: %s", i, err.Error()))
			continue
		}

		if err := h.queue.Push(alert); err != nil {
			rejected++
			if err == queue.ErrQueueFull {
				errors = append(errors, fmt.Sprintf("alert[%d]: queue full", i))
			} else {
				errors = append(errors, fmt.Sprintf("alert[%d]: %s", i, err.Error()))
			}
			continue
		}

		accepted++
		atomic.AddUint64(&h.alertsTotal, 1)
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		RequestID: requestID,
	}

	if len(errors) > 0 {
		resp.Errors = errors
	}

	status := http.StatusOK
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus // 207 for partial success
	}

	respondJSON(w, status, resp)
}

// convertInput converts an AlertInput to a canonical Alert.
func (h *Handler) convertInput(input AlertInput) *schema.Alert {
	alert := &schema.Alert{
		Timestamp:     input.Timestamp,
		Category:      input.Category,
		Severity:      input.Severity,
		Title:         input.Title,
		Description:   input.Description,
		Source:        input.Source,
		Fingerprint:   input.Fingerprint,
		Metadata:      input.Metadata,
		SchemaVersion: schema.SchemaVersion,
		ReceivedAt:    time.Now().UTC(),
	}

	// Generate alert ID if not provided
	if input.AlertID != nil {
		alert.AlertID = *input.AlertID
	} else {
		alert.AlertID = uuid.New()
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = alert.ReceivedAt
	}

	return alert
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}

	resp := map[string]any{
		"status":         status,
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}

	respondJSON(w, http.StatusOK, resp)
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP opsrelay_alerts_total Total number of alerts ingested\n")
	fmt.Fprintf(w, "# TYPE opsrelay_alerts_total counter\n")
	fmt.Fprintf(w, "opsrelay_alerts_total %d\n\n", atomic.LoadUint64(&h.alertsTotal))

	fmt.Fprintf(w, "# HELP opsrelay_queue_pushed_total Total alerts pushed to queue\n")
	fmt.Fprintf(w, "# TYPE opsrelay_queue_pushed_total counter\n")
	fmt.Fprintf(w, "opsrelay_queue_pushed_total %d\n\n", metrics.Pushed)

	fmt.Fprintf(w, "# HELP opsrelay_queue_popped_total Total alerts popped from queue\n")
	fmt.Fprintf(w, "# TYPE opsrelay_queue_popped_total counter\n")
	fmt.Fprintf(w, "opsrelay_queue_popped_total %d\n\n", metrics.Popped)

	fmt.Fprintf(w, "# HELP opsrelay_queue_dropped_total Total alerts dropped due to full queue\n")
	fmt.Fprintf(w, "# TYPE opsrelay_queue_dropped_total counter\n")
	fmt.Fprintf(w, "opsrelay_queue_dropped_total %d\n\n", metrics.Dropped)

	fmt.Fprintf(w, "# HELP opsrelay_queue_depth Current queue depth\n")
	fmt.Fprintf(w, "# TYPE opsrelay_queue_depth gauge\n")
	fmt.Fprintf(w, "opsrelay_queue_depth %d\n\n", metrics.Depth)

	fmt.Fprintf(w, "# HELP opsrelay_queue_capacity Queue capacity\n")
	fmt.Fprintf(w, "# TYPE opsrelay_queue_capacity gauge\n")
	fmt.Fprintf(w, "opsrelay_queue_capacity %d\n\n", metrics.Capacity)

	fmt.Fprintf(w, "# HELP opsrelay_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE opsrelay_uptime_seconds gauge\n")
	fmt.Fprintf(w, "opsrelay_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}
	respondJSON(w, status, resp)
}
