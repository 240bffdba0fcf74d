package core

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// HealthStatus represents the health state of the remote service
type HealthStatus struct {
	Status         string            `json:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID     string            `json:"instance_id"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connections    int64             `json:"connections"`
	Sessions       int               `json:"sessions"`
	MQTTEnabled    bool              `json:"mqtt_enabled"`
	MQTTConnected  bool              `json:"mqtt_connected"`
	ActiveCaptures map[string]string `json:"active_captures,omitempty"` // kind -> backend
}

// HealthCheck returns the current health status of the service
func (r *Remote) HealthCheck() HealthStatus {
	r.mu.RLock()
	running := r.isRunning
	started := r.started
	r.mu.RUnlock()

	status := HealthStatus{
		Status:         "healthy",
		InstanceID:     r.cfg.InstanceID,
		Connections:    r.hub.Stats().Connections,
		Sessions:       r.handler.Stats().Sessions,
		MQTTEnabled:    r.emitter != nil,
		ActiveCaptures: make(map[string]string),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if r.emitter != nil {
		status.MQTTConnected = r.emitter.Connected()
	}
	for kind, backend := range r.supervisor.Active() {
		status.ActiveCaptures[string(kind)] = backend
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health: 200 while the process is alive
func (r *Remote) LivenessHandler(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness: 503 when unhealthy, 200 otherwise
// (degraded still serves controllers)
func (r *Remote) ReadinessHandler(w http.ResponseWriter, req *http.Request) {
	health := r.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health) //nolint:errcheck
}

// MetricsHandler handles /metrics in Prometheus text exposition format
func (r *Remote) MetricsHandler(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(r.renderMetrics())) //nolint:errcheck
}

func (r *Remote) renderMetrics() string {
	hubStats := r.hub.Stats()
	handlerStats := r.handler.Stats()
	registryStats := r.registry.Stats()
	captureStats := r.supervisor.Stats()

	var b strings.Builder
	writeGauge(&b, "remote_connections", "Open controller connections.", float64(hubStats.Connections))
	writeCounter(&b, "remote_connections_accepted_total", "Accepted controller connections.", hubStats.Accepted)
	writeCounter(&b, "remote_connections_rejected_total", "Rejected upgrade or session attempts.", hubStats.Rejected)
	writeCounter(&b, "remote_decode_errors_total", "Malformed invocations received.", hubStats.DecodeErrors)
	writeGauge(&b, "remote_sessions", "Sessions known to the command handler.", float64(handlerStats.Sessions))
	writeCounter(&b, "remote_invocations_total", "Invocations handled.", handlerStats.Invocations)
	writeCounter(&b, "remote_not_authorized_total", "Guarded invocations refused for lack of authentication.", handlerStats.NotAuthorized)
	writeCounter(&b, "remote_unknown_methods_total", "Invocations naming an unknown method.", handlerStats.UnknownMethods)
	writeCounter(&b, "remote_events_delivered_total", "Events delivered to session outboxes.", registryStats.Delivered)
	writeCounter(&b, "remote_events_session_gone_total", "Events addressed to a session that had left.", registryStats.Gone)
	writeCounter(&b, "remote_capture_streams_started_total", "Capture streams committed to a backend.", captureStats.StreamsStarted)
	writeCounter(&b, "remote_capture_candidate_failures_total", "Capture candidates that failed to start or produce a frame.", captureStats.CandidateFails)
	writeCounter(&b, "remote_capture_no_viable_backend_total", "Capture requests with no working backend.", captureStats.NoViableBackend)

	kinds := make([]string, 0, len(captureStats.Active))
	for kind := range captureStats.Active {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	b.WriteString("# HELP remote_capture_active Open capture backend per kind.\n")
	b.WriteString("# TYPE remote_capture_active gauge\n")
	for _, kind := range kinds {
		b.WriteString(`remote_capture_active{kind="` + kind + `"} 1` + "\n")
	}

	if r.emitter != nil {
		stats := r.emitter.Stats()
		connected := 0.0
		if stats.Connected {
			connected = 1
		}
		writeGauge(&b, "remote_mqtt_connected", "Whether the MQTT broker connection is up.", connected)
		writeCounter(&b, "remote_mqtt_errors_total", "Failed MQTT publishes.", stats.Errors)
		writeCounter(&b, "remote_audit_dropped_total", "Audit events dropped on a full queue.", stats.Dropped)
	}

	return b.String()
}

func writeCounter(b *strings.Builder, name, help string, value uint64) {
	writeHeader(b, name, help, "counter")
	b.WriteString(name + " " + strconv.FormatUint(value, 10) + "\n")
}

func writeGauge(b *strings.Builder, name, help string, value float64) {
	writeHeader(b, name, help, "gauge")
	b.WriteString(name + " " + strconv.FormatFloat(value, 'g', -1, 64) + "\n")
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	b.WriteString("# HELP " + name + " " + help + "\n")
	b.WriteString("# TYPE " + name + " " + kind + "\n")
}
