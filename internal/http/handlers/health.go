package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/recordarr/internal/state"
	"github.com/jmylchreest/recordarr/pkg/format"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	store     *state.Store
	db        Pinger
	now       func() time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, store *state.Store) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		store:     store,
		now:       time.Now,
	}
}

// WithDB sets the database used for health checks.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse describes service health.
type HealthResponse struct {
	Status        string      `json:"status"`
	Version       string      `json:"version"`
	Uptime        string      `json:"uptime"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Database      string      `json:"database"`
	ActiveStreams int         `json:"active_streams"`
	Usage         state.Usage `json:"usage"`
	CPU           string      `json:"cpu"`
	Memory        string      `json:"memory"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns version, uptime and the latest usage sample",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	uptime := h.now().Sub(h.startTime)
	usage := h.store.GlobalState().Usage

	resp := HealthResponse{
		Status:        "ok",
		Version:       h.version,
		Uptime:        format.Uptime(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		Database:      "not_configured",
		Usage:         usage,
		CPU:           format.Percentage(usage.CPUPercent, 1),
		Memory:        format.Bytes(int64(usage.RSSBytes)), //nolint:gosec // RSS fits in int64
	}

	for _, st := range h.store.LiveState() {
		if st.Active {
			resp.ActiveStreams++
		}
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "error"
		} else {
			resp.Database = "ok"
		}
	}

	return &HealthOutput{Body: resp}, nil
}
