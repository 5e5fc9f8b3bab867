// Package handlers provides HTTP API handlers for recordarr.
package handlers

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/recordarr/internal/state"
)

// StatusHandler serves snapshots of the live state store.
type StatusHandler struct {
	store *state.Store
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(store *state.Store) *StatusHandler {
	return &StatusHandler{store: store}
}

// LiveInput is the input for the live state endpoint.
type LiveInput struct{}

// LiveOutput is the output for the live state endpoint.
type LiveOutput struct {
	Body LiveResponse
}

// LiveResponse lists every configured stream in configuration order.
type LiveResponse struct {
	Streams []state.NamedStreamState `json:"streams"`
}

// StreamInput selects one stream by name.
type StreamInput struct {
	Name string `path:"name" doc:"Configured stream name"`
}

// StreamOutput is the output for the single stream endpoint.
type StreamOutput struct {
	Body state.NamedStreamState
}

// ArtifactsInput is the input for the artifacts endpoint.
type ArtifactsInput struct{}

// ArtifactsOutput is the output for the artifacts endpoint.
type ArtifactsOutput struct {
	Body state.GlobalState
}

// Register registers the status routes with the API.
func (h *StatusHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getLiveState",
		Method:      "GET",
		Path:        "/api/v1/live",
		Summary:     "Live recording state",
		Description: "Returns a snapshot of every configured stream",
		Tags:        []string{"Status"},
	}, h.GetLive)

	huma.Register(api, huma.Operation{
		OperationID: "getStreamState",
		Method:      "GET",
		Path:        "/api/v1/live/{name}",
		Summary:     "Live state of one stream",
		Tags:        []string{"Status"},
	}, h.GetStream)

	huma.Register(api, huma.Operation{
		OperationID: "getArtifacts",
		Method:      "GET",
		Path:        "/api/v1/artifacts",
		Summary:     "Recorded artifacts",
		Description: "Returns the artifact list and the latest usage sample",
		Tags:        []string{"Status"},
	}, h.GetArtifacts)
}

// GetLive returns every stream's state.
func (h *StatusHandler) GetLive(ctx context.Context, input *LiveInput) (*LiveOutput, error) {
	return &LiveOutput{Body: LiveResponse{Streams: h.store.LiveState()}}, nil
}

// GetStream returns one stream's state.
func (h *StatusHandler) GetStream(ctx context.Context, input *StreamInput) (*StreamOutput, error) {
	st, ok := h.store.Stream(input.Name)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("stream %q is not configured", input.Name))
	}
	return &StreamOutput{Body: state.NamedStreamState{Name: input.Name, StreamState: st}}, nil
}

// GetArtifacts returns the global state.
func (h *StatusHandler) GetArtifacts(ctx context.Context, input *ArtifactsInput) (*ArtifactsOutput, error) {
	global := h.store.GlobalState()
	if global.Artifacts == nil {
		global.Artifacts = []state.Artifact{}
	}
	return &ArtifactsOutput{Body: global}, nil
}
