package gateway

import "github.com/mattjoyce/wecom-gateway/internal/events"

// ErrorResponse is the body of every non-2xx response. Messages are generic
// and never describe which check failed.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
}

// ackBody is the literal acknowledgment the platform expects.
const ackBody = "success"
