// Package api holds the JSON bodies of the HTTP session transport and the
// admin API, shared by the server and the Go client.
package api

import (
	"encoding/json"
	"time"
)

type CreateSessionRequest struct {
	// Secret is the client-held session secret. The server generates one
	// when it is empty.
	Secret string `json:"secret,omitempty"`
}

type CreateSessionResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

type SubmitResponse struct {
	Queued bool `json:"queued"`
}

// Event is one message the gateway emitted to a session.
type Event struct {
	Seq     uint64          `json:"seq"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type EventsResponse struct {
	Events []Event `json:"events"`
	// Dropped counts events discarded because the session buffer was full.
	Dropped uint64 `json:"dropped,omitempty"`
}

type DisconnectResponse struct {
	Disconnected bool `json:"disconnected"`
}

type InstanceInfo struct {
	ID                    string    `json:"id"`
	Platform              string    `json:"platform"`
	Sockets               []string  `json:"sockets"`
	FlaggedForTermination bool      `json:"flagged_for_termination"`
	CreatedAt             time.Time `json:"created_at"`
}

type ListInstancesResponse struct {
	Instances []InstanceInfo `json:"instances"`
}

type PlatformInfo struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Verbs   []string `json:"verbs,omitempty"`
	Persist bool     `json:"persist"`
}

type ListPlatformsResponse struct {
	Platforms []PlatformInfo `json:"platforms"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Store     string `json:"store"`
	Sockets   int    `json:"sockets"`
	Instances int    `json:"instances"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
