// Package models defines the activity stream envelope exchanged with clients
// and the job types exchanged with platform workers.
package models

import "strings"

// Actor identifies who an activity or credential belongs to.
type Actor struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// ActivityStream is the uniform message envelope. Context names the target
// platform; Type is the verb.
type ActivityStream struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Context string         `json:"context"`
	Actor   *Actor         `json:"actor,omitempty"`
	Target  *Actor         `json:"target,omitempty"`
	Object  map[string]any `json:"object,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ActorID returns the actor id or "" when the actor is absent.
func (a *ActivityStream) ActorID() string {
	if a == nil || a.Actor == nil {
		return ""
	}
	return a.Actor.ID
}

// TypeCredentials marks a message carrying credentials for an actor.
const TypeCredentials = "credentials"

// IsCredentials reports whether the message carries credentials.
func (a *ActivityStream) IsCredentials() bool {
	return strings.EqualFold(a.Type, TypeCredentials)
}

// Credentials is the plaintext object kept by the credential store.
type Credentials struct {
	Type    string         `json:"type"`
	Context string         `json:"context"`
	Actor   *Actor         `json:"actor,omitempty"`
	Object  map[string]any `json:"object"`
}

// CredentialRecord is the encrypted form persisted in the shared store.
type CredentialRecord struct {
	ActorID     string `json:"actorId"`
	Ciphertext  string `json:"ciphertext"`
	IV          string `json:"iv"`
	ContentHash string `json:"contentHash"`
}

// JobData is what a worker's handler receives once a payload is decrypted.
type JobData struct {
	Title     string          `json:"title"`
	SessionID string          `json:"sessionId"`
	Msg       *ActivityStream `json:"msg"`
	// CredentialsHash pins the credentials version the sender had saved
	// for the actor when the job was queued.
	CredentialsHash string `json:"credentialsHash,omitempty"`

	// Credentials is resolved by the worker for verbs that need them and
	// never leaves the worker process.
	Credentials *Credentials `json:"-"`
}

// JobResult is the outcome reported by a worker. Exactly one of Value
// (possibly nil for "no content") or Error is meaningful, chosen by OK.
type JobResult struct {
	OK    bool   `json:"ok"`
	Value any    `json:"value"`
	Error string `json:"error,omitempty"`
}

// Ok wraps a successful handler return value.
func Ok(v any) JobResult { return JobResult{OK: true, Value: v} }

// Err wraps a handler failure message.
func Err(msg string) JobResult { return JobResult{Error: msg} }

// ServerName is the actor name used for errors generated by the gateway.
const ServerName = "sockethub-server"

// NewServerError builds the error object sent to a client for failures the
// gateway itself detects, such as rate limiting.
func NewServerError(summary string) *ActivityStream {
	return &ActivityStream{
		Type:    "Error",
		Context: "error",
		Actor:   &Actor{Type: "Application", Name: ServerName},
		Summary: summary,
	}
}

// Summary used when a client exceeds its rate limit.
const SummaryRateLimited = "rate limit exceeded, temporarily blocked"
