// Package v1 defines the Vega Companion Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the coordinator and capture agents to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello registers an agent channel with the coordinator (agent -> coordinator).
	TypeHello = "hello"
	// TypeHelloAck acknowledges channel registration (coordinator -> agent).
	TypeHelloAck = "hello_ack"

	// TypePing is the channel heartbeat (agent -> coordinator).
	TypePing = "ping"
	// TypePong answers a heartbeat (coordinator -> agent).
	TypePong = "pong"

	// TypeLogin requests a login with the default provider (agent -> coordinator).
	TypeLogin = "login"
	// TypeLoginWithProvider requests a login with an explicit provider (agent -> coordinator).
	TypeLoginWithProvider = "login_with_provider"
	// TypeLoginWithPassword requests a password login (agent -> coordinator).
	// When RequestID is set, the coordinator collapses duplicate submissions.
	TypeLoginWithPassword = "login_with_password"
	// TypeLoginAck reports the outcome of a login request (coordinator -> agent).
	TypeLoginAck = "login_ack"

	// TypeLogout clears the active session (agent -> coordinator).
	TypeLogout = "logout"
	// TypeLogoutAck acknowledges a logout (coordinator -> agent).
	TypeLogoutAck = "logout_ack"

	// TypeGetAuthProviders asks for the enabled provider set (agent -> coordinator).
	TypeGetAuthProviders = "get_auth_providers"
	// TypeAuthProviders returns the enabled provider set (coordinator -> agent).
	TypeAuthProviders = "auth_providers"

	// TypeAuthStateChanged is broadcast-only (coordinator -> all agents). Never a request.
	TypeAuthStateChanged = "auth_state_changed"

	// TypeJobSave uploads a captured job posting (agent -> coordinator).
	TypeJobSave = "job_save"
	// TypeJobSaveAck acknowledges a job upload (coordinator -> agent).
	TypeJobSaveAck = "job_save_ack"

	// TypeError is a generic error envelope (coordinator -> agent).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypePing,
		TypePong,
		TypeLogin,
		TypeLoginWithProvider,
		TypeLoginWithPassword,
		TypeLoginAck,
		TypeLogout,
		TypeLogoutAck,
		TypeGetAuthProviders,
		TypeAuthProviders,
		TypeAuthStateChanged,
		TypeJobSave,
		TypeJobSaveAck,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload registers the channel. AgentID is the logical agent identity;
// a reconnect with the same AgentID evicts the stale registry record.
type HelloPayload struct {
	AgentID string `json:"agent_id"`
}

// HelloAckPayload carries the coordinator-assigned connection id.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
}

// LoginWithProviderPayload requests a login with an explicit provider type.
type LoginWithProviderPayload struct {
	Provider    string            `json:"provider"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// LoginWithPasswordPayload requests a password login.
type LoginWithPasswordPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// LoginAckPayload reports the outcome of a login request.
type LoginAckPayload struct {
	Authenticated bool `json:"authenticated"`
}

// AuthProvidersPayload returns the enabled provider set.
type AuthProvidersPayload struct {
	Providers []string `json:"providers"`
}

// AuthStateChangedPayload is broadcast whenever the session state flips.
type AuthStateChangedPayload struct {
	IsAuthenticated bool `json:"is_authenticated"`
}

// JobSavePayload carries one captured job posting.
type JobSavePayload struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	SourceURL   string `json:"source_url"`
}

// JobSaveAckPayload acknowledges a job upload with the backend-assigned id.
type JobSaveAckPayload struct {
	JobID string `json:"job_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
