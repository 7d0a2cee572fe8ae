package errclass

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
)

// Category is the failure taxonomy.
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryAuth        Category = "auth"
	CategoryStorage     Category = "storage"
	CategoryPermission  Category = "permission"
	CategoryValidation  Category = "validation"
	CategoryServerError Category = "server_error"
	CategoryUnknown     Category = "unknown"
)

// Categorizer lets error producers declare their own category instead of
// relying on message matching. Typed errors in the auth and kvstore packages
// implement it.
type Categorizer interface {
	Category() Category
}

// Details is the classification of a single failure. Created per failure,
// never persisted.
type Details struct {
	Category    Category
	Message     string
	UserMessage string
	Retryable   bool
	Context     map[string]any
	Err         error
}

// Observer receives every classified failure (metrics, diagnostics).
type Observer interface {
	ObserveFailure(d Details)
}

// Classifier is a stateless categorizer. Construct one per process and
// inject it; there is no package-level instance.
type Classifier struct {
	log *slog.Logger
	obs Observer
}

// NewClassifier constructs a Classifier. obs may be nil.
func NewClassifier(log *slog.Logger, obs Observer) *Classifier {
	return &Classifier{log: log, obs: obs}
}

// Canned user-facing messages per category.
const (
	userMsgNetwork    = "Unable to reach the server. Check your connection and try again."
	userMsgAuth       = "Authentication failed. Please log in again."
	userMsgStorage    = "Could not read or write local data."
	userMsgPermission = "Permission denied."
	userMsgValidation = "The request was invalid."
	userMsgServer     = "The server had a problem. Please try again shortly."
	userMsgUnknown    = "Something went wrong. Please try again."
)

// Classify categorizes err. ctx carries free-form diagnostic fields and may
// be nil.
func (c *Classifier) Classify(err error, ctx map[string]any) Details {
	d := Details{
		Category: categorize(err),
		Message:  err.Error(),
		Context:  ctx,
		Err:      err,
	}

	switch d.Category {
	case CategoryNetwork:
		d.Retryable = true
		d.UserMessage = userMsgNetwork
		// A misconfigured local backend cannot be fixed by retrying.
		if referencesLocalBackend(d.Message) {
			d.Retryable = false
			d.UserMessage = d.Message
		}
	case CategoryServerError:
		d.Retryable = true
		d.UserMessage = userMsgServer
	case CategoryAuth:
		if credentialSpecific(d.Message) {
			d.UserMessage = d.Message
		} else {
			d.UserMessage = userMsgAuth
		}
	case CategoryStorage:
		d.UserMessage = userMsgStorage
	case CategoryPermission:
		d.UserMessage = userMsgPermission
	case CategoryValidation:
		d.UserMessage = userMsgValidation
	default:
		d.UserMessage = userMsgUnknown
	}

	if c.obs != nil {
		c.obs.ObserveFailure(d)
	}
	return d
}

func categorize(err error) Category {
	var cat Categorizer
	if errors.As(err, &cat) {
		return cat.Category()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	s := strings.ToLower(err.Error())
	switch {
	case containsAny(s, "connection refused", "no such host", "network is unreachable", "failed to fetch", "timeout", "i/o timeout"):
		return CategoryNetwork
	case containsAny(s, "unauthorized", "401", "invalid token", "token expired", "authentication"):
		return CategoryAuth
	case containsAny(s, "storage", "quota exceeded", "key-value"):
		return CategoryStorage
	case containsAny(s, "permission denied", "forbidden", "403"):
		return CategoryPermission
	case containsAny(s, "validation", "invalid input", "missing field", "bad request", "400"):
		return CategoryValidation
	case containsAny(s, "internal server error", "500", "502", "503", "bad gateway", "service unavailable"):
		return CategoryServerError
	default:
		return CategoryUnknown
	}
}

func credentialSpecific(msg string) bool {
	s := strings.ToLower(msg)
	return containsAny(s, "username", "password", "credential")
}

func referencesLocalBackend(msg string) bool {
	s := strings.ToLower(msg)
	return containsAny(s, "localhost", "127.0.0.1", "local backend", "self-hosted")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
