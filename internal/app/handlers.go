package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/benidevo/vega-companion/internal/auth"
	"github.com/benidevo/vega-companion/internal/auth/session"
	"github.com/benidevo/vega-companion/internal/badge"
	"github.com/benidevo/vega-companion/internal/dedup"
	"github.com/benidevo/vega-companion/internal/errclass"
	"github.com/benidevo/vega-companion/internal/jobs"
	"github.com/benidevo/vega-companion/internal/router"
	"github.com/benidevo/vega-companion/internal/telemetry"
	v1 "github.com/benidevo/vega-companion/pkg/contracts/companion/v1"
)

// Handlers binds the message router to the session manager, the job
// uploader, and the dedup cache.
type Handlers struct {
	log        *slog.Logger
	sessions   *session.Manager
	providers  session.ProviderSource
	jobs       *jobs.Client
	dedup      *dedup.Cache
	classifier *errclass.Classifier
	metrics    *telemetry.Metrics
	indicator  badge.Indicator
}

// NewHandlers constructs the handler set. indicator may be nil.
func NewHandlers(
	log *slog.Logger,
	sessions *session.Manager,
	providers session.ProviderSource,
	jobsClient *jobs.Client,
	dedupCache *dedup.Cache,
	classifier *errclass.Classifier,
	metrics *telemetry.Metrics,
	indicator badge.Indicator,
) *Handlers {
	if indicator == nil {
		indicator = badge.Noop{}
	}
	return &Handlers{
		log:        log,
		sessions:   sessions,
		providers:  providers,
		jobs:       jobsClient,
		dedup:      dedupCache,
		classifier: classifier,
		metrics:    metrics,
		indicator:  indicator,
	}
}

// Register wires every message type into the router.
func (h *Handlers) Register(r *router.Router) {
	r.On(v1.TypeLogin, h.handleLogin)
	r.On(v1.TypeLoginWithProvider, h.handleLoginWithProvider)
	r.On(v1.TypeLoginWithPassword, h.handleLoginWithPassword)
	r.On(v1.TypeLogout, h.handleLogout)
	r.On(v1.TypeGetAuthProviders, h.handleGetAuthProviders)
	r.On(v1.TypeJobSave, h.handleJobSave)
}

func (h *Handlers) handleLogin(ctx context.Context, env v1.Envelope, respond router.Responder) bool {
	opCtx := context.WithoutCancel(ctx)
	go func() {
		err := h.sessions.Login(opCtx)
		h.metrics.LoginAttempt(err == nil)
		h.respondLogin(opCtx, respond, err)
	}()
	return true
}

func (h *Handlers) handleLoginWithProvider(ctx context.Context, env v1.Envelope, respond router.Responder) bool {
	var p v1.LoginWithProviderPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		respond(router.ErrorEnvelope("bad_payload", "invalid login payload"))
		return false
	}

	opCtx := context.WithoutCancel(ctx)
	go func() {
		err := h.sessions.LoginWithProvider(opCtx, auth.ProviderType(p.Provider), auth.Credentials(p.Credentials))
		h.metrics.LoginAttempt(err == nil)
		h.respondLogin(opCtx, respond, err)
	}()
	return true
}

func (h *Handlers) handleLoginWithPassword(ctx context.Context, env v1.Envelope, respond router.Responder) bool {
	var p v1.LoginWithPasswordPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		respond(router.ErrorEnvelope("bad_payload", "invalid login payload"))
		return false
	}

	// A double-submitted form produces the same request id; the duplicate
	// is dropped without a response.
	if !h.dedup.ShouldProcess(p.RequestID) {
		h.metrics.DedupHit()
		h.log.Debug("login.duplicate_suppressed", "request_id", p.RequestID)
		return false
	}

	creds := auth.Credentials{"username": p.Username, "password": p.Password}
	opCtx := context.WithoutCancel(ctx)
	go func() {
		err := h.sessions.LoginWithProvider(opCtx, auth.ProviderPassword, creds)
		h.metrics.LoginAttempt(err == nil)
		if err != nil {
			// Unblock a legitimate retry before the TTL runs out.
			h.dedup.Release(p.RequestID)
		}
		h.respondLogin(opCtx, respond, err)
	}()
	return true
}

func (h *Handlers) respondLogin(ctx context.Context, respond router.Responder, err error) {
	if err != nil {
		d := h.classifier.Classify(err, map[string]any{"operation": "login"})
		respond(router.ErrorEnvelope(string(d.Category), d.UserMessage))
	}

	// A nil error is not proof of a session: a login suppressed by the
	// in-flight guard returns nil while the winning attempt may still
	// fail. Report the actual state instead.
	payload, _ := json.Marshal(v1.LoginAckPayload{Authenticated: h.sessions.IsAuthenticated(ctx)})
	respond(router.NewEnvelope(v1.TypeLoginAck, payload))
}

func (h *Handlers) handleLogout(ctx context.Context, env v1.Envelope, respond router.Responder) bool {
	opCtx := context.WithoutCancel(ctx)
	go func() {
		if err := h.sessions.Logout(opCtx); err != nil {
			h.log.Warn("logout.partial", "err", err)
		}
		// Local state is cleared even on partial failure; the session is
		// gone either way.
		respond(router.NewEnvelope(v1.TypeLogoutAck, nil))
	}()
	return true
}

func (h *Handlers) handleGetAuthProviders(_ context.Context, env v1.Envelope, respond router.Responder) bool {
	available := h.providers.AvailableProviders()
	names := make([]string, len(available))
	for i, t := range available {
		names[i] = string(t)
	}

	payload, _ := json.Marshal(v1.AuthProvidersPayload{Providers: names})
	respond(router.NewEnvelope(v1.TypeAuthProviders, payload))
	return false
}

func (h *Handlers) handleJobSave(ctx context.Context, env v1.Envelope, respond router.Responder) bool {
	var p v1.JobSavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		respond(router.ErrorEnvelope("bad_payload", "invalid job payload"))
		return false
	}

	posting := jobs.Posting{
		Title:       p.Title,
		Company:     p.Company,
		Location:    p.Location,
		Description: p.Description,
		SourceURL:   p.SourceURL,
	}

	opCtx := context.WithoutCancel(ctx)
	go func() {
		jobID, err := h.jobs.Save(opCtx, posting)
		h.metrics.JobSave(err == nil)
		if err != nil {
			d := h.classifier.Classify(err, map[string]any{"operation": "job_save", "source_url": p.SourceURL})
			h.indicator.Set(badge.StatusError, d.UserMessage)
			respond(router.ErrorEnvelope(string(d.Category), d.UserMessage))
			return
		}
		h.indicator.Set(badge.StatusSuccess, "saved "+jobID)

		payload, _ := json.Marshal(v1.JobSaveAckPayload{JobID: jobID})
		respond(router.NewEnvelope(v1.TypeJobSaveAck, payload))
	}()
	return true
}
