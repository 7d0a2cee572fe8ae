package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benidevo/vega-companion/internal/auth"
	"github.com/benidevo/vega-companion/internal/auth/session"
	"github.com/benidevo/vega-companion/internal/dedup"
	"github.com/benidevo/vega-companion/internal/errclass"
	"github.com/benidevo/vega-companion/internal/jobs"
	"github.com/benidevo/vega-companion/internal/kvstore"
	"github.com/benidevo/vega-companion/internal/router"
	"github.com/benidevo/vega-companion/internal/telemetry"
	v1 "github.com/benidevo/vega-companion/pkg/contracts/companion/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeProvider struct {
	authCalls atomic.Int32
	authErr   error
	authGate  chan struct{} // when non-nil, Authenticate blocks until it closes
}

func (p *fakeProvider) Authenticate(context.Context, auth.Credentials) (auth.Token, error) {
	p.authCalls.Add(1)
	if p.authGate != nil {
		<-p.authGate
	}
	if p.authErr != nil {
		return auth.Token{}, p.authErr
	}
	return auth.Token{
		AccessToken:  "access-tok",
		RefreshToken: "refresh-tok",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

func (p *fakeProvider) RefreshTokens(context.Context, string) (auth.Token, error) {
	return auth.Token{}, errors.New("not implemented")
}

func (p *fakeProvider) ValidateAuth(context.Context, string) (bool, error) {
	return true, nil
}

type fakeProviders struct {
	provider *fakeProvider
}

func (s fakeProviders) Provider(t auth.ProviderType) (auth.Provider, error) {
	if t != auth.ProviderPassword {
		return nil, auth.ErrUnsupportedProvider
	}
	return s.provider, nil
}

func (s fakeProviders) AvailableProviders() []auth.ProviderType {
	return []auth.ProviderType{auth.ProviderPassword}
}

// responseSink collects responses across goroutines.
type responseSink struct {
	mu        sync.Mutex
	envelopes []v1.Envelope
}

func (s *responseSink) respond(env v1.Envelope) {
	s.mu.Lock()
	s.envelopes = append(s.envelopes, env)
	s.mu.Unlock()
}

func (s *responseSink) byType(msgType string) (v1.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.envelopes {
		if env.Type == msgType {
			return env, true
		}
	}
	return v1.Envelope{}, false
}

func (s *responseSink) allByType(msgType string) []v1.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []v1.Envelope
	for _, env := range s.envelopes {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	router   *router.Router
	provider *fakeProvider
	jobsSrv  *httptest.Server
}

func newFixture(t *testing.T, jobsHandler http.HandlerFunc) *fixture {
	t.Helper()

	log := testLogger()
	provider := &fakeProvider{}
	metrics := telemetry.New(func() int { return 0 })
	classifier := errclass.NewClassifier(log, metrics)
	store := kvstore.NewMemoryStore()

	sessions := session.NewManager(log, session.Config{
		DefaultProvider: auth.ProviderPassword,
		MaxLoginRetries: 1,
		RetryBaseDelay:  time.Millisecond,
	}, fakeProviders{provider: provider}, store, classifier, nil)

	if jobsHandler == nil {
		jobsHandler = func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id":"job-1"}`))
		}
	}
	srv := httptest.NewServer(jobsHandler)
	t.Cleanup(srv.Close)

	jobsClient := jobs.NewClient(log, srv.URL, nil, sessions, classifier)
	dedupCache := dedup.NewCache(log, 200*time.Millisecond, 100)

	r := router.NewRouter(log)
	NewHandlers(log, sessions, fakeProviders{provider: provider}, jobsClient, dedupCache, classifier, metrics, nil).Register(r)

	return &fixture{router: r, provider: provider, jobsSrv: srv}
}

func envelopeWith(t *testing.T, msgType string, payload any) v1.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return router.NewEnvelope(msgType, raw)
}

func TestGetAuthProvidersResponds(t *testing.T) {
	f := newFixture(t, nil)
	sink := &responseSink{}

	async, handled := f.router.Dispatch(context.Background(), router.NewEnvelope(v1.TypeGetAuthProviders, nil), sink.respond)
	require.True(t, handled)
	require.False(t, async)

	env, ok := sink.byType(v1.TypeAuthProviders)
	require.True(t, ok)

	var p v1.AuthProvidersPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, []string{"password"}, p.Providers)
}

func TestLoginWithPasswordAcksSuccess(t *testing.T) {
	f := newFixture(t, nil)
	sink := &responseSink{}

	env := envelopeWith(t, v1.TypeLoginWithPassword, v1.LoginWithPasswordPayload{
		RequestID: "req-1", Username: "u", Password: "p",
	})
	async, handled := f.router.Dispatch(context.Background(), env, sink.respond)
	require.True(t, handled)
	require.True(t, async)

	require.Eventually(t, func() bool {
		ack, ok := sink.byType(v1.TypeLoginAck)
		if !ok {
			return false
		}
		var p v1.LoginAckPayload
		return json.Unmarshal(ack.Payload, &p) == nil && p.Authenticated
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), f.provider.authCalls.Load())
}

func TestDuplicateLoginRequestIsSuppressed(t *testing.T) {
	f := newFixture(t, nil)
	sink := &responseSink{}

	env := envelopeWith(t, v1.TypeLoginWithPassword, v1.LoginWithPasswordPayload{
		RequestID: "req-dup", Username: "u", Password: "p",
	})
	f.router.Dispatch(context.Background(), env, sink.respond)
	f.router.Dispatch(context.Background(), env, sink.respond)

	require.Eventually(t, func() bool {
		_, ok := sink.byType(v1.TypeLoginAck)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, int32(1), f.provider.authCalls.Load())
}

func TestLoginDuringInFlightAttemptAcksUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	gate := make(chan struct{})
	f.provider.authGate = gate
	sink := &responseSink{}

	first := envelopeWith(t, v1.TypeLoginWithPassword, v1.LoginWithPasswordPayload{
		RequestID: "req-a", Username: "u", Password: "p",
	})
	f.router.Dispatch(context.Background(), first, sink.respond)
	require.Eventually(t, func() bool {
		return f.provider.authCalls.Load() == 1
	}, time.Second, time.Millisecond)

	// A second login while the first is mid-flight is suppressed by the
	// session guard. Its ack must report the real session state, not claim
	// success off the suppressed call's nil error.
	second := envelopeWith(t, v1.TypeLoginWithPassword, v1.LoginWithPasswordPayload{
		RequestID: "req-b", Username: "u", Password: "p",
	})
	f.router.Dispatch(context.Background(), second, sink.respond)

	require.Eventually(t, func() bool {
		return len(sink.allByType(v1.TypeLoginAck)) == 1
	}, time.Second, 5*time.Millisecond)

	var ack v1.LoginAckPayload
	require.NoError(t, json.Unmarshal(sink.allByType(v1.TypeLoginAck)[0].Payload, &ack))
	require.False(t, ack.Authenticated)
	require.Equal(t, int32(1), f.provider.authCalls.Load())

	// Once the first attempt completes, its ack reflects the session.
	close(gate)
	require.Eventually(t, func() bool {
		acks := sink.allByType(v1.TypeLoginAck)
		if len(acks) != 2 {
			return false
		}
		var p v1.LoginAckPayload
		return json.Unmarshal(acks[1].Payload, &p) == nil && p.Authenticated
	}, time.Second, 5*time.Millisecond)
}

func TestFailedLoginReleasesRequestID(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.authErr = &auth.CredentialError{Message: "invalid username"}
	sink := &responseSink{}

	env := envelopeWith(t, v1.TypeLoginWithPassword, v1.LoginWithPasswordPayload{
		RequestID: "req-retry", Username: "u", Password: "bad",
	})
	f.router.Dispatch(context.Background(), env, sink.respond)

	require.Eventually(t, func() bool {
		_, ok := sink.byType(v1.TypeLoginAck)
		return ok
	}, time.Second, 5*time.Millisecond)

	// The definitive failure released the id, so an immediate retry with
	// the same id is processed, well inside the dedup TTL.
	f.provider.authErr = nil
	f.router.Dispatch(context.Background(), env, sink.respond)

	require.Eventually(t, func() bool {
		return f.provider.authCalls.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestLoginFailureRespondsErrorWithUserMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.authErr = &auth.CredentialError{Message: "invalid username"}
	sink := &responseSink{}

	env := envelopeWith(t, v1.TypeLoginWithPassword, v1.LoginWithPasswordPayload{Username: "u", Password: "bad"})
	f.router.Dispatch(context.Background(), env, sink.respond)

	require.Eventually(t, func() bool {
		errEnv, ok := sink.byType(v1.TypeError)
		if !ok {
			return false
		}
		var p v1.ErrorPayload
		return json.Unmarshal(errEnv.Payload, &p) == nil &&
			p.Code == string(errclass.CategoryAuth) &&
			p.Message == "invalid username"
	}, time.Second, 5*time.Millisecond)
}

func TestLogoutAlwaysAcks(t *testing.T) {
	f := newFixture(t, nil)
	sink := &responseSink{}

	f.router.Dispatch(context.Background(), router.NewEnvelope(v1.TypeLogout, nil), sink.respond)

	require.Eventually(t, func() bool {
		_, ok := sink.byType(v1.TypeLogoutAck)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestJobSaveUploadsAfterLogin(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"job-9"}`))
	})
	sink := &responseSink{}

	login := envelopeWith(t, v1.TypeLoginWithPassword, v1.LoginWithPasswordPayload{Username: "u", Password: "p"})
	f.router.Dispatch(context.Background(), login, sink.respond)
	require.Eventually(t, func() bool {
		_, ok := sink.byType(v1.TypeLoginAck)
		return ok
	}, time.Second, 5*time.Millisecond)

	save := envelopeWith(t, v1.TypeJobSave, v1.JobSavePayload{
		Title: "SRE", Company: "Initech", SourceURL: "https://jobs.example.com/9",
	})
	f.router.Dispatch(context.Background(), save, sink.respond)

	require.Eventually(t, func() bool {
		ack, ok := sink.byType(v1.TypeJobSaveAck)
		if !ok {
			return false
		}
		var p v1.JobSaveAckPayload
		return json.Unmarshal(ack.Payload, &p) == nil && p.JobID == "job-9"
	}, time.Second, 5*time.Millisecond)
}

func TestJobSaveWithoutSessionRespondsError(t *testing.T) {
	f := newFixture(t, nil)
	sink := &responseSink{}

	save := envelopeWith(t, v1.TypeJobSave, v1.JobSavePayload{
		Title: "SRE", Company: "Initech", SourceURL: "https://jobs.example.com/9",
	})
	f.router.Dispatch(context.Background(), save, sink.respond)

	require.Eventually(t, func() bool {
		_, ok := sink.byType(v1.TypeError)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestJobSaveBadPayloadIsSynchronousError(t *testing.T) {
	f := newFixture(t, nil)
	sink := &responseSink{}

	env := router.NewEnvelope(v1.TypeJobSave, json.RawMessage(`{"title":`))
	async, handled := f.router.Dispatch(context.Background(), env, sink.respond)
	require.True(t, handled)
	require.False(t, async)

	_, ok := sink.byType(v1.TypeError)
	require.True(t, ok)
}
