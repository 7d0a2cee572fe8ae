package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuthConfig configures the redirect-based provider.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// UserinfoURL, when set, is used by ValidateAuth for a lightweight
	// bearer check.
	UserinfoURL string

	// Timeout bounds ValidateAuth's HTTP exchange.
	Timeout time.Duration
}

// OAuthProvider performs an authorization-code exchange through a
// FlowLauncher and refreshes via the token endpoint.
type OAuthProvider struct {
	log      *slog.Logger
	cfg      OAuthConfig
	launcher FlowLauncher
	client   *http.Client
}

// NewOAuthProvider constructs an OAuthProvider.
func NewOAuthProvider(log *slog.Logger, cfg OAuthConfig, launcher FlowLauncher) *OAuthProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = passwordDefaultTimeout
	}
	return &OAuthProvider{
		log:      log,
		cfg:      cfg,
		launcher: launcher,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *OAuthProvider) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Scopes:       p.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.cfg.AuthURL,
			TokenURL: p.cfg.TokenURL,
		},
	}
}

// Authenticate runs the authorization-code flow. Credentials are unused.
func (p *OAuthProvider) Authenticate(ctx context.Context, _ Credentials) (Token, error) {
	if p.launcher == nil {
		return Token{}, errors.New("oauth provider requires a flow launcher")
	}

	conf := p.oauthConfig()

	state, err := randomState()
	if err != nil {
		return Token{}, err
	}

	redirect, err := p.launcher.Launch(ctx, conf.AuthCodeURL(state, oauth2.AccessTypeOffline))
	if err != nil {
		// ErrFlowCanceled propagates unchanged so callers can distinguish
		// user cancellation from flow failure.
		return Token{}, err
	}

	code, err := parseAuthorizationCode(redirect, state)
	if err != nil {
		return Token{}, err
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return Token{}, classifyOAuthErr(p.cfg.TokenURL, err, false)
	}

	return fromOAuth2Token(tok, ""), nil
}

// RefreshTokens exchanges a refresh token via the token endpoint.
func (p *OAuthProvider) RefreshTokens(ctx context.Context, refreshToken string) (Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Token{}, ErrNoRefreshToken
	}

	ts := p.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return Token{}, classifyOAuthErr(p.cfg.TokenURL, err, true)
	}

	return fromOAuth2Token(tok, refreshToken), nil
}

// ValidateAuth hits the userinfo endpoint when configured; otherwise, and
// on transport failure, falls back to a structural check.
func (p *OAuthProvider) ValidateAuth(ctx context.Context, accessToken string) (bool, error) {
	if strings.TrimSpace(accessToken) == "" {
		return false, nil
	}
	if p.cfg.UserinfoURL == "" {
		return structurallyPlausible(accessToken), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserinfoURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("auth.oauth.validate.transport_fallback", "err", err)
		return structurallyPlausible(accessToken), nil
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK, nil
}

func fromOAuth2Token(tok *oauth2.Token, previousRefresh string) Token {
	refresh := tok.RefreshToken
	if refresh == "" {
		// Some backends omit the refresh token on rotation; keep the old one.
		refresh = previousRefresh
	}
	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    tok.Expiry.UnixMilli(),
	}
}

func parseAuthorizationCode(redirect, wantState string) (string, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return "", fmt.Errorf("invalid redirect url: %w", err)
	}

	q := u.Query()
	if e := q.Get("error"); e != "" {
		if e == "access_denied" {
			return "", ErrFlowCanceled
		}
		return "", fmt.Errorf("authorization failed: %s", e)
	}
	if got := q.Get("state"); got != wantState {
		return "", errors.New("authorization state mismatch")
	}

	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect missing authorization code")
	}
	return code, nil
}

func classifyOAuthErr(tokenURL string, err error, refresh bool) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := re.Response.StatusCode
		if refresh && (status == http.StatusUnauthorized || status == http.StatusBadRequest) {
			return ErrRefreshTokenExpired
		}
		if status == http.StatusUnauthorized {
			return &CredentialError{Message: "invalid authorization grant"}
		}
		return &BackendError{Status: status, URL: tokenURL, Body: string(re.Body)}
	}
	return &TransportError{URL: tokenURL, Err: err}
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
