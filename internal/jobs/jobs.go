// Package jobs uploads captured job postings to the backend.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benidevo/vega-companion/internal/errclass"
)

const (
	saveJobPath = "/api/jobs"

	defaultRequestTimeout = 15 * time.Second
	saveMaxRetries        = 3
	saveRetryBaseDelay    = time.Second
)

var (
	// ErrNotAuthenticated is returned when no session token is available.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidPosting is returned when a capture is missing required
	// fields.
	ErrInvalidPosting = errors.New("invalid job posting")
)

// Posting is one captured job listing.
type Posting struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	SourceURL   string `json:"source_url"`
}

// Validate checks the fields the backend requires.
func (p Posting) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidPosting)
	}
	if strings.TrimSpace(p.Company) == "" {
		return fmt.Errorf("%w: missing company", ErrInvalidPosting)
	}
	if strings.TrimSpace(p.SourceURL) == "" {
		return fmt.Errorf("%w: missing source url", ErrInvalidPosting)
	}
	return nil
}

// TokenSource yields the current access token. The session manager is the
// production implementation.
type TokenSource interface {
	GetAuthToken(ctx context.Context) (string, error)
}

// APIError is a non-2xx backend response to an upload.
type APIError struct {
	Status int
	URL    string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobs backend error: status %d from %s", e.Status, e.URL)
}

// Category implements errclass.Categorizer.
func (e *APIError) Category() errclass.Category {
	switch {
	case e.Status == 401 || e.Status == 403:
		return errclass.CategoryAuth
	case e.Status == 404:
		return errclass.CategoryValidation
	case e.Status == 422 || e.Status == 400:
		return errclass.CategoryValidation
	case e.Status >= 500:
		return errclass.CategoryServerError
	default:
		return errclass.CategoryUnknown
	}
}

// TransportError marks the backend as unreachable.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("jobs backend unreachable: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Category implements errclass.Categorizer.
func (e *TransportError) Category() errclass.Category { return errclass.CategoryNetwork }

// Client uploads postings over the backend HTTP API. Transient failures are
// retried with backoff; auth and validation failures are not.
type Client struct {
	log        *slog.Logger
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	classifier *errclass.Classifier

	maxRetries     int
	retryBaseDelay time.Duration
}

// NewClient constructs a Client. httpClient may be nil.
func NewClient(log *slog.Logger, baseURL string, httpClient *http.Client, tokens TokenSource, classifier *errclass.Classifier) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		log:            log,
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     httpClient,
		tokens:         tokens,
		classifier:     classifier,
		maxRetries:     saveMaxRetries,
		retryBaseDelay: saveRetryBaseDelay,
	}
}

type saveResponse struct {
	ID string `json:"id"`
}

// Save uploads one posting and returns the backend-assigned id.
func (c *Client) Save(ctx context.Context, p Posting) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	var jobID string
	err := c.classifier.RetryOperation(ctx, func(ctx context.Context) error {
		id, err := c.saveOnce(ctx, p)
		if err != nil {
			return err
		}
		jobID = id
		return nil
	}, c.maxRetries, c.retryBaseDelay)

	if err != nil {
		return "", err
	}
	c.log.Info("jobs.save.ok", "job_id", jobID, "title", p.Title)
	return jobID, nil
}

func (c *Client) saveOnce(ctx context.Context, p Posting) (string, error) {
	token, err := c.tokens.GetAuthToken(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNotAuthenticated
	}

	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	url := c.baseURL + saveJobPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{Status: resp.StatusCode, URL: url, Body: string(raw)}
	}

	var out saveResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode save response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("save response missing job id")
	}
	return out.ID, nil
}
