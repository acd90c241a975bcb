package auditevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/erezept/erp/internal/platform/auth"
	"github.com/erezept/erp/internal/platform/fhir"
)

// maxBundleSize caps the body read from the FHIR server.
const maxBundleSize = 8 << 20

// TokenSource returns the bearer token used to read profileID's audit log.
type TokenSource func(ctx context.Context, profileID string) (string, error)

// StaticToken returns a TokenSource handing out the same token for every
// profile.
func StaticToken(token string) TokenSource {
	return func(context.Context, string) (string, error) {
		return token, nil
	}
}

// ForwardedToken hands out the bearer token the caller presented to this
// service and falls back to fallback when there is none.
func ForwardedToken(fallback TokenSource) TokenSource {
	return func(ctx context.Context, profileID string) (string, error) {
		if token := auth.BearerFromContext(ctx); token != "" {
			return token, nil
		}
		if fallback == nil {
			return "", nil
		}
		return fallback(ctx, profileID)
	}
}

type RemoteConfig struct {
	BaseURL        string
	AcceptLanguage string
	Timeout        time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
}

// RemoteRepository reads AuditEvent resources from the e-prescription FHIR
// service.
type RemoteRepository struct {
	cfg    RemoteConfig
	client *http.Client
	tokens TokenSource
}

func NewRemoteRepository(cfg RemoteConfig, tokens TokenSource, client *http.Client) *RemoteRepository {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RemoteRepository{cfg: cfg, client: client, tokens: tokens}
}

// DownloadAuditEvents fetches one page, newest first. Transport failures and
// temporary server errors are retried; anything else fails immediately.
func (r *RemoteRepository) DownloadAuditEvents(ctx context.Context, profileID string, count, offset int) (*Batch, error) {
	token, err := r.tokens(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("token for profile %s: %w", profileID, err)
	}

	rt := retry.New[*Batch](retry.Config{
		MaxAttempts:   r.cfg.RetryAttempts,
		InitialDelay:  r.cfg.RetryDelay,
		BackoffPolicy: retry.BackoffExponential,
		IsRetryable:   retryable,
	})
	batch, err := rt.Do(ctx, func(ctx context.Context) (*Batch, error) {
		return r.fetch(ctx, token, profileID, count, offset)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *RemoteRepository) pageURL(count, offset int) string {
	q := url.Values{}
	q.Set("_sort", "-date")
	q.Set("_count", strconv.Itoa(count))
	q.Set("__offset", strconv.Itoa(offset))
	return r.cfg.BaseURL + "/AuditEvent?" + q.Encode()
}

func (r *RemoteRepository) fetch(ctx context.Context, token, profileID string, count, offset int) (*Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.pageURL(count, offset), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if r.cfg.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", r.cfg.AcceptLanguage)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET AuditEvent: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize))
	if err != nil {
		return nil, fmt.Errorf("read AuditEvent bundle: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		se := &fhir.StatusError{StatusCode: resp.StatusCode}
		var oo fhir.OperationOutcome
		if json.Unmarshal(body, &oo) == nil && oo.ResourceType == "OperationOutcome" {
			se.Outcome = &oo
		}
		return nil, se
	}

	events, err := ParseBundle(body, profileID)
	if err != nil {
		return nil, err
	}
	return NewBatch(events), nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *fhir.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
