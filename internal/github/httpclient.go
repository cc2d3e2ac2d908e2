// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBaseURL = "https://api.github.com"
	acceptHeader   = "application/vnd.github+json"
	apiVersion     = "2022-11-28"
	tracerName     = "github.com/andrewkroh/github-signin/internal/github"
)

// HTTPClient is a concrete implementation of the Client interface that
// communicates with the GitHub API over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	log        *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithBaseURL sets the base URL for the GitHub API.
func WithBaseURL(url string) Option {
	return func(c *HTTPClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPClient) {
		c.log = l
	}
}

// NewHTTPClient creates a new HTTPClient with the given options.
// By default it uses https://api.github.com as the base URL, an
// http.Client that does not follow redirects, and slog.Default() as the
// logger.
func NewHTTPClient(opts ...Option) *HTTPClient {
	c := &HTTPClient{
		httpClient: &http.Client{
			// Redirects are API responses, e.g. the 302 for a private member.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL:    defaultBaseURL,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// checkRateLimit inspects the response for GitHub rate limit exhaustion.
// Returns ErrRateLimited if HTTP 429, or HTTP 403 with X-RateLimit-Remaining
// set to "0".
func checkRateLimit(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusForbidden {
		return nil
	}
	n, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	if err == nil && n == 0 {
		return ErrRateLimited
	}
	return nil
}

// get issues an authenticated GET for urlPath inside an already started span.
// The caller owns resp.Body.
func (c *HTTPClient) get(ctx context.Context, span trace.Span, method, token, urlPath string) (*http.Response, error) {
	span.SetAttributes(
		attribute.String("http.request.method", http.MethodGet),
		attribute.String("url.path", urlPath),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+urlPath, nil)
	if err != nil {
		c.log.ErrorContext(ctx, "failed to create request", slog.String("method", method), slog.String("error", err.Error()))
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.ErrorContext(ctx, "request failed", slog.String("method", method), slog.String("error", err.Error()))
		return nil, fmt.Errorf("github: executing request: %w", err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if err := checkRateLimit(resp); err != nil {
		resp.Body.Close()
		c.log.WarnContext(ctx, "rate limited by GitHub API", slog.String("method", method))
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.log.WarnContext(ctx, "unauthorized token", slog.String("method", method))
		return nil, ErrUnauthorized
	}

	return resp, nil
}

// unexpectedStatus builds an error from a non-success response.
func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("github: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetUser retrieves the profile of the user the OAuth token belongs to.
func (c *HTTPClient) GetUser(ctx context.Context, token string) (*User, error) {
	ctx, span := c.tracer().Start(ctx, "github.get_user")
	defer span.End()

	resp, err := c.get(ctx, span, "GetUser", token, "/user")
	if err != nil {
		fail(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := unexpectedStatus(resp)
		c.log.ErrorContext(ctx, "unexpected response", slog.String("method", "GetUser"), slog.Int("status", resp.StatusCode))
		fail(span, err)
		return nil, err
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		fail(span, err)
		c.log.ErrorContext(ctx, "failed to decode response", slog.String("method", "GetUser"), slog.String("error", err.Error()))
		return nil, fmt.Errorf("github: decoding user response: %w", err)
	}

	span.SetAttributes(attribute.String("github.user.login", user.Login))
	c.log.InfoContext(ctx, "fetched user", slog.String("login", user.Login), slog.Int64("id", user.ID))
	return &user, nil
}

// CheckOrgMembership checks if the user is a member of the given org.
// Returns nil if the user is a member (HTTP 204), ErrNotOrgMember if not
// (HTTP 404, or HTTP 302 when the requester cannot see private members).
func (c *HTTPClient) CheckOrgMembership(ctx context.Context, token, org, username string) error {
	ctx, span := c.tracer().Start(ctx, "github.check_org_membership")
	defer span.End()

	urlPath := fmt.Sprintf("/orgs/%s/members/%s", url.PathEscape(org), url.PathEscape(username))

	resp, err := c.get(ctx, span, "CheckOrgMembership", token, urlPath)
	if err != nil {
		fail(span, err)
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		c.log.InfoContext(ctx, "user is org member", slog.String("org", org), slog.String("username", username))
		return nil

	case http.StatusNotFound, http.StatusFound:
		c.log.WarnContext(ctx, "user is not org member", slog.String("org", org), slog.String("username", username))
		fail(span, ErrNotOrgMember)
		return ErrNotOrgMember

	default:
		err := unexpectedStatus(resp)
		c.log.ErrorContext(ctx, "unexpected response", slog.String("method", "CheckOrgMembership"), slog.Int("status", resp.StatusCode))
		fail(span, err)
		return err
	}
}
