// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

// Package authservice implements the hosted authentication service that
// the sign-in control is bound to. It owns the current session, fans out
// auth state changes to listeners, and runs popup sign-ins against GitHub
// using the OAuth 2.0 authorization code flow with PKCE.
package authservice

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/andrewkroh/github-signin/internal/cache"
	"github.com/andrewkroh/github-signin/internal/github"
	"github.com/andrewkroh/github-signin/internal/signin"
)

var _ signin.AuthService = (*Service)(nil)

const (
	defaultPopupTTL          = 5 * time.Minute
	defaultPopupCacheMaxSize = 100
	defaultPopupPath         = "/auth/popup"
)

// defaultScopes are requested on every sign-in.
var defaultScopes = []string{"read:user", "user:email"}

// reservedParams cannot be overridden by provider custom parameters.
var reservedParams = []string{
	"client_id", "redirect_uri", "response_type", "scope", "state",
	"code_challenge", "code_challenge_method",
}

// Config holds the service configuration.
type Config struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// RedirectURL is the OAuth callback URL registered with GitHub.
	RedirectURL string

	// PopupURL is the URL opened in the popup window. It receives the
	// "state" query parameter. Defaults to /auth/popup on the RedirectURL
	// origin.
	PopupURL string

	// AuthorizedDomains lists the hostnames allowed to start a sign-in.
	// Empty allows any origin.
	AuthorizedDomains []string

	// AllowedOrg, if set, restricts sign-in to members of this GitHub
	// organization.
	AllowedOrg string

	// PopupTTL bounds how long a popup request stays valid.
	PopupTTL time.Duration

	// PopupCacheMaxSize bounds the number of tracked popup requests.
	PopupCacheMaxSize int
}

// PopupOpener opens a popup window at the given URL on the end user's
// screen.
type PopupOpener interface {
	OpenPopup(ctx context.Context, popupURL string) error
}

// PopupOpenerFunc adapts a function to the PopupOpener interface.
type PopupOpenerFunc func(ctx context.Context, popupURL string) error

// OpenPopup calls f(ctx, popupURL).
func (f PopupOpenerFunc) OpenPopup(ctx context.Context, popupURL string) error {
	return f(ctx, popupURL)
}

// Option configures a Service.
type Option func(*Service)

// WithGitHubClient sets the client used to fetch the signed-in user.
func WithGitHubClient(c github.Client) Option {
	return func(s *Service) {
		s.github = c
	}
}

// WithPopupOpener sets the surface that opens popup windows.
func WithPopupOpener(o PopupOpener) Option {
	return func(s *Service) {
		s.opener = o
	}
}

// WithEndpoint overrides the GitHub OAuth endpoint.
func WithEndpoint(e oauth2.Endpoint) Option {
	return func(s *Service) {
		s.oauth.Endpoint = e
	}
}

// WithHTTPClient sets the HTTP client used for the token exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) {
		s.httpClient = hc
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

type popupResult struct {
	cred *signin.UserCredential
	err  error
}

// pendingPopup is a popup sign-in waiting for its callback.
type pendingPopup struct {
	state    string
	verifier string
	params   map[string]string
	scopes   []string

	result chan popupResult
	once   sync.Once
}

func (p *pendingPopup) resolve(r popupResult) {
	p.once.Do(func() {
		p.result <- r
	})
}

// Service is an in-process authentication service for GitHub sign-in.
type Service struct {
	cfg        Config
	oauth      *oauth2.Config
	popupURL   string
	github     github.Client
	opener     PopupOpener
	httpClient *http.Client
	log        *slog.Logger

	tracer     trace.Tracer
	popupTotal metric.Int64Counter

	popups *cache.Cache[*pendingPopup]

	// notifyMu serializes listener delivery so that every listener sees
	// session changes in order.
	notifyMu sync.Mutex

	mu           sync.Mutex
	current      *signin.Session
	listeners    map[uint64]func(*signin.Session)
	nextListener uint64
	active       *pendingPopup
}

// New creates a Service. Call Close to release its background resources.
func New(cfg Config, opts ...Option) (*Service, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("authservice: client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, errors.New("authservice: client secret is required")
	}
	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil || redirect.Scheme == "" || redirect.Host == "" {
		return nil, fmt.Errorf("authservice: invalid redirect URL %q", cfg.RedirectURL)
	}
	if cfg.PopupTTL <= 0 {
		cfg.PopupTTL = defaultPopupTTL
	}
	if cfg.PopupCacheMaxSize <= 0 {
		cfg.PopupCacheMaxSize = defaultPopupCacheMaxSize
	}

	popupURL := cfg.PopupURL
	if popupURL == "" {
		popupURL = (&url.URL{Scheme: redirect.Scheme, Host: redirect.Host, Path: defaultPopupPath}).String()
	}

	tracer := otel.Tracer("github.com/andrewkroh/github-signin/internal/authservice")
	meter := otel.Meter("github.com/andrewkroh/github-signin/internal/authservice")

	popupTotal, _ := meter.Int64Counter("github_signin.popup.total",
		metric.WithDescription("Total number of settled popup sign-ins by result code"),
	)

	s := &Service{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     oauthgithub.Endpoint,
			Scopes:       slices.Clone(defaultScopes),
		},
		popupURL:   popupURL,
		log:        slog.Default(),
		tracer:     tracer,
		popupTotal: popupTotal,
		listeners:  make(map[uint64]func(*signin.Session)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.github == nil {
		s.github = github.NewHTTPClient(github.WithLogger(s.log))
	}

	s.popups = cache.New(cfg.PopupTTL, cfg.PopupCacheMaxSize, s.expirePopup)
	return s, nil
}

// Close stops background cleanup of popup requests.
func (s *Service) Close() {
	s.popups.Stop()
}

// CurrentUser returns a copy of the current session, or nil.
func (s *Service) CurrentUser() *signin.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySession(s.current)
}

func copySession(in *signin.Session) *signin.Session {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

// OnAuthStateChanged registers fn and immediately calls it with the current
// session. fn is then called on every session change until the returned
// function is called. fn must not call back into the service synchronously.
func (s *Service) OnAuthStateChanged(fn func(*signin.Session)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	current := copySession(s.current)
	s.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// setSession replaces the current session and notifies listeners.
func (s *Service) setSession(session *signin.Session) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.current = copySession(session)
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(*signin.Session), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(copySession(session))
	}
}

// SignOut clears the current session.
func (s *Service) SignOut(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "authservice.sign_out")
	defer span.End()

	if prev := s.CurrentUser(); prev != nil {
		s.log.InfoContext(ctx, "Signed out", slog.String("login", prev.Login))
	}
	s.setSession(nil)
	return nil
}

type originKey struct{}

// WithOrigin returns a context carrying the origin (scheme://host[:port])
// of the page that starts a sign-in.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// checkOrigin verifies that the calling origin is an authorized domain.
// Without an origin in ctx the redirect URL's origin is used.
func (s *Service) checkOrigin(ctx context.Context) error {
	if len(s.cfg.AuthorizedDomains) == 0 {
		return nil
	}

	origin, _ := ctx.Value(originKey{}).(string)
	if origin == "" {
		origin = s.cfg.RedirectURL
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return newError(CodeUnauthorizedDomain, fmt.Sprintf("invalid origin %q", origin), err)
	}

	host := u.Hostname()
	for _, d := range s.cfg.AuthorizedDomains {
		if strings.EqualFold(host, d) {
			return nil
		}
	}
	return newError(CodeUnauthorizedDomain, fmt.Sprintf("domain %q is not authorized for OAuth operations", host), nil)
}

// SignInWithPopup asks the PopupOpener to show the sign-in popup and blocks
// until the popup's callback settles the request, the popup is reported
// closed, a newer popup supersedes it, it expires, or ctx is done.
func (s *Service) SignInWithPopup(ctx context.Context, provider signin.Provider) (*signin.UserCredential, error) {
	ctx, span := s.tracer.Start(ctx, "authservice.sign_in_with_popup")
	defer span.End()

	cred, err := s.signInWithPopup(ctx, provider)

	code := "ok"
	if err != nil {
		code = signin.ExtractAuthError(err).Code
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("auth.code", code))
	s.popupTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))

	return cred, err
}

func (s *Service) signInWithPopup(ctx context.Context, provider signin.Provider) (*signin.UserCredential, error) {
	if provider == nil || provider.ProviderID() != GithubProviderID {
		return nil, newError(CodeArgumentError, "unsupported provider", nil)
	}
	if err := s.checkOrigin(ctx); err != nil {
		return nil, err
	}

	p := &pendingPopup{
		state:    uuid.NewString(),
		verifier: oauth2.GenerateVerifier(),
		params:   provider.CustomParameters(),
		scopes:   provider.Scopes(),
		result:   make(chan popupResult, 1),
	}

	s.mu.Lock()
	prev := s.active
	s.active = p
	s.mu.Unlock()

	if prev != nil {
		s.popups.Delete(prev.state)
		prev.resolve(popupResult{err: newError(CodeCancelledPopupRequest, "a newer popup request superseded this one", nil)})
	}
	s.popups.Set(p.state, p)

	popupURL := s.popupURL + "?" + url.Values{"state": {p.state}}.Encode()
	if s.opener == nil {
		s.forget(p)
		return nil, newError(CodePopupBlocked, "no popup surface is available", nil)
	}
	if err := s.opener.OpenPopup(ctx, popupURL); err != nil {
		s.forget(p)
		return nil, newError(CodePopupBlocked, "unable to open the sign-in popup", err)
	}

	s.log.DebugContext(ctx, "Waiting for popup sign-in")

	select {
	case r := <-p.result:
		s.clearActive(p)
		return r.cred, r.err
	case <-ctx.Done():
		s.forget(p)
		select {
		case r := <-p.result:
			// Settled concurrently with cancellation.
			return r.cred, r.err
		default:
		}
		return nil, newError(CodePopupClosedByUser, "the popup was closed before sign-in completed", ctx.Err())
	}
}

// forget drops a popup request that will never be completed.
func (s *Service) forget(p *pendingPopup) {
	s.popups.Delete(p.state)
	s.clearActive(p)
}

func (s *Service) clearActive(p *pendingPopup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == p {
		s.active = nil
	}
}

// expirePopup is called by the popup cache for expired or evicted requests.
func (s *Service) expirePopup(p *pendingPopup) {
	p.resolve(popupResult{err: newError(CodeTimeout, "the popup sign-in request expired", nil)})
	s.clearActive(p)
}

// AuthorizeURL returns the GitHub authorize URL for a pending popup
// request.
func (s *Service) AuthorizeURL(state string) (string, error) {
	p, ok := s.popups.Get(state)
	if !ok {
		return "", newError(CodeInternalError, "unknown or expired popup request", nil)
	}

	cfg := *s.oauth
	cfg.Scopes = slices.Clone(s.oauth.Scopes)
	for _, scope := range p.scopes {
		if !slices.Contains(cfg.Scopes, scope) {
			cfg.Scopes = append(cfg.Scopes, scope)
		}
	}

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(p.verifier)}
	for k, v := range p.params {
		if slices.Contains(reservedParams, k) {
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return cfg.AuthCodeURL(state, opts...), nil
}

// CompleteSignIn settles the popup identified by state with the
// authorization code GitHub returned. cookieState is the state value the
// browser stored when the popup opened; it is empty when the browser
// refused to store it.
func (s *Service) CompleteSignIn(ctx context.Context, state, code, cookieState string) error {
	ctx, span := s.tracer.Start(ctx, "authservice.complete_sign_in")
	defer span.End()

	p, ok := s.popups.Take(state)
	if !ok {
		err := newError(CodeInternalError, "unknown or expired popup request", nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.WarnContext(ctx, "Callback for unknown popup request")
		return err
	}

	cred, err := s.exchange(ctx, p, code, cookieState)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.WarnContext(ctx, "Popup sign-in failed",
			slog.String("error.code", signin.ExtractAuthError(err).Code),
			slog.String("error", err.Error()),
		)
		p.resolve(popupResult{err: err})
		return err
	}

	span.SetAttributes(attribute.String("auth.user.login", cred.User.Login))
	s.log.InfoContext(ctx, "Popup sign-in succeeded",
		slog.String("login", cred.User.Login),
		slog.String("uid", cred.User.UID),
	)

	// Listeners observe the session before the waiting sign-in returns.
	s.setSession(cred.User)
	p.resolve(popupResult{cred: cred})
	return nil
}

// AbortPopup settles the popup identified by state with a browser-side
// failure: CodePopupClosedByUser or CodePopupBlocked.
func (s *Service) AbortPopup(ctx context.Context, state, code string) error {
	var err *Error
	switch code {
	case CodePopupClosedByUser:
		err = newError(code, "the popup was closed before sign-in completed", nil)
	case CodePopupBlocked:
		err = newError(code, "the browser blocked the sign-in popup", nil)
	default:
		return newError(CodeArgumentError, fmt.Sprintf("unsupported abort code %q", code), nil)
	}

	p, ok := s.popups.Take(state)
	if !ok {
		return newError(CodeInternalError, "unknown or expired popup request", nil)
	}

	s.log.InfoContext(ctx, "Popup aborted by browser", slog.String("error.code", code))
	p.resolve(popupResult{err: err})
	return nil
}

// exchange turns an authorization code into a signed-in session.
func (s *Service) exchange(ctx context.Context, p *pendingPopup, code, cookieState string) (*signin.UserCredential, error) {
	if cookieState == "" {
		return nil, newError(CodeWebStorageUnsupported, "the browser did not keep the sign-in state cookie", nil)
	}
	if subtle.ConstantTimeCompare([]byte(cookieState), []byte(p.state)) != 1 {
		return nil, newError(CodeInternalError, "popup state mismatch", nil)
	}
	if code == "" {
		return nil, newError(CodeInternalError, "authorization code missing from callback", nil)
	}

	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}

	tok, err := s.oauth.Exchange(ctx, code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	user, err := s.github.GetUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, classifyGitHubError("fetching the GitHub user failed", err)
	}

	if s.cfg.AllowedOrg != "" {
		if err := s.github.CheckOrgMembership(ctx, tok.AccessToken, s.cfg.AllowedOrg, user.Login); err != nil {
			if errors.Is(err, github.ErrNotOrgMember) {
				return nil, newError(CodeAdminRestrictedOperation,
					fmt.Sprintf("user %q is not a member of %q", user.Login, s.cfg.AllowedOrg), err)
			}
			return nil, classifyGitHubError("checking organization membership failed", err)
		}
	}

	displayName := user.Name
	if displayName == "" {
		displayName = user.Login
	}

	return &signin.UserCredential{
		User: &signin.Session{
			UID:         strconv.FormatInt(user.ID, 10),
			Login:       user.Login,
			DisplayName: displayName,
			PhotoURL:    user.AvatarURL,
			ProviderID:  GithubProviderID,
		},
		ProviderID:    GithubProviderID,
		OperationType: "signIn",
	}, nil
}

func classifyExchangeError(err error) *Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		msg := re.ErrorDescription
		if msg == "" {
			msg = "token exchange rejected"
		}
		switch re.ErrorCode {
		case "incorrect_client_credentials", "invalid_client", "unauthorized_client":
			return newError(CodeInvalidOAuthClientID, msg, err)
		case "redirect_uri_mismatch":
			return newError(CodeUnauthorizedDomain, msg, err)
		default:
			return newError(CodeInvalidCredential, msg, err)
		}
	}
	if isNetworkError(err) {
		return newError(CodeNetworkRequestFailed, "token exchange request failed", err)
	}
	return newError(CodeInternalError, "token exchange failed", err)
}

func classifyGitHubError(msg string, err error) *Error {
	switch {
	case errors.Is(err, github.ErrRateLimited):
		return newError(CodeTooManyRequests, "GitHub API rate limit exceeded", err)
	case errors.Is(err, github.ErrUnauthorized):
		return newError(CodeInvalidCredential, "GitHub rejected the access token", err)
	case isNetworkError(err):
		return newError(CodeNetworkRequestFailed, msg, err)
	default:
		return newError(CodeInternalError, msg, err)
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
