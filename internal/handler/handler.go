// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

// Package handler provides the HTTP host for the "Sign in with GitHub"
// control and the popup endpoints of the auth service.
//
// The host serves one shared session: every visitor sees and acts on the
// same signed-in user. Run it for a single user.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/andrewkroh/github-signin/internal/authservice"
	"github.com/andrewkroh/github-signin/internal/cache"
	"github.com/andrewkroh/github-signin/internal/signin"
)

// Control is the sign-in control rendered by the host.
type Control interface {
	SignIn(ctx context.Context) error
	SignOut(ctx context.Context) error
	State() signin.UIState
}

// PopupService handles the popup side of a sign-in.
type PopupService interface {
	AuthorizeURL(state string) (string, error)
	CompleteSignIn(ctx context.Context, state, code, cookieState string) error
	AbortPopup(ctx context.Context, state, code string) error
}

const (
	defaultAuthRate  = rate.Limit(1)
	defaultAuthBurst = 10

	// limiterIdleTTL bounds how long a per-IP limiter is tracked.
	limiterIdleTTL    = 10 * time.Minute
	limiterMaxEntries = 10000
)

// Option configures a Handler.
type Option func(*Handler)

// WithAuthRateLimit sets the per source IP rate limit for /auth/* endpoints.
func WithAuthRateLimit(r rate.Limit, burst int) Option {
	return func(h *Handler) {
		h.authRate = r
		h.authBurst = burst
	}
}

// WithBaseContext sets the context sign-ins started by POST /signin run
// under. It is cancelled on shutdown.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Handler) {
		h.baseCtx = ctx
	}
}

// WithStateCookieTTL sets the lifetime of the popup state cookie.
func WithStateCookieTTL(d time.Duration) Option {
	return func(h *Handler) {
		h.cookieTTL = d
	}
}

// WithAuthorizedDomains sets the hostnames allowed to sign the session
// out. An empty list allows any origin.
func WithAuthorizedDomains(domains []string) Option {
	return func(h *Handler) {
		h.authorizedDomains = domains
	}
}

// Handler provides HTTP handlers for the sign-in host.
type Handler struct {
	control Control
	popups  PopupService
	surface *Surface
	log     *slog.Logger

	baseCtx           context.Context
	cookieTTL         time.Duration
	authorizedDomains []string

	authRate  rate.Limit
	authBurst int
	limiters  *cache.Cache[*rate.Limiter]
}

// New creates a new Handler. surface must be the Alerter and PopupOpener
// the control and auth service were created with.
func New(control Control, popups PopupService, surface *Surface, log *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		control:   control,
		popups:    popups,
		surface:   surface,
		log:       log,
		baseCtx:   context.Background(),
		cookieTTL: 5 * time.Minute,
		authRate:  defaultAuthRate,
		authBurst: defaultAuthBurst,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.limiters = cache.New[*rate.Limiter](limiterIdleTTL, limiterMaxEntries, nil)
	return h
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	h.limiters.Stop()
}

// Routes returns an http.Handler with all routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handlePage)
	mux.HandleFunc("GET /state", h.handleState)
	mux.HandleFunc("POST /signin", h.handleSignIn)
	mux.HandleFunc("POST /signout", h.handleSignOut)
	mux.HandleFunc("GET /auth/popup", h.rateLimit(h.handlePopup))
	mux.HandleFunc("GET /auth/callback", h.rateLimit(h.handleCallback))
	mux.HandleFunc("POST /auth/popup/abort", h.rateLimit(h.handleAbort))
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /ready", h.handleReady)
	return mux
}

// getSourceIP extracts the client IP address from the request.
// It first checks the X-Forwarded-For header (used when behind a proxy).
// If X-Forwarded-For contains multiple IPs, it returns the leftmost (original client).
// Otherwise, it falls back to RemoteAddr.
func getSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP, _, _ := strings.Cut(xff, ",")
		if clientIP = strings.TrimSpace(clientIP); clientIP != "" {
			return clientIP
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestOrigin returns the origin of the page that issued r. The Origin
// header wins over the Host the request was sent to.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
		return origin
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// originAuthorized reports whether the origin of r is one of the
// authorized domains.
func (h *Handler) originAuthorized(r *http.Request) bool {
	if len(h.authorizedDomains) == 0 {
		return true
	}
	u, err := url.Parse(requestOrigin(r))
	if err != nil || u.Hostname() == "" {
		return false
	}
	for _, d := range h.authorizedDomains {
		if strings.EqualFold(u.Hostname(), d) {
			return true
		}
	}
	return false
}

// handlePage renders the full page with the control.
func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	view := signin.Render(h.control.State())
	alert, popupURL := h.surface.take()

	var buf bytes.Buffer
	if err := writePage(&buf, view, alert, popupURL); err != nil {
		h.log.ErrorContext(r.Context(), "Rendering page failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

type userResponse struct {
	UID         string `json:"uid"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// stateResponse is the JSON structure polled by the page.
type stateResponse struct {
	View     string        `json:"view"`
	Loading  bool          `json:"loading"`
	User     *userResponse `json:"user,omitempty"`
	HTML     string        `json:"html"`
	PopupURL string        `json:"popup_url,omitempty"`
	Alert    string        `json:"alert,omitempty"`
}

// handleState reports the control's state. A queued alert and popup URL
// are delivered once.
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	st := h.control.State()
	view := signin.Render(st)

	var fragment strings.Builder
	if err := signin.WriteHTML(&fragment, view, signin.DefaultActions); err != nil {
		h.log.ErrorContext(r.Context(), "Rendering control failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	alert, popupURL := h.surface.take()
	resp := stateResponse{
		View:     view.Kind.String(),
		Loading:  st.Loading,
		HTML:     fragment.String(),
		PopupURL: popupURL,
		Alert:    alert,
	}
	if st.User != nil {
		resp.User = &userResponse{
			UID:         st.User.UID,
			Login:       st.User.Login,
			DisplayName: st.User.DisplayName,
			PhotoURL:    st.User.PhotoURL,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(resp)
}

// handleSignIn starts a sign-in without waiting for it to settle.
func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	ctx := authservice.WithOrigin(h.baseCtx, requestOrigin(r))
	sourceIP := getSourceIP(r)

	// Failures are logged and alerted by the control.
	go func() {
		if err := h.control.SignIn(ctx); errors.Is(err, signin.ErrSignInInProgress) {
			h.log.DebugContext(ctx, "Sign-in already in progress", slog.String("source.ip", sourceIP))
		}
	}()

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleSignOut ends the session.
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if !h.originAuthorized(r) {
		h.log.WarnContext(r.Context(), "Sign-out from unauthorized origin rejected",
			slog.String("origin", requestOrigin(r)),
			slog.String("source.ip", getSourceIP(r)),
		)
		writeJSONError(w, http.StatusForbidden, "forbidden: origin not authorized")
		return
	}
	if err := h.control.SignOut(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "sign-out failed")
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleHealthz responds with a simple health check.
func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// handleReady responds with a simple readiness check.
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// errorResponse is the JSON structure for error responses.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}
