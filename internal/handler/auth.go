// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package handler

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/andrewkroh/github-signin/internal/authservice"
	"github.com/andrewkroh/github-signin/internal/signin"
)

// stateCookie carries the popup state between /auth/popup and
// /auth/callback.
const stateCookie = "github_signin_state"

// rateLimit throttles next per source IP.
func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceIP := getSourceIP(r)

		limiter := h.limiters.GetOrSet(sourceIP, func() *rate.Limiter {
			return rate.NewLimiter(h.authRate, h.authBurst)
		})

		if !limiter.Allow() {
			h.log.WarnContext(r.Context(), "Auth request rate limited",
				slog.String("path", r.URL.Path),
				slog.String("source.ip", sourceIP),
			)
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next(w, r)
	}
}

// handlePopup stores the popup state in a cookie and sends the popup to
// GitHub's authorize page.
func (h *Handler) handlePopup(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		writeJSONError(w, http.StatusBadRequest, "missing state")
		return
	}

	authorizeURL, err := h.popups.AuthorizeURL(state)
	if err != nil {
		h.log.WarnContext(r.Context(), "Popup opened for unknown request",
			slog.String("error", err.Error()),
			slog.String("source.ip", getSourceIP(r)),
		)
		writeJSONError(w, http.StatusBadRequest, "unknown or expired sign-in request")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int(h.cookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// handleCallback completes the sign-in with the code GitHub returned and
// closes the popup.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	sourceIP := getSourceIP(r)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	var err error
	switch oauthErr := q.Get("error"); oauthErr {
	case "":
		err = h.popups.CompleteSignIn(r.Context(), state, q.Get("code"), stateFromCookie(r))
	case "access_denied":
		err = h.popups.AbortPopup(r.Context(), state, authservice.CodePopupClosedByUser)
		if err == nil {
			h.log.InfoContext(r.Context(), "User denied GitHub authorization", slog.String("source.ip", sourceIP))
			h.writeClosePage(w, r, http.StatusOK, "Sign-in cancelled.")
			return
		}
	default:
		h.log.WarnContext(r.Context(), "GitHub returned an OAuth error",
			slog.String("error.code", oauthErr),
			slog.String("error.message", q.Get("error_description")),
			slog.String("source.ip", sourceIP),
		)
		err = h.popups.CompleteSignIn(r.Context(), state, "", stateFromCookie(r))
	}

	if err != nil {
		h.writeClosePage(w, r, http.StatusBadRequest, signin.Translate(signin.ExtractAuthError(err)))
		return
	}
	h.writeClosePage(w, r, http.StatusOK, "Signed in. You can close this window.")
}

func stateFromCookie(r *http.Request) string {
	c, err := r.Cookie(stateCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// handleAbort records that the browser blocked the popup or that the user
// closed it.
func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	state, code := r.PostForm.Get("state"), r.PostForm.Get("code")
	if err := h.popups.AbortPopup(r.Context(), state, code); err != nil {
		h.log.WarnContext(r.Context(), "Popup abort rejected",
			slog.String("error", err.Error()),
			slog.String("source.ip", getSourceIP(r)),
		)
		writeJSONError(w, http.StatusBadRequest, signin.ExtractAuthError(err).Message)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var closePageTemplate = template.Must(template.New("close").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in with GitHub</title></head>
<body>
<p>{{.}}</p>
<script>window.close();</script>
</body>
</html>
`))

// writeClosePage renders a page that closes the popup window.
func (h *Handler) writeClosePage(w http.ResponseWriter, r *http.Request, status int, message string) {
	var buf bytes.Buffer
	if err := closePageTemplate.Execute(&buf, message); err != nil {
		h.log.ErrorContext(r.Context(), "Rendering popup page failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
