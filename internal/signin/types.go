// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

// Package signin implements a "Sign in with GitHub" control that is backed
// by an external authentication service. The control observes the service's
// auth state, starts popup sign-ins, translates the service's error codes
// into user-facing messages and renders one of three views.
package signin

import "context"

// Session is the authenticated identity issued by the external auth
// service. The control never creates or mutates sessions; it only observes
// them.
type Session struct {
	// UID is the opaque, stable identity of the user.
	UID string

	// Login is the GitHub username.
	Login string

	// DisplayName is the user's display name, if any.
	DisplayName string

	// PhotoURL is the avatar URL. It may be empty.
	PhotoURL string

	// ProviderID identifies the identity provider (e.g. "github.com").
	ProviderID string
}

// UIState is the state owned by a single Control.
type UIState struct {
	// User is the current session, or nil when signed out.
	User *Session

	// Loading is true while a sign-in attempt is in flight.
	Loading bool
}

// UserCredential is the result of a successful popup sign-in.
type UserCredential struct {
	User          *Session
	ProviderID    string
	OperationType string
}

// Provider is an OAuth provider handle. A fresh handle is constructed for
// every sign-in attempt.
type Provider interface {
	// ProviderID identifies the provider (e.g. "github.com").
	ProviderID() string

	// SetCustomParameters replaces the custom OAuth parameters sent to the
	// provider's authorization endpoint.
	SetCustomParameters(params map[string]string)

	// CustomParameters returns a copy of the custom OAuth parameters.
	CustomParameters() map[string]string

	// Scopes returns the OAuth scopes requested in addition to the
	// provider's defaults.
	Scopes() []string
}

// ProviderFactory constructs a new Provider handle.
type ProviderFactory func() Provider

// AuthService is the external authentication service the control is bound
// to.
type AuthService interface {
	// OnAuthStateChanged registers fn to be called whenever the session
	// changes. It returns a function that deregisters fn.
	OnAuthStateChanged(fn func(*Session)) (unsubscribe func())

	// SignOut ends the current session.
	SignOut(ctx context.Context) error

	// SignInWithPopup runs a popup-based sign-in with the given provider and
	// blocks until the popup completes, is closed, or fails.
	SignInWithPopup(ctx context.Context, provider Provider) (*UserCredential, error)
}

// Alerter is a blocking notification surface shown to the end user.
type Alerter interface {
	Alert(ctx context.Context, message string)
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(ctx context.Context, message string)

// Alert calls f(ctx, message).
func (f AlerterFunc) Alert(ctx context.Context, message string) {
	f(ctx, message)
}
