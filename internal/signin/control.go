// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package signin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Sign-in result attribute values used for OTel metrics and spans.
const (
	resultSuccess    = "success"
	resultFailure    = "failure"
	resultInProgress = "in_progress"
)

// Control is a "Sign in with GitHub" control bound to an external auth
// service. Its state is only updated between Mount and Unmount.
type Control struct {
	auth        AuthService
	newProvider ProviderFactory
	alert       Alerter
	log         *slog.Logger

	tracer       trace.Tracer
	signInTotal  metric.Int64Counter
	stateChanges metric.Int64Counter

	mu          sync.Mutex
	state       UIState
	revision    uint64
	generation  uint64 // bumped by Mount and Unmount
	mounted     bool
	unsubscribe func()
	changed     chan struct{}
}

// New creates a Control. newProvider is called once per sign-in attempt.
func New(auth AuthService, newProvider ProviderFactory, alert Alerter, log *slog.Logger) *Control {
	tracer := otel.Tracer("github.com/andrewkroh/github-signin/internal/signin")
	meter := otel.Meter("github.com/andrewkroh/github-signin/internal/signin")

	signInTotal, _ := meter.Int64Counter("github_signin.sign_in.total",
		metric.WithDescription("Total number of sign-in attempts by result"),
	)
	stateChanges, _ := meter.Int64Counter("github_signin.auth_state.changes",
		metric.WithDescription("Number of auth state changes observed by mounted controls"),
	)

	return &Control{
		auth:         auth,
		newProvider:  newProvider,
		alert:        alert,
		log:          log,
		tracer:       tracer,
		signInTotal:  signInTotal,
		stateChanges: stateChanges,
		changed:      make(chan struct{}),
	}
}

// Mount starts observing the auth service. Each Mount begins with a fresh
// UIState. Calling Mount on a mounted control is a no-op.
func (c *Control) Mount() {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = true
	c.generation++
	gen := c.generation
	c.state = UIState{}
	c.notifyLocked()
	c.mu.Unlock()

	// The service may invoke the listener before OnAuthStateChanged returns.
	unsubscribe := c.auth.OnAuthStateChanged(func(s *Session) {
		c.onAuthStateChanged(gen, s)
	})

	c.mu.Lock()
	if c.mounted && c.generation == gen {
		c.unsubscribe = unsubscribe
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Unmounted while subscribing.
	unsubscribe()
}

// Unmount deregisters the auth state listener. No state update is applied
// afterwards, including the settlement of a pending sign-in.
func (c *Control) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	c.generation++
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Control) onAuthStateChanged(gen uint64, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mounted || c.generation != gen {
		c.log.Debug("Ignoring auth state change after unmount")
		return
	}

	if s == nil {
		c.state.User = nil
	} else {
		u := *s
		c.state.User = &u
	}
	c.notifyLocked()

	c.stateChanges.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("signed_in", s != nil)))
}

// SignIn runs a popup sign-in against the auth service. Loading is true
// from the start of the call until it settles. On failure the translated
// message is shown through the Alerter and the error is returned.
//
// The new session is not applied here; it arrives through the auth state
// listener.
func (c *Control) SignIn(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "signin.sign_in")
	defer span.End()

	c.mu.Lock()
	if c.state.Loading {
		c.mu.Unlock()
		span.SetAttributes(attribute.String("signin.result", resultInProgress))
		c.signInTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", resultInProgress)))
		return ErrSignInInProgress
	}
	gen := c.generation
	c.state.Loading = true
	c.notifyLocked()
	c.mu.Unlock()

	defer c.finishSignIn(gen)

	provider := c.newProvider()
	provider.SetCustomParameters(map[string]string{"allow_signup": "false"})
	span.SetAttributes(attribute.String("signin.provider", provider.ProviderID()))

	cred, err := c.auth.SignInWithPopup(ctx, provider)
	if err != nil {
		ae := ExtractAuthError(err)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String("signin.result", resultFailure),
			attribute.String("signin.error.code", ae.Code),
		)
		c.signInTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", resultFailure),
			attribute.String("code", ae.Code),
		))

		c.log.ErrorContext(ctx, "GitHub sign-in failed",
			slog.String("error.code", ae.Code),
			slog.String("error.message", ae.Message),
			slog.String("error", err.Error()),
		)

		c.alert.Alert(ctx, Translate(ae))
		return fmt.Errorf("signin: %w", err)
	}

	span.SetAttributes(attribute.String("signin.result", resultSuccess))
	c.signInTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", resultSuccess)))

	if cred != nil && cred.User != nil {
		c.log.InfoContext(ctx, "GitHub sign-in succeeded",
			slog.String("login", cred.User.Login),
			slog.String("uid", cred.User.UID),
		)
	}
	return nil
}

// finishSignIn clears Loading unless the control was unmounted or
// remounted while the attempt was in flight.
func (c *Control) finishSignIn(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != gen {
		return
	}
	c.state.Loading = false
	c.notifyLocked()
}

// SignOut asks the auth service to end the session. The cleared session is
// observed through the auth state listener.
func (c *Control) SignOut(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "signin.sign_out")
	defer span.End()

	if err := c.auth.SignOut(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.ErrorContext(ctx, "Sign-out failed", slog.String("error", err.Error()))
		return fmt.Errorf("signin: signing out: %w", err)
	}
	return nil
}

// State returns a copy of the current UI state.
func (c *Control) State() UIState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// Revision returns a counter that increases on every state change.
func (c *Control) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// Changed returns a channel that is closed on the next state change.
func (c *Control) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// View renders the current state.
func (c *Control) View() View {
	return Render(c.State())
}

// notifyLocked must be called with c.mu held.
func (c *Control) notifyLocked() {
	c.revision++
	close(c.changed)
	c.changed = make(chan struct{})
}
