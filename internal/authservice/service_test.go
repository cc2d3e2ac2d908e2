// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package authservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/andrewkroh/github-signin/internal/github"
	"github.com/andrewkroh/github-signin/internal/signin"
)

const (
	testClientID     = "Iv1.test-client"
	testClientSecret = "test-secret"
	testRedirectURL  = "http://localhost:8080/auth/callback"
	goodCode         = "good-code"
	testAccessToken  = "gho_test-access-token"
)

// mockGitHub implements github.Client for testing.
type mockGitHub struct {
	getUserFunc  func(ctx context.Context, token string) (*github.User, error)
	checkOrgFunc func(ctx context.Context, token, org, username string) error
}

func (m *mockGitHub) GetUser(ctx context.Context, token string) (*github.User, error) {
	if m.getUserFunc == nil {
		return &github.User{
			Login:     "octocat",
			ID:        583231,
			Name:      "The Octocat",
			AvatarURL: "https://avatars.githubusercontent.com/u/583231?v=4",
		}, nil
	}
	return m.getUserFunc(ctx, token)
}

func (m *mockGitHub) CheckOrgMembership(ctx context.Context, token, org, username string) error {
	if m.checkOrgFunc == nil {
		return nil
	}
	return m.checkOrgFunc(ctx, token, org, username)
}

// newTokenServer returns a fake GitHub token endpoint. Codes other than
// goodCode are rejected with the given OAuth error code.
func newTokenServer(t *testing.T, rejectWith string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		if r.PostForm.Get("code_verifier") == "" {
			t.Error("token request is missing code_verifier")
		}
		if got := r.PostForm.Get("client_id"); got != testClientID {
			t.Errorf("client_id = %q, want %q", got, testClientID)
		}

		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != goodCode {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"error":             rejectWith,
				"error_description": "rejected by test server",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": testAccessToken,
			"token_type":   "bearer",
			"scope":        "read:user,user:email",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// popupRecorder is a PopupOpener that records opened URLs.
type popupRecorder struct {
	urls chan string
	err  error
}

func newPopupRecorder() *popupRecorder {
	return &popupRecorder{urls: make(chan string, 8)}
}

func (p *popupRecorder) OpenPopup(_ context.Context, popupURL string) error {
	if p.err != nil {
		return p.err
	}
	p.urls <- popupURL
	return nil
}

// next returns the state of the next opened popup.
func (p *popupRecorder) next(t *testing.T) string {
	t.Helper()
	select {
	case raw := <-p.urls:
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parsing popup URL: %v", err)
		}
		state := u.Query().Get("state")
		if state == "" {
			t.Fatalf("popup URL %q has no state", raw)
		}
		return state
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for popup to open")
		return ""
	}
}

type testEnv struct {
	svc    *Service
	popups *popupRecorder
	gh     *mockGitHub
}

func newTestEnv(t *testing.T, cfg Config, rejectWith string) *testEnv {
	t.Helper()

	tokenSrv := newTokenServer(t, rejectWith)

	if cfg.ClientID == "" {
		cfg.ClientID = testClientID
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = testClientSecret
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = testRedirectURL
	}

	env := &testEnv{popups: newPopupRecorder(), gh: &mockGitHub{}}
	svc, err := New(cfg,
		WithGitHubClient(env.gh),
		WithPopupOpener(env.popups),
		WithLogger(slog.Default()),
		WithEndpoint(oauth2.Endpoint{
			AuthURL:   "https://github.com/login/oauth/authorize",
			TokenURL:  tokenSrv.URL,
			AuthStyle: oauth2.AuthStyleInParams,
		}),
	)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(svc.Close)
	env.svc = svc
	return env
}

type signInResult struct {
	cred *signin.UserCredential
	err  error
}

// startSignIn runs SignInWithPopup in a goroutine.
func (e *testEnv) startSignIn(ctx context.Context, p signin.Provider) <-chan signInResult {
	done := make(chan signInResult, 1)
	go func() {
		cred, err := e.svc.SignInWithPopup(ctx, p)
		done <- signInResult{cred, err}
	}()
	return done
}

func wait(t *testing.T, done <-chan signInResult) signInResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SignInWithPopup")
		return signInResult{}
	}
}

func requireCode(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %q, got nil", want)
	}
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if ae.Code != want {
		t.Fatalf("code = %q, want %q (error: %v)", ae.Code, want, err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing client id", Config{ClientSecret: "s", RedirectURL: testRedirectURL}},
		{"missing client secret", Config{ClientID: "c", RedirectURL: testRedirectURL}},
		{"missing redirect", Config{ClientID: "c", ClientSecret: "s"}},
		{"relative redirect", Config{ClientID: "c", ClientSecret: "s", RedirectURL: "/auth/callback"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestNew_DefaultPopupURL(t *testing.T) {
	svc, err := New(Config{ClientID: "c", ClientSecret: "s", RedirectURL: "https://app.example.com:8443/auth/callback"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer svc.Close()

	if want := "https://app.example.com:8443/auth/popup"; svc.popupURL != want {
		t.Errorf("popupURL = %q, want %q", svc.popupURL, want)
	}
}

func TestService_OnAuthStateChanged(t *testing.T) {
	env := newTestEnv(t, Config{}, "")

	var (
		mu   sync.Mutex
		seen []*signin.Session
	)
	unsubscribe := env.svc.OnAuthStateChanged(func(s *signin.Session) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	env.svc.setSession(&signin.Session{UID: "1", Login: "octocat"})
	if err := env.svc.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}

	unsubscribe()
	unsubscribe() // idempotent
	env.svc.setSession(&signin.Session{UID: "2", Login: "ghost"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 notifications (initial, sign-in, sign-out), got %d", len(seen))
	}
	if seen[0] != nil {
		t.Errorf("initial notification = %+v, want nil", seen[0])
	}
	if seen[1] == nil || seen[1].Login != "octocat" {
		t.Errorf("second notification = %+v, want octocat", seen[1])
	}
	if seen[2] != nil {
		t.Errorf("third notification = %+v, want nil", seen[2])
	}
}

func TestService_SignInWithPopup_Success(t *testing.T) {
	env := newTestEnv(t, Config{}, "")

	env.gh.getUserFunc = func(_ context.Context, token string) (*github.User, error) {
		if token != testAccessToken {
			t.Errorf("token = %q, want %q", token, testAccessToken)
		}
		return &github.User{Login: "octocat", ID: 583231, AvatarURL: "https://avatars.example/u/1"}, nil
	}

	var (
		mu         sync.Mutex
		listenerAt *signin.Session
	)
	env.svc.OnAuthStateChanged(func(s *signin.Session) {
		mu.Lock()
		defer mu.Unlock()
		listenerAt = s
	})

	provider := NewGithubAuthProvider()
	provider.SetCustomParameters(map[string]string{"allow_signup": "false"})

	done := env.startSignIn(context.Background(), provider)
	state := env.popups.next(t)

	if err := env.svc.CompleteSignIn(context.Background(), state, goodCode, state); err != nil {
		t.Fatalf("CompleteSignIn returned error: %v", err)
	}

	r := wait(t, done)
	if r.err != nil {
		t.Fatalf("SignInWithPopup returned error: %v", r.err)
	}

	want := signin.Session{
		UID:         "583231",
		Login:       "octocat",
		DisplayName: "octocat",
		PhotoURL:    "https://avatars.example/u/1",
		ProviderID:  GithubProviderID,
	}
	if *r.cred.User != want {
		t.Errorf("session = %+v, want %+v", *r.cred.User, want)
	}
	if r.cred.OperationType != "signIn" || r.cred.ProviderID != GithubProviderID {
		t.Errorf("unexpected credential: %+v", r.cred)
	}

	mu.Lock()
	defer mu.Unlock()
	if listenerAt == nil || listenerAt.Login != "octocat" {
		t.Errorf("listener did not observe the new session: %+v", listenerAt)
	}
	if got := env.svc.CurrentUser(); got == nil || got.UID != "583231" {
		t.Errorf("CurrentUser = %+v", got)
	}

	// The popup request is single use.
	requireCode(t, env.svc.CompleteSignIn(context.Background(), state, goodCode, state), CodeInternalError)
}

func TestService_AuthorizeURL(t *testing.T) {
	env := newTestEnv(t, Config{}, "")

	provider := NewGithubAuthProvider().AddScope("read:org").AddScope("read:org")
	provider.SetCustomParameters(map[string]string{
		"allow_signup": "false",
		"state":        "attacker-controlled",
		"client_id":    "other-client",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.startSignIn(ctx, provider)
	state := env.popups.next(t)

	raw, err := env.svc.AuthorizeURL(state)
	if err != nil {
		t.Fatalf("AuthorizeURL returned error: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing authorize URL: %v", err)
	}
	q := u.Query()

	checks := map[string]string{
		"allow_signup":          "false",
		"state":                 state,
		"client_id":             testClientID,
		"redirect_uri":          testRedirectURL,
		"response_type":         "code",
		"code_challenge_method": "S256",
		"scope":                 "read:user user:email read:org",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if q.Get("code_challenge") == "" {
		t.Error("missing code_challenge")
	}

	if _, err := env.svc.AuthorizeURL("unknown-state"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestService_CompleteSignIn_Failures(t *testing.T) {
	tests := []struct {
		name       string
		rejectWith string
		code       string
		cookie     func(state string) string
		gh         *mockGitHub
		cfg        Config
		wantCode   string
	}{
		{
			name:     "cookie missing",
			code:     goodCode,
			cookie:   func(string) string { return "" },
			wantCode: CodeWebStorageUnsupported,
		},
		{
			name:     "cookie mismatch",
			code:     goodCode,
			cookie:   func(string) string { return "another-state" },
			wantCode: CodeInternalError,
		},
		{
			name:     "code missing",
			code:     "",
			wantCode: CodeInternalError,
		},
		{
			name:       "bad verification code",
			rejectWith: "bad_verification_code",
			code:       "stale-code",
			wantCode:   CodeInvalidCredential,
		},
		{
			name:       "incorrect client credentials",
			rejectWith: "incorrect_client_credentials",
			code:       "stale-code",
			wantCode:   CodeInvalidOAuthClientID,
		},
		{
			name:       "redirect uri mismatch",
			rejectWith: "redirect_uri_mismatch",
			code:       "stale-code",
			wantCode:   CodeUnauthorizedDomain,
		},
		{
			name: "github rate limited",
			code: goodCode,
			gh: &mockGitHub{getUserFunc: func(context.Context, string) (*github.User, error) {
				return nil, github.ErrRateLimited
			}},
			wantCode: CodeTooManyRequests,
		},
		{
			name: "github rejects token",
			code: goodCode,
			gh: &mockGitHub{getUserFunc: func(context.Context, string) (*github.User, error) {
				return nil, github.ErrUnauthorized
			}},
			wantCode: CodeInvalidCredential,
		},
		{
			name: "github network failure",
			code: goodCode,
			gh: &mockGitHub{getUserFunc: func(context.Context, string) (*github.User, error) {
				return nil, fmt.Errorf("github: executing request: %w", &url.Error{Op: "Get", URL: "https://api.github.com/user", Err: errors.New("connection refused")})
			}},
			wantCode: CodeNetworkRequestFailed,
		},
		{
			name: "github server error",
			code: goodCode,
			gh: &mockGitHub{getUserFunc: func(context.Context, string) (*github.User, error) {
				return nil, errors.New("github: unexpected status 502")
			}},
			wantCode: CodeInternalError,
		},
		{
			name: "not an org member",
			code: goodCode,
			cfg:  Config{AllowedOrg: "my-org"},
			gh: &mockGitHub{checkOrgFunc: func(_ context.Context, _, org, username string) error {
				if org != "my-org" || username != "octocat" {
					t.Errorf("unexpected membership check %s/%s", org, username)
				}
				return github.ErrNotOrgMember
			}},
			wantCode: CodeAdminRestrictedOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rejectWith := tt.rejectWith
			if rejectWith == "" {
				rejectWith = "bad_verification_code"
			}
			env := newTestEnv(t, tt.cfg, rejectWith)
			if tt.gh != nil {
				*env.gh = *tt.gh
			}

			done := env.startSignIn(context.Background(), NewGithubAuthProvider())
			state := env.popups.next(t)

			cookie := state
			if tt.cookie != nil {
				cookie = tt.cookie(state)
			}

			err := env.svc.CompleteSignIn(context.Background(), state, tt.code, cookie)
			requireCode(t, err, tt.wantCode)

			r := wait(t, done)
			requireCode(t, r.err, tt.wantCode)
			if r.cred != nil {
				t.Errorf("expected no credential, got %+v", r.cred)
			}
			if env.svc.CurrentUser() != nil {
				t.Error("failed sign-in must not set a session")
			}
		})
	}
}

func TestService_CompleteSignIn_TokenEndpointDown(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	env := newTestEnv(t, Config{}, "")
	WithEndpoint(oauth2.Endpoint{TokenURL: down.URL, AuthStyle: oauth2.AuthStyleInParams})(env.svc)

	done := env.startSignIn(context.Background(), NewGithubAuthProvider())
	state := env.popups.next(t)

	requireCode(t, env.svc.CompleteSignIn(context.Background(), state, goodCode, state), CodeNetworkRequestFailed)
	requireCode(t, wait(t, done).err, CodeNetworkRequestFailed)
}

func TestService_SignInWithPopup_Blocked(t *testing.T) {
	env := newTestEnv(t, Config{}, "")
	env.popups.err = errors.New("window.open returned null")

	_, err := env.svc.SignInWithPopup(context.Background(), NewGithubAuthProvider())
	requireCode(t, err, CodePopupBlocked)
}

func TestService_SignInWithPopup_NoOpener(t *testing.T) {
	env := newTestEnv(t, Config{}, "")
	env.svc.opener = nil

	_, err := env.svc.SignInWithPopup(context.Background(), NewGithubAuthProvider())
	requireCode(t, err, CodePopupBlocked)
}

func TestService_SignInWithPopup_ContextCancelled(t *testing.T) {
	env := newTestEnv(t, Config{}, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := env.startSignIn(ctx, NewGithubAuthProvider())
	state := env.popups.next(t)
	cancel()

	r := wait(t, done)
	requireCode(t, r.err, CodePopupClosedByUser)
	if !errors.Is(r.err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", r.err)
	}

	// The abandoned request can no longer be completed.
	requireCode(t, env.svc.CompleteSignIn(context.Background(), state, goodCode, state), CodeInternalError)
}

func TestService_SignInWithPopup_SupersededByNewerPopup(t *testing.T) {
	env := newTestEnv(t, Config{}, "")

	first := env.startSignIn(context.Background(), NewGithubAuthProvider())
	firstState := env.popups.next(t)

	second := env.startSignIn(context.Background(), NewGithubAuthProvider())
	secondState := env.popups.next(t)

	requireCode(t, wait(t, first).err, CodeCancelledPopupRequest)
	requireCode(t, env.svc.CompleteSignIn(context.Background(), firstState, goodCode, firstState), CodeInternalError)

	if err := env.svc.CompleteSignIn(context.Background(), secondState, goodCode, secondState); err != nil {
		t.Fatalf("CompleteSignIn returned error: %v", err)
	}
	if r := wait(t, second); r.err != nil {
		t.Fatalf("second sign-in returned error: %v", r.err)
	}
}

func TestService_SignInWithPopup_UnauthorizedDomain(t *testing.T) {
	env := newTestEnv(t, Config{AuthorizedDomains: []string{"localhost", "app.example.com"}}, "")

	ctx := WithOrigin(context.Background(), "https://evil.example.net")
	_, err := env.svc.SignInWithPopup(ctx, NewGithubAuthProvider())
	requireCode(t, err, CodeUnauthorizedDomain)

	select {
	case u := <-env.popups.urls:
		t.Fatalf("popup should not open for an unauthorized domain, opened %s", u)
	default:
	}

	// Authorized origins proceed to the popup.
	ctx, cancel := context.WithCancel(WithOrigin(context.Background(), "https://APP.example.com:8443"))
	defer cancel()
	env.startSignIn(ctx, NewGithubAuthProvider())
	env.popups.next(t)
}

func TestService_SignInWithPopup_UnsupportedProvider(t *testing.T) {
	env := newTestEnv(t, Config{}, "")

	_, err := env.svc.SignInWithPopup(context.Background(), otherProvider{})
	requireCode(t, err, CodeArgumentError)
}

type otherProvider struct{ signin.Provider }

func (otherProvider) ProviderID() string { return "google.com" }

func TestService_AbortPopup(t *testing.T) {
	for _, code := range []string{CodePopupClosedByUser, CodePopupBlocked} {
		t.Run(code, func(t *testing.T) {
			env := newTestEnv(t, Config{}, "")

			done := env.startSignIn(context.Background(), NewGithubAuthProvider())
			state := env.popups.next(t)

			if err := env.svc.AbortPopup(context.Background(), state, code); err != nil {
				t.Fatalf("AbortPopup returned error: %v", err)
			}
			requireCode(t, wait(t, done).err, code)
		})
	}
}

func TestService_AbortPopup_Invalid(t *testing.T) {
	env := newTestEnv(t, Config{}, "")

	requireCode(t, env.svc.AbortPopup(context.Background(), "whatever", "auth/internal-error"), CodeArgumentError)
	requireCode(t, env.svc.AbortPopup(context.Background(), "unknown", CodePopupClosedByUser), CodeInternalError)
}

func TestService_PopupExpires(t *testing.T) {
	env := newTestEnv(t, Config{PopupTTL: 50 * time.Millisecond}, "")

	done := env.startSignIn(context.Background(), NewGithubAuthProvider())
	env.popups.next(t)

	requireCode(t, wait(t, done).err, CodeTimeout)
}

func TestService_CallbackAfterExpiryBeforeCleanup(t *testing.T) {
	ttl := 100 * time.Millisecond
	env := newTestEnv(t, Config{PopupTTL: ttl}, "")
	// Only the callback can observe the expired request.
	env.svc.popups.Stop()

	done := env.startSignIn(context.Background(), NewGithubAuthProvider())
	state := env.popups.next(t)
	time.Sleep(2 * ttl)

	requireCode(t, env.svc.CompleteSignIn(context.Background(), state, goodCode, state), CodeInternalError)
	requireCode(t, wait(t, done).err, CodeTimeout)

	if env.svc.CurrentUser() != nil {
		t.Error("expired sign-in must not set a session")
	}
}

func TestService_AbortAfterExpiryBeforeCleanup(t *testing.T) {
	ttl := 100 * time.Millisecond
	env := newTestEnv(t, Config{PopupTTL: ttl}, "")
	env.svc.popups.Stop()

	done := env.startSignIn(context.Background(), NewGithubAuthProvider())
	state := env.popups.next(t)
	time.Sleep(2 * ttl)

	requireCode(t, env.svc.AbortPopup(context.Background(), state, CodePopupClosedByUser), CodeInternalError)
	requireCode(t, wait(t, done).err, CodeTimeout)

	// The next sign-in proceeds normally.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	next := env.startSignIn(ctx, NewGithubAuthProvider())
	nextState := env.popups.next(t)
	if err := env.svc.CompleteSignIn(context.Background(), nextState, goodCode, nextState); err != nil {
		t.Fatalf("CompleteSignIn returned error: %v", err)
	}
	if r := wait(t, next); r.err != nil {
		t.Fatalf("next sign-in returned error: %v", r.err)
	}
}

func TestError_Format(t *testing.T) {
	err := newError(CodePopupBlocked, "blocked", errors.New("cause"))
	if got := err.Error(); !strings.Contains(got, CodePopupBlocked) || !strings.Contains(got, "cause") {
		t.Errorf("Error() = %q", got)
	}

	ae := signin.ExtractAuthError(fmt.Errorf("wrapped: %w", err))
	if ae.Code != CodePopupBlocked || ae.Message != "blocked" {
		t.Errorf("ExtractAuthError = %+v", ae)
	}
}
