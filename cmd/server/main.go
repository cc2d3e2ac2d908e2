// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

// Package main implements the HTTP server hosting the "Sign in with GitHub"
// control.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/time/rate"

	"github.com/andrewkroh/github-signin/internal/authservice"
	"github.com/andrewkroh/github-signin/internal/github"
	"github.com/andrewkroh/github-signin/internal/handler"
	"github.com/andrewkroh/github-signin/internal/otelsetup"
	"github.com/andrewkroh/github-signin/internal/signin"
)

// version is set at build time via -ldflags "-X main.version=v1.0.0".
var version = "dev"

// Config holds the server configuration parsed from CLI flags.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string

	// RedirectURL is the OAuth callback URL registered with the GitHub
	// OAuth App.
	RedirectURL string

	// AuthorizedDomains lists the hostnames allowed to sign in and out.
	AuthorizedDomains []string

	// AllowedOrg, if set, restricts sign-in to members of this GitHub
	// organization.
	AllowedOrg string

	// PopupTTL bounds how long a popup sign-in may take.
	PopupTTL time.Duration

	// PopupCacheMaxSize is the maximum number of pending popup sign-ins.
	PopupCacheMaxSize int

	// AuthRate is the sustained /auth/* request rate per source IP, in
	// requests per second.
	AuthRate float64

	// AuthBurst is the /auth/* request burst per source IP.
	AuthBurst int

	// LogLevel is the minimum log level.
	LogLevel string
}

// Secrets holds the configuration read from the environment.
type Secrets struct {
	ClientID     string `env:"GITHUB_CLIENT_ID,required,notEmpty"`
	ClientSecret string `env:"GITHUB_CLIENT_SECRET,required,notEmpty"`
	APIBaseURL   string `env:"GITHUB_API_BASE_URL"`
}

// parseFlags parses CLI flags from the given arguments into a Config.
// It uses a custom flag.FlagSet so that tests can call it without
// affecting the global flag.CommandLine state.
func parseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("github-signin", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage of %s:\n", fs.Name())
		fmt.Fprintln(fs.Output(), "  Serves one shared session. Every visitor sees and controls the same signed-in user.")
		fs.PrintDefaults()
	}

	cfg := &Config{}
	var domains string

	fs.StringVar(&cfg.Listen, "listen", ":8080", "HTTP listen address")
	fs.StringVar(&cfg.RedirectURL, "redirect-url", "http://localhost:8080/auth/callback", "OAuth callback URL registered with GitHub")
	fs.StringVar(&domains, "authorized-domains", "localhost", "Comma-separated hostnames allowed to sign in and out (empty allows any)")
	fs.StringVar(&cfg.AllowedOrg, "allowed-org", "", "Restrict sign-in to members of this GitHub organization")
	fs.DurationVar(&cfg.PopupTTL, "popup-ttl", 5*time.Minute, "Maximum duration of a popup sign-in")
	fs.IntVar(&cfg.PopupCacheMaxSize, "popup-cache-max-size", 100, "Maximum number of pending popup sign-ins")
	fs.Float64Var(&cfg.AuthRate, "auth-rate", 1, "Sustained /auth/* requests per second per source IP")
	fs.IntVar(&cfg.AuthBurst, "auth-burst", 10, "Burst of /auth/* requests per source IP")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.AuthorizedDomains = splitList(domains)

	if err := cfg.validate(); err != nil {
		// Print usage to stderr when validation fails.
		fmt.Fprintf(fs.Output(), "Error: %v\n\n", err)
		fs.Usage()
		return nil, err
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// validate checks that the Config has all required fields set and that
// values are within acceptable ranges.
func (c *Config) validate() error {
	u, err := url.Parse(c.RedirectURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("flag -redirect-url must be an absolute URL, got %q", c.RedirectURL)
	}
	if c.PopupTTL <= 0 {
		return fmt.Errorf("flag -popup-ttl must be positive, got %s", c.PopupTTL)
	}
	if c.PopupCacheMaxSize <= 0 {
		return fmt.Errorf("flag -popup-cache-max-size must be positive, got %d", c.PopupCacheMaxSize)
	}
	if c.AuthRate <= 0 {
		return fmt.Errorf("flag -auth-rate must be positive, got %g", c.AuthRate)
	}
	if c.AuthBurst <= 0 {
		return fmt.Errorf("flag -auth-burst must be positive, got %d", c.AuthBurst)
	}
	if _, err := otelsetup.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("flag -log-level: %w", err)
	}
	return nil
}

// loadSecrets reads Secrets from environ. A nil environ reads the process
// environment.
func loadSecrets(environ map[string]string) (*Secrets, error) {
	var s Secrets
	if err := env.ParseWithOptions(&s, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return &s, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	// Set up slog with trace context injection.
	level, _ := otelsetup.ParseLevel(cfg.LogLevel)
	logger := otelsetup.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)

	secrets, err := loadSecrets(nil)
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up OpenTelemetry.
	ctx := context.Background()
	otelShutdown, err := otelsetup.Setup(ctx, "github-signin", version)
	if err != nil {
		slog.Error("failed to set up OpenTelemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("OpenTelemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Create GitHub client.
	ghOpts := []github.Option{github.WithLogger(logger)}
	if secrets.APIBaseURL != "" {
		ghOpts = append(ghOpts, github.WithBaseURL(secrets.APIBaseURL))
	}
	ghClient := github.NewHTTPClient(ghOpts...)

	// The surface is both the alert sink and the popup opener.
	surface := handler.NewSurface()

	// Create the auth service.
	svc, err := authservice.New(authservice.Config{
		ClientID:          secrets.ClientID,
		ClientSecret:      secrets.ClientSecret,
		RedirectURL:       cfg.RedirectURL,
		AuthorizedDomains: cfg.AuthorizedDomains,
		AllowedOrg:        cfg.AllowedOrg,
		PopupTTL:          cfg.PopupTTL,
		PopupCacheMaxSize: cfg.PopupCacheMaxSize,
	},
		authservice.WithGitHubClient(ghClient),
		authservice.WithPopupOpener(surface),
		authservice.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create auth service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer svc.Close()

	// Create and mount the control.
	control := signin.New(svc, authservice.NewProvider, surface, logger)
	control.Mount()
	defer control.Unmount()

	// Graceful shutdown: listen for SIGINT and SIGTERM.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create handler.
	h := handler.New(control, svc, surface, logger,
		handler.WithAuthRateLimit(rate.Limit(cfg.AuthRate), cfg.AuthBurst),
		handler.WithBaseContext(ctx),
		handler.WithStateCookieTTL(cfg.PopupTTL),
		handler.WithAuthorizedDomains(cfg.AuthorizedDomains),
	)
	defer h.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start the server in a goroutine.
	go func() {
		slog.Info("server starting",
			slog.String("listen", cfg.Listen),
			slog.String("redirect_url", cfg.RedirectURL),
			slog.Any("authorized_domains", cfg.AuthorizedDomains),
			slog.String("allowed_org", cfg.AllowedOrg),
			slog.Duration("popup_ttl", cfg.PopupTTL),
			slog.Int("popup_cache_max_size", cfg.PopupCacheMaxSize),
			slog.Float64("auth_rate", cfg.AuthRate),
			slog.Int("auth_burst", cfg.AuthBurst),
			slog.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	slog.Info("server stopped")
}
