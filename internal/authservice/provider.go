// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package authservice

import (
	"maps"
	"slices"

	"github.com/andrewkroh/github-signin/internal/signin"
)

// GithubProviderID identifies the GitHub OAuth provider.
const GithubProviderID = "github.com"

var _ signin.Provider = (*GithubAuthProvider)(nil)

// GithubAuthProvider configures a GitHub popup sign-in.
type GithubAuthProvider struct {
	scopes []string
	params map[string]string
}

// NewGithubAuthProvider returns a provider with no extra scopes and no
// custom parameters.
func NewGithubAuthProvider() *GithubAuthProvider {
	return &GithubAuthProvider{}
}

// NewProvider returns a new GithubAuthProvider. It satisfies
// signin.ProviderFactory.
func NewProvider() signin.Provider {
	return NewGithubAuthProvider()
}

func (p *GithubAuthProvider) ProviderID() string { return GithubProviderID }

// AddScope requests an additional OAuth scope.
func (p *GithubAuthProvider) AddScope(scope string) *GithubAuthProvider {
	if !slices.Contains(p.scopes, scope) {
		p.scopes = append(p.scopes, scope)
	}
	return p
}

// SetCustomParameters replaces the parameters forwarded to GitHub's
// authorize endpoint, e.g. {"allow_signup": "false"}. Reserved OAuth
// parameters are ignored when the authorize URL is built.
func (p *GithubAuthProvider) SetCustomParameters(params map[string]string) {
	p.params = maps.Clone(params)
}

func (p *GithubAuthProvider) CustomParameters() map[string]string {
	return maps.Clone(p.params)
}

func (p *GithubAuthProvider) Scopes() []string {
	return slices.Clone(p.scopes)
}
