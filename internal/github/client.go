// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

// Package github provides a client for the parts of the GitHub REST API
// needed to build a session after an OAuth sign-in.
package github

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized is returned when GitHub rejects the OAuth access token.
	ErrUnauthorized = errors.New("github: access token rejected")

	// ErrNotOrgMember is returned when the user does not belong to the
	// required organization, or the token cannot see the membership.
	ErrNotOrgMember = errors.New("github: user is not a member of the organization")

	// ErrRateLimited is returned when the API rate limit is exhausted.
	ErrRateLimited = errors.New("github: API rate limit exceeded")
)

// User is the profile of the user an OAuth access token was issued to.
type User struct {
	Login     string `json:"login"`
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// Client looks up the signed-in user on GitHub.
type Client interface {
	GetUser(ctx context.Context, token string) (*User, error)

	// CheckOrgMembership returns nil if username is a member of org and
	// ErrNotOrgMember if not.
	CheckOrgMembership(ctx context.Context, token, org, username string) error
}
