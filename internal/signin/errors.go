// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package signin

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSignInInProgress is returned by SignIn when this control already has a
// sign-in attempt in flight.
var ErrSignInInProgress = errors.New("signin: sign-in already in progress")

// Defaults used by ExtractAuthError when an error lacks a field.
const (
	defaultMessage = "Unknown error"
	defaultCode    = "N/A"
)

// AuthError is the (code, message) pair carried by every error from the
// external auth service.
type AuthError struct {
	Code    string
	Message string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// AuthCode returns the error code.
func (e AuthError) AuthCode() string { return e.Code }

// AuthMessage returns the raw error message.
func (e AuthError) AuthMessage() string { return e.Message }

// codedError is implemented by errors that carry an auth error code.
type codedError interface {
	AuthCode() string
	AuthMessage() string
}

// ExtractAuthError pulls the code and message out of err. Errors that do not
// carry a code keep their text as the message. Missing fields are replaced
// with "Unknown error" and "N/A".
func ExtractAuthError(err error) AuthError {
	var ae AuthError

	var coded codedError
	switch {
	case err == nil:
	case errors.As(err, &coded):
		ae.Code = coded.AuthCode()
		ae.Message = coded.AuthMessage()
	default:
		ae.Message = err.Error()
	}

	if ae.Message == "" {
		ae.Message = defaultMessage
	}
	if ae.Code == "" {
		ae.Code = defaultCode
	}
	return ae
}

// Translate maps an auth error to the message shown to the end user. Codes
// are accepted with or without the "auth/" namespace.
func Translate(ae AuthError) string {
	switch strings.TrimPrefix(ae.Code, "auth/") {
	case "popup-blocked":
		return "Popup was blocked by your browser. Please allow popups for this site and try again."
	case "popup-closed-by-user":
		return "Sign-in popup was closed before completing sign-in. Please try again."
	case "invalid-credential", "invalid-oauth-client-id":
		return "GitHub OAuth configuration error. Please contact the site administrator."
	case "unauthorized-domain":
		return "This domain is not authorized for OAuth operations. Please contact the site administrator."
	case "network-request-failed":
		return "Network error. Please check your internet connection and try again."
	case "cancelled-popup-request":
		return "Popup request was cancelled. Please try again."
	case "web-storage-unsupported":
		return "Web storage is not supported or is disabled. Please enable cookies and try again."
	case "internal-error":
		return "Internal error occurred. Please try again later."
	}

	message, code := ae.Message, ae.Code
	if message == "" {
		message = defaultMessage
	}
	if code == "" {
		code = defaultCode
	}
	return fmt.Sprintf("GitHub sign-in failed: %s. Error code: %s. Please contact support if this persists.", message, code)
}
