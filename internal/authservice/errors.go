// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package authservice

import "fmt"

// Error codes returned by the service. Codes are namespaced with "auth/".
const (
	CodePopupBlocked             = "auth/popup-blocked"
	CodePopupClosedByUser        = "auth/popup-closed-by-user"
	CodeInvalidCredential        = "auth/invalid-credential"
	CodeInvalidOAuthClientID     = "auth/invalid-oauth-client-id"
	CodeUnauthorizedDomain       = "auth/unauthorized-domain"
	CodeNetworkRequestFailed     = "auth/network-request-failed"
	CodeCancelledPopupRequest    = "auth/cancelled-popup-request"
	CodeWebStorageUnsupported    = "auth/web-storage-unsupported"
	CodeInternalError            = "auth/internal-error"
	CodeTooManyRequests          = "auth/too-many-requests"
	CodeAdminRestrictedOperation = "auth/admin-restricted-operation"
	CodeArgumentError            = "auth/argument-error"
	CodeTimeout                  = "auth/timeout"
)

// Error is a coded error returned by the service.
type Error struct {
	Code    string
	Message string
	Err     error
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authservice: %s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("authservice: %s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// AuthCode returns the error code.
func (e *Error) AuthCode() string { return e.Code }

// AuthMessage returns the human-readable message without the code.
func (e *Error) AuthMessage() string { return e.Message }
