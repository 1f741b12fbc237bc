// README: Error kinds shared across modules; module sentinels wrap one of these.
package types

import "errors"

var (
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("access denied")
	ErrNotFound     = errors.New("not found")
	ErrDecryption   = errors.New("decryption failed")
	ErrUnavailable  = errors.New("infrastructure unavailable")
	ErrRateLimited  = errors.New("rate limited")
)

// AuthError is an authorization failure carrying a machine readable reason
// such as "sharing_disabled" or "insufficient_scope".
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "access denied: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return ErrUnauthorized
}

// Reason extracts the AuthError reason from err, or "" if err is not one.
func Reason(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}
