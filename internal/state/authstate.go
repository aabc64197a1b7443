// Package state implements the top-level authentication state machine
// observed by UI code. It is the only entry point UI calls and the only
// writer of the AuthState container.
package state

import "github.com/planweave/planweave-auth/internal/model"

// Kind discriminates the AuthState union.
type Kind int

const (
	KindLoading Kind = iota
	KindUnauthenticated
	KindAuthenticated
	KindError
)

// String returns the string representation of the state kind.
func (k Kind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthenticated:
		return "authenticated"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Code classifies an error state for UI consumption.
type Code int

const (
	CodeUnknown Code = iota
	CodeNetworkError
	CodeInvalidCredentials
	CodeTokenExpired
	CodeServerError
	CodeUserCancelled
)

// String returns the string representation of the error code.
func (c Code) String() string {
	switch c {
	case CodeNetworkError:
		return "network_error"
	case CodeInvalidCredentials:
		return "invalid_credentials"
	case CodeTokenExpired:
		return "token_expired"
	case CodeServerError:
		return "server_error"
	case CodeUserCancelled:
		return "user_cancelled"
	default:
		return "unknown"
	}
}

// AuthState is a tagged union: exactly one variant is active, selected by
// Kind. Payload fields are meaningful only for the variant that carries them
// (UserID/Profile/SessionID for Authenticated, Message/Code for Error).
type AuthState struct {
	Kind Kind

	UserID    string
	Profile   *model.UserProfile
	SessionID string

	Message string
	Code    Code
}

// Loading is the initial and transitional variant.
func Loading() AuthState { return AuthState{Kind: KindLoading} }

// Unauthenticated is the signed-out variant.
func Unauthenticated() AuthState { return AuthState{Kind: KindUnauthenticated} }

// Authenticated carries the signed-in identity.
func Authenticated(userID string, profile *model.UserProfile, sessionID string) AuthState {
	return AuthState{Kind: KindAuthenticated, UserID: userID, Profile: profile, SessionID: sessionID}
}

// Errored carries a user-facing message and a typed code.
func Errored(message string, code Code) AuthState {
	return AuthState{Kind: KindError, Message: message, Code: code}
}
