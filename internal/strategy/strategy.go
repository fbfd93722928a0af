// Package strategy adapts the supported AI command-line backends to a single
// contract the orchestrator can drive: authentication, credential cleanup,
// logout and streaming prompt execution.
package strategy

import (
	"context"
	"errors"
	"fmt"
)

// Auth status values reported through Bridge.AuthStatus.
const (
	StatusAuthenticated   = "authenticated"
	StatusUnauthenticated = "unauthenticated"
)

var (
	// ErrAuthInProgress is returned by ExecuteAuth while another
	// authentication attempt is still outstanding.
	ErrAuthInProgress = errors.New("authentication already in progress")

	// ErrNoAuthSession is returned by SubmitAuthCode when no
	// authentication attempt is outstanding.
	ErrNoAuthSession = errors.New("no authentication in progress")

	// ErrEmptyToken is returned when an empty code or token is submitted.
	ErrEmptyToken = errors.New("empty auth code")
)

// Capabilities lists the optional parts of the contract a backend supports.
type Capabilities struct {
	// CredentialDir is where the backend keeps its credentials, or "".
	CredentialDir string
	// CredentialFiles names the entries under CredentialDir that hold
	// credentials. Other files there are CLI state and do not affect auth.
	CredentialFiles []string
}

// Bridge receives the events a strategy reports while authenticating or
// logging out. Implementations must tolerate calls after the owning
// operation has been superseded.
type Bridge interface {
	AuthURLGenerated(url string)
	DeviceCode(code string)
	AuthSuccess()
	AuthStatus(status string)
	Error(message string)
	LogoutOutput(text string)
	LogoutSuccess()
}

// Strategy is one backend adapter. A single instance serves the whole
// process lifetime; its backend-native session continuation lives on it.
type Strategy interface {
	Name() string
	Capabilities() Capabilities

	// CheckAuthStatus probes the backend. It never fails; probe errors
	// resolve to false.
	CheckAuthStatus(ctx context.Context) bool

	// ExecuteAuth starts an authentication attempt and reports progress
	// through b. It returns ErrAuthInProgress if an attempt is outstanding.
	ExecuteAuth(ctx context.Context, b Bridge) error

	// SubmitAuthCode feeds operator input into the outstanding attempt.
	SubmitAuthCode(ctx context.Context, input string) error

	// CancelAuth terminates the outstanding attempt, if any.
	CancelAuth()

	// ClearCredentials removes locally cached credentials.
	ClearCredentials() error

	// ExecuteLogout logs out and always concludes with b.LogoutSuccess.
	// Backends without a CLI logout clear their local credentials.
	ExecuteLogout(ctx context.Context, b Bridge)

	// ModelArgs maps a model preference to invocation arguments.
	ModelArgs(model string) []string

	// ExecutePromptStreaming runs one prompt, delivering output fragments
	// to onChunk in arrival order.
	ExecutePromptStreaming(ctx context.Context, prompt, model string, onChunk func(string)) error
}

// PromptError is a failed prompt invocation.
type PromptError struct {
	Code    int
	Message string
}

func (e *PromptError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}
