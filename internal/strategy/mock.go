package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

const defaultMockDelay = time.Second

// Mock is an in-process backend for development and tests. It never spawns
// anything.
type Mock struct {
	delay   time.Duration
	authURL string
	now     func() time.Time
	logger  *slog.Logger

	auth          authSlot
	authenticated atomic.Bool
}

// NewMock creates the mock strategy. It starts authenticated unless
// opts.MockAuthenticated says otherwise.
func NewMock(opts Options) *Mock {
	delay := opts.MockDelay
	if delay <= 0 {
		delay = defaultMockDelay
	}
	m := &Mock{
		delay:   delay,
		authURL: opts.MockAuthURL,
		now:     time.Now,
		logger:  opts.logger("mock"),
	}
	m.authenticated.Store(opts.MockAuthenticated == nil || *opts.MockAuthenticated)
	return m
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Capabilities() Capabilities {
	return Capabilities{}
}

func (m *Mock) CheckAuthStatus(_ context.Context) bool {
	return m.authenticated.Load()
}

// ExecuteAuth signs in after the configured delay unless cancelled first.
func (m *Mock) ExecuteAuth(ctx context.Context, b Bridge) error {
	a, err := m.auth.begin(b)
	if err != nil {
		return err
	}
	if m.authURL != "" {
		b.AuthURLGenerated(m.authURL)
	}
	go func() {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			m.auth.finish(a)
			return
		case <-timer.C:
		}
		if m.auth.finish(a) {
			m.authenticated.Store(true)
			m.logger.Info("mock authentication succeeded")
			a.bridge.AuthSuccess()
		}
	}()
	return nil
}

// SubmitAuthCode completes the outstanding attempt immediately.
func (m *Mock) SubmitAuthCode(_ context.Context, code string) error {
	a, _ := m.auth.current()
	if a == nil {
		return ErrNoAuthSession
	}
	if strings.TrimSpace(code) == "" {
		return ErrEmptyToken
	}
	if m.auth.finish(a) {
		m.authenticated.Store(true)
		a.bridge.AuthSuccess()
	}
	return nil
}

func (m *Mock) CancelAuth() {
	m.auth.cancel()
}

func (m *Mock) ClearCredentials() error {
	m.authenticated.Store(false)
	return nil
}

func (m *Mock) ExecuteLogout(_ context.Context, b Bridge) {
	m.authenticated.Store(false)
	b.LogoutOutput("Logged out of mock backend.")
	b.LogoutSuccess()
}

func (m *Mock) ModelArgs(model string) []string {
	return flagArgs("--model", model)
}

// ExecutePromptStreaming answers with a canned response, streamed word by
// word after the configured delay.
func (m *Mock) ExecutePromptStreaming(ctx context.Context, _, model string, onChunk func(string)) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("prompt interrupted: %w", ctx.Err())
	case <-time.After(m.delay):
	}

	reply := fmt.Sprintf("[MOCKED RESPONSE] Hello! The current timestamp is %s.", m.now().Format(time.RFC3339))
	if args := m.ModelArgs(model); len(args) > 0 {
		reply += " (model: " + args[1] + ")"
	}
	if onChunk == nil {
		return nil
	}
	for _, word := range strings.SplitAfter(reply, " ") {
		onChunk(word)
	}
	return nil
}
