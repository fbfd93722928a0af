package strategy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultClaudeCallbackPort = 8765
	callbackTimeout           = 15 * time.Second
)

// claudeCredentialFile is where the CLI stores its OAuth tokens.
const claudeCredentialFile = ".credentials.json"

var claudeCallbackPort = regexp.MustCompile(`redirect_uri=http%3A%2F%2Flocalhost%3A(\d+)`)

// claudeClassifier recognises the OAuth authorize URL the CLI prints.
var claudeClassifier = patternClassifier(
	urlRule(`https://claude\.ai/oauth[^\s"'>)]+`),
)

// Claude drives the Claude Code CLI. Login runs the interactive CLI, which
// prints an OAuth URL and then listens on a localhost callback server; the
// operator pastes the redirect URL back and it is forwarded there.
type Claude struct {
	binary     string
	configDir  string
	playground string
	client     *http.Client
	logger     *slog.Logger

	auth       authSlot
	hasSession atomic.Bool
}

// NewClaude creates the Claude Code strategy.
func NewClaude(opts Options) *Claude {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: callbackTimeout}
	}
	return &Claude{
		binary:     opts.binary("claude"),
		configDir:  opts.configDir(filepath.Join(homeDir(), ".claude")),
		playground: opts.playground(),
		client:     client,
		logger:     opts.logger("claude-code"),
	}
}

func (c *Claude) Name() string { return "claude-code" }

func (c *Claude) Capabilities() Capabilities {
	return Capabilities{CredentialDir: c.configDir, CredentialFiles: []string{claudeCredentialFile}}
}

func (c *Claude) env() map[string]string {
	return map[string]string{"BROWSER": "/bin/true", "DISPLAY": ""}
}

func (c *Claude) ExecuteAuth(ctx context.Context, b Bridge) error {
	a, err := c.auth.begin(b)
	if err != nil {
		return err
	}
	return c.auth.run(ctx, a, authFlow{
		spec:     procSpec{binary: c.binary, env: c.env()},
		classify: claudeClassifier,
		succeeded: func(code int, _ string) bool {
			return code == 0
		},
		onURL: func(a *authSession, authURL string) {
			if m := claudeCallbackPort.FindStringSubmatch(authURL); m != nil {
				if port, err := strconv.Atoi(m[1]); err == nil {
					a.callbackPort = port
				}
			}
		},
	}, c.logger)
}

// SubmitAuthCode forwards the OAuth redirect to the CLI's callback server.
// input may be the full redirect URL, its query string, or a bare code.
func (c *Claude) SubmitAuthCode(ctx context.Context, input string) error {
	a, _ := c.auth.current()
	if a == nil {
		return ErrNoAuthSession
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ErrEmptyToken
	}

	a.mu.Lock()
	port := a.callbackPort
	a.mu.Unlock()

	callbackURL := buildClaudeCallbackURL(input, port)
	c.logger.Info("forwarding callback to CLI", "url", callbackURL)

	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callbackURL, nil)
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward callback to claude CLI: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	c.logger.Info("callback response", "status", resp.StatusCode)
	return nil
}

// buildClaudeCallbackURL normalises operator input into a localhost
// callback URL. port 0 selects the default port.
func buildClaudeCallbackURL(input string, port int) string {
	if strings.HasPrefix(input, "http://localhost") || strings.HasPrefix(input, "http://127.0.0.1") {
		return input
	}
	if port == 0 {
		port = defaultClaudeCallbackPort
	}
	if strings.HasPrefix(input, "?") {
		return fmt.Sprintf("http://localhost:%d/callback%s", port, input)
	}
	return fmt.Sprintf("http://localhost:%d/callback?code=%s", port, url.QueryEscape(input))
}

func (c *Claude) CancelAuth() {
	if c.auth.cancel() {
		c.logger.Info("cancelled auth process")
	}
}

func (c *Claude) ClearCredentials() error {
	if err := os.RemoveAll(c.configDir); err != nil {
		return fmt.Errorf("remove %s: %w", c.configDir, err)
	}
	c.hasSession.Store(false)
	c.logger.Info("credentials cleared", "dir", c.configDir)
	return nil
}

func (c *Claude) CheckAuthStatus(ctx context.Context) bool {
	spec := procSpec{
		binary: c.binary,
		args:   []string{"-p", "", "--dangerously-skip-permissions"},
		env:    c.env(),
	}
	return probeByOutput(ctx, spec, claudeClassifier, func(code int) bool { return code == 0 }, c.logger)
}

// ExecuteLogout has no CLI counterpart; local state is cleared instead.
func (c *Claude) ExecuteLogout(_ context.Context, b Bridge) {
	if err := c.ClearCredentials(); err != nil {
		b.LogoutOutput(err.Error())
	}
	b.LogoutSuccess()
}

func (c *Claude) ModelArgs(model string) []string {
	return flagArgs("--model", model)
}

func (c *Claude) ExecutePromptStreaming(ctx context.Context, prompt, model string, onChunk func(string)) error {
	dir, err := ensureDir(c.playground)
	if err != nil {
		return err
	}

	args := []string{}
	if c.hasSession.Load() {
		args = append(args, "--continue")
	}
	args = append(args, "-p", prompt, "--dangerously-skip-permissions")
	args = append(args, c.ModelArgs(model)...)
	for _, d := range subdirs(dir) {
		args = append(args, "--add-dir", d)
	}

	spec := procSpec{binary: c.binary, args: args, dir: dir, env: c.env()}
	if err := runPrompt(ctx, spec, onChunk, defaultOutcome, c.logger); err != nil {
		return err
	}
	c.hasSession.Store(true)
	return nil
}
