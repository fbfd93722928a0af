package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var codexClassifier = patternClassifier(
	urlRule(`https://[^\s"'<>]+`),
	outputRule{kind: SignalDeviceCode, pattern: deviceCodePattern},
)

var deviceCodePattern = regexp.MustCompile(`(?m)(?:^|\s)([A-Z0-9]{4}-[A-Z0-9]{4,5})\b`)

// Codex drives the OpenAI Codex CLI using its device-code login.
type Codex struct {
	binary     string
	configDir  string
	playground string
	logger     *slog.Logger

	auth       authSlot
	hasSession atomic.Bool
}

// NewCodex creates the Codex strategy.
func NewCodex(opts Options) *Codex {
	return &Codex{
		binary:     opts.binary("codex"),
		configDir:  opts.configDir(filepath.Join(homeDir(), ".codex")),
		playground: opts.playground(),
		logger:     opts.logger("openai-codex"),
	}
}

func (c *Codex) Name() string { return "openai-codex" }

func (c *Codex) Capabilities() Capabilities {
	return Capabilities{CredentialDir: c.configDir, CredentialFiles: []string{filepath.Base(c.authFile())}}
}

func (c *Codex) authFile() string {
	return filepath.Join(c.configDir, "auth.json")
}

func (c *Codex) env() map[string]string {
	return map[string]string{"CODEX_HOME": c.configDir}
}

func (c *Codex) ExecuteAuth(ctx context.Context, b Bridge) error {
	a, err := c.auth.begin(b)
	if err != nil {
		return err
	}
	return c.auth.run(ctx, a, authFlow{
		spec:     procSpec{binary: c.binary, args: []string{"login", "--device-auth"}, env: c.env(), stdin: true},
		classify: codexClassifier,
		succeeded: func(code int, _ string) bool {
			return code == 0
		},
	}, c.logger)
}

func (c *Codex) SubmitAuthCode(_ context.Context, code string) error {
	return writeAuthCode(&c.auth, code, c.logger)
}

func (c *Codex) CancelAuth() {
	if c.auth.cancel() {
		c.logger.Info("cancelled auth process")
	}
}

func (c *Codex) ClearCredentials() error {
	c.hasSession.Store(false)
	if err := os.Remove(c.authFile()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove codex auth file: %w", err)
	}
	c.logger.Info("credentials cleared", "file", c.authFile())
	return nil
}

// codexAuth is the subset of auth.json that proves a login.
type codexAuth struct {
	AccessToken  string `json:"access_token"`
	Token        string `json:"token"`
	APIKey       string `json:"api_key"`
	OpenAIAPIKey string `json:"OPENAI_API_KEY"`
	Tokens       *struct {
		AccessToken string `json:"access_token"`
	} `json:"tokens"`
}

func (a codexAuth) valid() bool {
	if a.AccessToken != "" || a.Token != "" || a.APIKey != "" || a.OpenAIAPIKey != "" {
		return true
	}
	return a.Tokens != nil && a.Tokens.AccessToken != ""
}

// CheckAuthStatus inspects the stored credential file; codex has no cheap
// non-interactive probe.
func (c *Codex) CheckAuthStatus(_ context.Context) bool {
	data, err := os.ReadFile(c.authFile())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("read codex auth file", "error", err)
		}
		return false
	}
	var auth codexAuth
	if err := json.Unmarshal(data, &auth); err != nil {
		c.logger.Warn("parse codex auth file", "error", err)
		return false
	}
	return auth.valid()
}

// ExecuteLogout runs `codex logout`, relaying its output, then removes the
// credential file whether or not the CLI succeeded.
func (c *Codex) ExecuteLogout(ctx context.Context, b Bridge) {
	relay := func(chunk []byte) {
		if text := strings.TrimSpace(stripANSI(string(chunk))); text != "" {
			b.LogoutOutput(text)
		}
	}
	proc, err := startProcess(ctx, procSpec{binary: c.binary, args: []string{"logout"}, env: c.env()}, relay, relay)
	if err != nil {
		c.logger.Warn("codex logout failed to start", "error", err)
		b.LogoutOutput(err.Error())
	} else {
		code, _ := proc.Wait()
		c.logger.Info("codex logout finished", "exit_code", code)
	}

	if err := c.ClearCredentials(); err != nil {
		b.LogoutOutput(err.Error())
	}
	b.LogoutSuccess()
}

func (c *Codex) ModelArgs(model string) []string {
	return flagArgs("-m", model)
}

func (c *Codex) ExecutePromptStreaming(ctx context.Context, prompt, model string, onChunk func(string)) error {
	dir, err := ensureDir(c.playground)
	if err != nil {
		return err
	}

	args := []string{"exec"}
	if c.hasSession.Load() {
		args = append(args, "resume", "--last")
	}
	args = append(args, "--yolo")
	args = append(args, c.ModelArgs(model)...)
	args = append(args, prompt)

	spec := procSpec{binary: c.binary, args: args, dir: dir, env: c.env()}
	if err := runPrompt(ctx, spec, onChunk, defaultOutcome, c.logger); err != nil {
		return err
	}
	c.hasSession.Store(true)
	return nil
}
