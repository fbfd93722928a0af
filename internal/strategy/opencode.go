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
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultOpencodeProvider = "anthropic"
	opencodeProbeTimeout    = 10 * time.Second
)

// providerKeyPages is where an operator creates an API key per provider.
var providerKeyPages = map[string]string{
	"anthropic":  "https://console.anthropic.com/settings/keys",
	"openai":     "https://platform.openai.com/api-keys",
	"google":     "https://aistudio.google.com/app/apikey",
	"openrouter": "https://openrouter.ai/keys",
	"groq":       "https://console.groq.com/keys",
}

var opencodeCredentialCount = regexp.MustCompile(`(\d+)\s+credentials?`)

// Opencode drives the opencode CLI. It has no scriptable login, so
// authentication is a pasted API key written straight into its auth store.
type Opencode struct {
	binary     string
	dataDir    string
	provider   string
	playground string
	logger     *slog.Logger

	auth       authSlot
	hasSession atomic.Bool
}

// NewOpencode creates the opencode strategy.
func NewOpencode(opts Options) *Opencode {
	provider := strings.TrimSpace(opts.OpencodeProvider)
	if provider == "" {
		provider = defaultOpencodeProvider
	}
	return &Opencode{
		binary:     opts.binary("opencode"),
		dataDir:    opts.configDir(filepath.Join(homeDir(), ".local", "share", "opencode")),
		provider:   provider,
		playground: opts.playground(),
		logger:     opts.logger("opencode"),
	}
}

func (o *Opencode) Name() string { return "opencode" }

func (o *Opencode) Capabilities() Capabilities {
	return Capabilities{CredentialDir: o.dataDir, CredentialFiles: []string{filepath.Base(o.authFile())}}
}

func (o *Opencode) authFile() string {
	return filepath.Join(o.dataDir, "auth.json")
}

func (o *Opencode) keyPage() string {
	if u, ok := providerKeyPages[o.provider]; ok {
		return u
	}
	return "https://opencode.ai/docs/providers/"
}

// ExecuteAuth opens a token-paste session and points the operator at the
// provider's key page.
func (o *Opencode) ExecuteAuth(_ context.Context, b Bridge) error {
	if _, err := o.auth.begin(b); err != nil {
		return err
	}
	o.logger.Info("waiting for pasted API key", "provider", o.provider)
	b.AuthURLGenerated(o.keyPage())
	return nil
}

// SubmitAuthCode stores key for the configured provider and completes the
// session.
func (o *Opencode) SubmitAuthCode(_ context.Context, key string) error {
	a, _ := o.auth.current()
	if a == nil {
		return ErrNoAuthSession
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyToken
	}
	if err := o.storeKey(key); err != nil {
		return err
	}
	if o.auth.finish(a) {
		a.bridge.AuthSuccess()
	}
	return nil
}

// storeKey merges {provider: {type: api, key}} into auth.json.
func (o *Opencode) storeKey(key string) error {
	entries := map[string]json.RawMessage{}
	data, err := os.ReadFile(o.authFile())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &entries); err != nil {
			o.logger.Warn("replacing unreadable opencode auth file", "error", err)
			entries = map[string]json.RawMessage{}
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read opencode auth file: %w", err)
	}

	entry, err := json.Marshal(struct {
		Type string `json:"type"`
		Key  string `json:"key"`
	}{Type: "api", Key: key})
	if err != nil {
		return err
	}
	entries[o.provider] = entry

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.dataDir, 0o700); err != nil {
		return fmt.Errorf("create opencode data dir: %w", err)
	}
	tmp := o.authFile() + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write opencode auth file: %w", err)
	}
	if err := os.Rename(tmp, o.authFile()); err != nil {
		return fmt.Errorf("write opencode auth file: %w", err)
	}
	o.logger.Info("stored API key", "provider", o.provider)
	return nil
}

func (o *Opencode) CancelAuth() {
	if o.auth.cancel() {
		o.logger.Info("cancelled key entry")
	}
}

func (o *Opencode) ClearCredentials() error {
	o.hasSession.Store(false)
	if err := os.Remove(o.authFile()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove opencode auth file: %w", err)
	}
	o.logger.Info("credentials cleared", "file", o.authFile())
	return nil
}

// CheckAuthStatus runs `opencode auth list` and looks for a non-zero
// credential count.
func (o *Opencode) CheckAuthStatus(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, opencodeProbeTimeout)
	defer cancel()

	var out outputCollector
	collect := func(chunk []byte) { out.Write(chunk) }
	proc, err := startProcess(ctx, procSpec{binary: o.binary, args: []string{"auth", "list"}}, collect, collect)
	if err != nil {
		o.logger.Error("auth probe failed to start", "error", err)
		return false
	}
	if _, err := proc.Wait(); err != nil {
		return false
	}
	return parseCredentialCount(stripANSI(out.String())) > 0
}

func parseCredentialCount(s string) int {
	m := opencodeCredentialCount.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func (o *Opencode) ExecuteLogout(_ context.Context, b Bridge) {
	if err := o.ClearCredentials(); err != nil {
		b.LogoutOutput(err.Error())
	}
	b.LogoutSuccess()
}

func (o *Opencode) ModelArgs(model string) []string {
	return flagArgs("-m", model)
}

func (o *Opencode) ExecutePromptStreaming(ctx context.Context, prompt, model string, onChunk func(string)) error {
	dir, err := ensureDir(o.playground)
	if err != nil {
		return err
	}

	args := []string{"run"}
	if o.hasSession.Load() {
		args = append(args, "--continue")
	}
	args = append(args, o.ModelArgs(model)...)
	args = append(args, prompt)

	spec := procSpec{binary: o.binary, args: args, dir: dir}
	if err := runPrompt(ctx, spec, onChunk, defaultOutcome, o.logger); err != nil {
		return err
	}
	o.hasSession.Store(true)
	return nil
}
