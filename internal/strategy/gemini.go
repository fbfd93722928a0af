package strategy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// geminiAlreadyAuthenticated is the exit code gemini uses when it rejects the
// empty login prompt because it is already signed in.
const geminiAlreadyAuthenticated = 42

var geminiClassifier = patternClassifier(
	urlRule(`https://accounts\.google\.com[^\s"'>]+`),
	phraseRule("Waiting for authentication"),
)

var (
	geminiCredentialFiles = []string{"oauth_creds.json", "credentials.json", ".credentials.json", "google_accounts.json"}
	geminiCredentialDirs  = []string{"Configure", "auth"}
)

// Gemini drives the Gemini CLI. Running it with an empty prompt triggers the
// Google sign-in flow when unauthenticated; the authorization code is typed
// back on stdin.
type Gemini struct {
	binary     string
	configDir  string
	playground string
	logger     *slog.Logger

	auth       authSlot
	hasSession atomic.Bool
}

// NewGemini creates the Gemini strategy.
func NewGemini(opts Options) *Gemini {
	return &Gemini{
		binary:     opts.binary("gemini"),
		configDir:  opts.configDir(filepath.Join(homeDir(), ".gemini")),
		playground: opts.playground(),
		logger:     opts.logger("gemini"),
	}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Capabilities() Capabilities {
	files := append(append([]string(nil), geminiCredentialFiles...), geminiCredentialDirs...)
	return Capabilities{CredentialDir: g.configDir, CredentialFiles: files}
}

func (g *Gemini) env() map[string]string {
	return map[string]string{"NO_BROWSER": "true"}
}

// geminiAuthSucceeded treats exit 42 as success. That code is only a
// heuristic for "already signed in"; it is not documented CLI behaviour.
func geminiAuthSucceeded(code int, _ string) bool {
	return code == 0 || code == geminiAlreadyAuthenticated
}

func (g *Gemini) ExecuteAuth(ctx context.Context, b Bridge) error {
	a, err := g.auth.begin(b)
	if err != nil {
		return err
	}
	return g.auth.run(ctx, a, authFlow{
		spec:      procSpec{binary: g.binary, args: []string{""}, env: g.env(), stdin: true},
		classify:  geminiClassifier,
		succeeded: geminiAuthSucceeded,
	}, g.logger)
}

func (g *Gemini) SubmitAuthCode(_ context.Context, code string) error {
	return writeAuthCode(&g.auth, code, g.logger)
}

// writeAuthCode types code into the outstanding auth process.
func writeAuthCode(slot *authSlot, code string, logger *slog.Logger) error {
	a, proc := slot.current()
	if a == nil || proc == nil {
		logger.Error("no active authentication process to submit code to")
		return ErrNoAuthSession
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyToken
	}
	logger.Info("writing auth code to process")
	if err := proc.WriteLine(code); err != nil {
		return fmt.Errorf("write auth code: %w", err)
	}
	return nil
}

func (g *Gemini) CancelAuth() {
	if g.auth.cancel() {
		g.logger.Info("cancelled auth process")
	}
}

func (g *Gemini) ClearCredentials() error {
	var errs []error
	for _, name := range geminiCredentialFiles {
		path := filepath.Join(g.configDir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	for _, name := range geminiCredentialDirs {
		if err := os.RemoveAll(filepath.Join(g.configDir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	g.hasSession.Store(false)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clear gemini credentials: %w", err)
	}
	g.logger.Info("credentials cleared", "dir", g.configDir)
	return nil
}

func (g *Gemini) CheckAuthStatus(ctx context.Context) bool {
	spec := procSpec{binary: g.binary, args: []string{""}, env: g.env()}
	// Any exit without a sign-in prompt counts as authenticated.
	return probeByOutput(ctx, spec, geminiClassifier, func(int) bool { return true }, g.logger)
}

func (g *Gemini) ExecuteLogout(_ context.Context, b Bridge) {
	if err := g.ClearCredentials(); err != nil {
		b.LogoutOutput(err.Error())
	}
	b.LogoutSuccess()
}

func (g *Gemini) ModelArgs(model string) []string {
	return flagArgs("-m", model)
}

// geminiOutcome tolerates a non-zero exit as long as an answer was printed;
// gemini writes routine notices to stderr.
func geminiOutcome(code int, stdout, stderr string) error {
	if code != 0 && strings.TrimSpace(stdout) != "" && fatalSignature(stderr) == "" {
		return nil
	}
	return defaultOutcome(code, stdout, stderr)
}

func (g *Gemini) ExecutePromptStreaming(ctx context.Context, prompt, model string, onChunk func(string)) error {
	dir, err := ensureDir(g.playground)
	if err != nil {
		return err
	}

	args := []string{"--yolo"}
	if g.hasSession.Load() {
		args = append(args, "--resume", "latest")
	}
	args = append(args, g.ModelArgs(model)...)
	args = append(args, prompt)

	spec := procSpec{binary: g.binary, args: args, dir: dir, env: g.env()}
	if err := runPrompt(ctx, spec, onChunk, geminiOutcome, g.logger); err != nil {
		return err
	}
	g.hasSession.Store(true)
	return nil
}
