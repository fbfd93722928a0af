package strategy

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options carries the environment-derived settings strategies read once at
// construction. Zero values fall back to per-backend defaults.
type Options struct {
	// Binary overrides the backend executable.
	Binary string
	// ConfigDir overrides the backend's credential directory.
	ConfigDir string
	// PlaygroundDir is the working directory for prompt invocations.
	PlaygroundDir string
	// OpencodeProvider is the provider id a pasted opencode key is stored under.
	OpencodeProvider string
	// HTTPClient is used to forward OAuth callbacks.
	HTTPClient *http.Client
	// MockAuthenticated seeds the mock backend's probe result.
	MockAuthenticated *bool
	// MockDelay is the mock backend's simulated latency.
	MockDelay time.Duration
	// MockAuthURL, when set, is reported by the mock backend before it
	// signs in.
	MockAuthURL string
	Logger    *slog.Logger
}

func (o Options) logger(name string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.With("component", "strategy", "backend", name)
}

func (o Options) binary(def string) string {
	if o.Binary != "" {
		return o.Binary
	}
	return def
}

func (o Options) configDir(def string) string {
	if o.ConfigDir != "" {
		return o.ConfigDir
	}
	return def
}

func (o Options) playground() string {
	if o.PlaygroundDir != "" {
		return o.PlaygroundDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "playground"
	}
	return filepath.Join(wd, "playground")
}

// homeDir returns $HOME, falling back to the container default.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "/home/node"
}

// flagArgs returns []string{flag, model}, or an empty slice when model is blank.
func flagArgs(flag, model string) []string {
	model = strings.TrimSpace(model)
	if model == "" {
		return []string{}
	}
	return []string{flag, model}
}
