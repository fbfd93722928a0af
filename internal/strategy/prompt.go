package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// promptOutcome decides whether a finished prompt invocation failed.
type promptOutcome func(exitCode int, stdout, stderr string) error

// defaultOutcome rejects when the backend exited non-zero with error text,
// or printed a fatal signature. A bare non-zero exit is not fatal: several
// backends exit non-zero on benign conditions.
func defaultOutcome(exitCode int, stdout, stderr string) error {
	errText := strings.TrimSpace(stderr)
	scan := stderr
	if exitCode != 0 {
		scan += stdout
	}
	if sig := fatalSignature(scan); sig != "" {
		msg := errText
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		return &PromptError{Code: exitCode, Message: msg}
	}
	if exitCode != 0 && errText != "" {
		return &PromptError{Code: exitCode, Message: errText}
	}
	return nil
}

// runPrompt spawns spec, streams stdout to onChunk and applies outcome on
// exit. Spawn failures are returned as errors.
func runPrompt(ctx context.Context, spec procSpec, onChunk func(string), outcome promptOutcome, logger *slog.Logger) error {
	var (
		stdout, stderr outputCollector
		carry          runeCarry
	)
	emit := func(s string) {
		if onChunk != nil && s != "" {
			onChunk(s)
		}
	}

	proc, err := startProcess(ctx, spec,
		func(chunk []byte) {
			stdout.Write(chunk)
			emit(carry.split(chunk))
		},
		func(chunk []byte) {
			stderr.Write(chunk)
		},
	)
	if err != nil {
		return err
	}

	code, waitErr := proc.Wait()
	// Readers are drained once Wait returns.
	emit(carry.flush())
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("prompt interrupted: %w", err)
	}
	if waitErr != nil {
		return fmt.Errorf("wait for %s: %w", spec.binary, waitErr)
	}
	if code != 0 {
		logger.Warn("backend process exited non-zero", "binary", spec.binary, "exit_code", code)
	}
	return outcome(code, stdout.String(), stderr.String())
}

// runeCarry holds back an incomplete trailing UTF-8 sequence so that every
// fragment handed out is valid text on its own. It is not safe for
// concurrent use; stdout is read by a single goroutine.
type runeCarry struct {
	pending []byte
}

// split returns the complete prefix of the pending bytes plus chunk and
// keeps the rest for the next call.
func (c *runeCarry) split(chunk []byte) string {
	data := append(c.pending, chunk...)
	cut := completePrefix(data)
	c.pending = append([]byte(nil), data[cut:]...)
	return string(data[:cut])
}

// flush returns whatever is still held back.
func (c *runeCarry) flush() string {
	s := string(c.pending)
	c.pending = nil
	return s
}

// completePrefix returns the length of b without a trailing partial rune.
// Invalid bytes are passed through untouched.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// ensureDir creates dir if needed and returns it.
func ensureDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create playground: %w", err)
	}
	return dir, nil
}

// subdirs lists the immediate subdirectories of dir.
func subdirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}
	return dirs
}
