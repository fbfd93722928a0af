package strategy

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingBridge captures bridge calls as "kind:value" strings.
type recordingBridge struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBridge) add(kind, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if value == "" {
		b.events = append(b.events, kind)
		return
	}
	b.events = append(b.events, kind+":"+value)
}

func (b *recordingBridge) AuthURLGenerated(url string) { b.add("url", url) }
func (b *recordingBridge) DeviceCode(code string)      { b.add("device_code", code) }
func (b *recordingBridge) AuthSuccess()                { b.add("auth_success", "") }
func (b *recordingBridge) AuthStatus(status string)    { b.add("auth_status", status) }
func (b *recordingBridge) Error(message string)        { b.add("error", message) }
func (b *recordingBridge) LogoutOutput(text string)    { b.add("logout_output", text) }
func (b *recordingBridge) LogoutSuccess()              { b.add("logout_success", "") }

func (b *recordingBridge) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func (b *recordingBridge) has(prefix string) bool {
	for _, e := range b.snapshot() {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func boolPtr(v bool) *bool { return &v }

func collectChunks() (func(string), func() string) {
	var (
		mu  sync.Mutex
		buf strings.Builder
	)
	return func(s string) {
			mu.Lock()
			buf.WriteString(s)
			mu.Unlock()
		}, func() string {
			mu.Lock()
			defer mu.Unlock()
			return buf.String()
		}
}

func mustContain(t *testing.T, got []string, want string) {
	t.Helper()
	for _, g := range got {
		if g == want {
			return
		}
	}
	t.Fatalf("expected %q in %s", want, fmt.Sprint(got))
}
