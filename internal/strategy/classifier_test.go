package strategy

import (
	"errors"
	"reflect"
	"slices"
	"testing"
)

func TestClassifier_ClaudeURLNeedsTerminator(t *testing.T) {
	url := "https://claude.ai/oauth/authorize?code=true&redirect_uri=http%3A%2F%2Flocalhost%3A54545%2Fcallback"

	if got := claudeClassifier("Browse to " + url); len(got) != 0 {
		t.Fatalf("unterminated URL should not be reported, got %v", got)
	}

	got := claudeClassifier("Browse to " + url + "\n")
	sig, ok := first(got, SignalAuthURL)
	if !ok {
		t.Fatalf("expected auth URL signal, got %v", got)
	}
	if sig.Value != url {
		t.Errorf("url: got %q, want %q", sig.Value, url)
	}
	if !needsAuth(got) {
		t.Error("an auth URL means the backend needs auth")
	}
}

func TestClassifier_GeminiPhrase(t *testing.T) {
	got := geminiClassifier("Waiting for authentication...")
	if !needsAuth(got) {
		t.Fatalf("expected needs-auth signal, got %v", got)
	}
	if _, ok := first(got, SignalAuthURL); ok {
		t.Error("phrase alone must not produce a URL")
	}
}

func TestClassifier_CodexDeviceCode(t *testing.T) {
	out := "Open https://auth.openai.com/codex/device in your browser\nEnter this one-time code: ABCD-12345\n"
	got := codexClassifier(out)

	url, ok := first(got, SignalAuthURL)
	if !ok || url.Value != "https://auth.openai.com/codex/device" {
		t.Errorf("url: got %v", got)
	}
	code, ok := first(got, SignalDeviceCode)
	if !ok || code.Value != "ABCD-12345" {
		t.Errorf("device code: got %v", got)
	}
}

func TestClassifier_NoSignals(t *testing.T) {
	if got := codexClassifier("nothing to see here\n"); len(got) != 0 {
		t.Errorf("expected no signals, got %v", got)
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[1;32mhttps://example.com\x1b[0m done \x1b]0;title\x07"
	if got := stripANSI(in); got != "https://example.com done " {
		t.Errorf("got %q", got)
	}
}

func TestFatalSignature(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Error: Model not found: gpt-9", "model not found"},
		{"ProviderModelNotFoundError", "modelnotfound"},
		{"rate limited", ""},
	}
	for _, tt := range tests {
		if got := fatalSignature(tt.in); got != tt.want {
			t.Errorf("fatalSignature(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultOutcome(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		stdout  string
		stderr  string
		wantErr bool
	}{
		{"clean exit", 0, "hi", "", false},
		{"bare non-zero exit", 1, "", "", false},
		{"non-zero with stderr", 2, "", "boom", true},
		{"zero exit with warnings", 0, "answer", "deprecated flag", false},
		{"fatal signature on zero exit", 0, "", "unknown model foo", true},
		{"fatal signature in stdout on failure", 1, "model not found", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := defaultOutcome(tt.code, tt.stdout, tt.stderr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var pe *PromptError
			if err != nil && !errors.As(err, &pe) {
				t.Fatalf("expected *PromptError, got %T", err)
			}
		})
	}
}

func TestDefaultOutcome_Message(t *testing.T) {
	err := defaultOutcome(3, "", "  auth expired\n")
	if err == nil || err.Error() != "auth expired" {
		t.Fatalf("got %v", err)
	}
	if (&PromptError{Code: 7}).Error() != "process exited with code 7" {
		t.Error("empty message should fall back to exit code")
	}
}

func TestGeminiOutcome(t *testing.T) {
	if err := geminiOutcome(1, "the answer", "some notice"); err != nil {
		t.Errorf("non-zero exit with an answer should succeed, got %v", err)
	}
	if err := geminiOutcome(1, "", "quota exceeded"); err == nil {
		t.Error("non-zero exit without an answer should fail")
	}
	if err := geminiOutcome(1, "partial", "Model not found"); err == nil {
		t.Error("fatal signature should fail")
	}
}

func TestBuildClaudeCallbackURL(t *testing.T) {
	tests := []struct {
		input string
		port  int
		want  string
	}{
		{"http://localhost:5000/callback?code=x&state=y", 9999, "http://localhost:5000/callback?code=x&state=y"},
		{"http://127.0.0.1:5000/callback?code=x", 0, "http://127.0.0.1:5000/callback?code=x"},
		{"?code=abc&state=s", 4321, "http://localhost:4321/callback?code=abc&state=s"},
		{"abc#def", 0, "http://localhost:8765/callback?code=abc%23def"},
	}
	for _, tt := range tests {
		if got := buildClaudeCallbackURL(tt.input, tt.port); got != tt.want {
			t.Errorf("buildClaudeCallbackURL(%q, %d) = %q, want %q", tt.input, tt.port, got, tt.want)
		}
	}
}

func TestParseCredentialCount(t *testing.T) {
	tests := map[string]int{
		"┌  Credentials ~/.local/share/opencode/auth.json\n│\n└  2 credentials": 2,
		"└  1 credential":  1,
		"└  0 credentials": 0,
		"no output":        0,
	}
	for in, want := range tests {
		if got := parseCredentialCount(in); got != want {
			t.Errorf("parseCredentialCount(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestModelArgs(t *testing.T) {
	opts := Options{}
	tests := []struct {
		s     Strategy
		model string
		want  []string
	}{
		{NewClaude(opts), "sonnet", []string{"--model", "sonnet"}},
		{NewGemini(opts), "gemini-2.5-pro", []string{"-m", "gemini-2.5-pro"}},
		{NewCodex(opts), " o3 ", []string{"-m", "o3"}},
		{NewOpencode(opts), "anthropic/claude", []string{"-m", "anthropic/claude"}},
		{NewMock(opts), "x", []string{"--model", "x"}},
		{NewClaude(opts), "", []string{}},
		{NewGemini(opts), "   ", []string{}},
	}
	for _, tt := range tests {
		got := tt.s.ModelArgs(tt.model)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s.ModelArgs(%q) = %#v, want %#v", tt.s.Name(), tt.model, got, tt.want)
		}
	}
}

func TestCapabilities(t *testing.T) {
	opts := Options{ConfigDir: "/creds"}
	if caps := NewClaude(opts).Capabilities(); !reflect.DeepEqual(caps.CredentialFiles, []string{".credentials.json"}) {
		t.Errorf("claude capabilities: %+v", caps)
	}
	if caps := NewCodex(opts).Capabilities(); caps.CredentialDir != "/creds" || !reflect.DeepEqual(caps.CredentialFiles, []string{"auth.json"}) {
		t.Errorf("codex capabilities: %+v", caps)
	}
	if caps := NewGemini(opts).Capabilities(); !slices.Contains(caps.CredentialFiles, "oauth_creds.json") || slices.Contains(caps.CredentialFiles, "state.json") {
		t.Errorf("gemini capabilities: %+v", caps)
	}
	if caps := NewOpencode(opts).Capabilities(); !reflect.DeepEqual(caps.CredentialFiles, []string{"auth.json"}) {
		t.Errorf("opencode capabilities: %+v", caps)
	}
	if caps := NewMock(opts).Capabilities(); caps.CredentialDir != "" || len(caps.CredentialFiles) != 0 {
		t.Errorf("mock capabilities: %+v", caps)
	}
}
