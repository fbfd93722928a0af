package strategy

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultBackend is used when no backend is configured.
const DefaultBackend = "gemini"

type factory func(Options) Strategy

var backends = map[string]factory{
	"gemini":       func(o Options) Strategy { return NewGemini(o) },
	"claude-code":  func(o Options) Strategy { return NewClaude(o) },
	"openai-codex": func(o Options) Strategy { return NewCodex(o) },
	"opencode":     func(o Options) Strategy { return NewOpencode(o) },
	"mock":         func(o Options) Strategy { return NewMock(o) },
}

// aliases maps legacy identifiers onto registered backends.
var aliases = map[string]string{
	"opencodex": "opencode",
}

// Known returns the registered backend identifiers, sorted.
func Known() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve constructs the backend called name. An empty name selects
// DefaultBackend.
func Resolve(name string, opts Options) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultBackend
	}
	if target, ok := aliases[name]; ok {
		name = target
	}
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent provider %q (known: %s)", name, strings.Join(Known(), ", "))
	}
	return f(opts), nil
}
