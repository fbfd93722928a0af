package strategy

import (
	"regexp"
	"strings"
)

// SignalKind is the kind of event recognised in free-text CLI output.
type SignalKind int

const (
	SignalAuthURL SignalKind = iota + 1
	SignalDeviceCode
	SignalNeedsAuth
)

func (k SignalKind) String() string {
	switch k {
	case SignalAuthURL:
		return "auth_url"
	case SignalDeviceCode:
		return "device_code"
	case SignalNeedsAuth:
		return "needs_auth"
	}
	return "unknown"
}

// Signal is one classified finding.
type Signal struct {
	Kind  SignalKind
	Value string
}

// Classifier scans accumulated, ANSI-stripped output and reports what it
// recognises. Each backend has its own; swapping one for a structured
// protocol does not affect the orchestrator.
type Classifier func(text string) []Signal

// outputRule matches one signal. When terminated is set, a match is only
// accepted once some character follows it, so a URL cut at a chunk boundary
// is not reported half-read.
type outputRule struct {
	kind       SignalKind
	pattern    *regexp.Regexp
	terminated bool
}

func urlRule(pattern string) outputRule {
	return outputRule{kind: SignalAuthURL, pattern: regexp.MustCompile(pattern), terminated: true}
}

func phraseRule(phrase string) outputRule {
	return outputRule{kind: SignalNeedsAuth, pattern: regexp.MustCompile(regexp.QuoteMeta(phrase))}
}

// patternClassifier builds a Classifier from rules. If a rule's pattern has
// a capture group, the first group is the signal value.
func patternClassifier(rules ...outputRule) Classifier {
	return func(text string) []Signal {
		var signals []Signal
		for _, r := range rules {
			for _, m := range r.pattern.FindAllStringSubmatchIndex(text, -1) {
				if r.terminated && m[1] >= len(text) {
					continue
				}
				start, end := m[0], m[1]
				if len(m) >= 4 && m[2] >= 0 {
					start, end = m[2], m[3]
				}
				signals = append(signals, Signal{Kind: r.kind, Value: text[start:end]})
				break
			}
		}
		return signals
	}
}

// first returns the first signal of kind k.
func first(signals []Signal, k SignalKind) (Signal, bool) {
	for _, s := range signals {
		if s.Kind == k {
			return s, true
		}
	}
	return Signal{}, false
}

// needsAuth reports whether any signal means the backend is unauthenticated.
func needsAuth(signals []Signal) bool {
	for _, s := range signals {
		if s.Kind == SignalAuthURL || s.Kind == SignalNeedsAuth {
			return true
		}
	}
	return false
}

var fatalSignatures = []string{
	"model not found",
	"modelnotfound",
	"model_not_found",
	"unknown model",
	"providermodelnotfounderror",
}

// fatalSignature returns the first recognised fatal signature in s, or "".
func fatalSignature(s string) string {
	lower := strings.ToLower(s)
	for _, sig := range fatalSignatures {
		if strings.Contains(lower, sig) {
			return sig
		}
	}
	return ""
}
