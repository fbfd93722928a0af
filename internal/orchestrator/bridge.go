package orchestrator

import (
	"agentbridge/internal/protocol"
	"agentbridge/internal/strategy"
)

type bridgeKind int

const (
	authBridge bridgeKind = iota
	logoutBridge
)

// bridge is handed to the strategy for one auth or logout attempt. Calls
// made after the attempt was superseded are dropped.
type bridge struct {
	o    *Orchestrator
	kind bridgeKind
	gen  uint64
}

var _ strategy.Bridge = (*bridge)(nil)

// currentLocked reports whether b's attempt is still the live one.
// Callers hold o.mu.
func (b *bridge) currentLocked() bool {
	if b.kind == logoutBridge {
		return b.o.logoutGen == b.gen
	}
	return b.o.authGen == b.gen
}

// do runs fn under the orchestrator lock if b is current.
func (b *bridge) do(call string, fn func()) {
	b.o.mu.Lock()
	defer b.o.mu.Unlock()
	if !b.currentLocked() {
		b.o.logger.Debug("dropping stale bridge call", "call", call, "generation", b.gen)
		return
	}
	fn()
}

func (b *bridge) AuthURLGenerated(url string) {
	b.do("auth_url_generated", func() {
		b.o.emit(protocol.TypeAuthURLGenerated, protocol.AuthURLPayload{URL: url})
	})
}

func (b *bridge) DeviceCode(code string) {
	b.do("device_code", func() {
		b.o.emit(protocol.TypeDeviceCode, protocol.DeviceCodePayload{Code: code})
	})
}

func (b *bridge) AuthSuccess() {
	b.do("auth_success", func() {
		b.o.authPending = false
		b.o.setAuthenticatedLocked(true)
		b.o.emit(protocol.TypeAuthSuccess, nil)
	})
}

func (b *bridge) AuthStatus(status string) {
	b.do("auth_status", func() {
		b.o.authPending = false
		b.o.setAuthenticatedLocked(status == strategy.StatusAuthenticated)
		b.o.emitStatusLocked()
	})
}

func (b *bridge) Error(message string) {
	b.do("error", func() {
		if b.kind == authBridge {
			b.o.authPending = false
		}
		b.o.emit(protocol.TypeError, protocol.ErrorPayload{Message: message})
	})
}

func (b *bridge) LogoutOutput(text string) {
	b.do("logout_output", func() {
		b.o.emit(protocol.TypeLogoutOutput, protocol.LogoutOutputPayload{Text: text})
	})
}

func (b *bridge) LogoutSuccess() {
	b.do("logout_success", func() {
		b.o.setAuthenticatedLocked(false)
		b.o.emit(protocol.TypeLogoutSuccess, nil)
	})
}
