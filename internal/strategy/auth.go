package strategy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	authOutputChunks = 256
	// authScanBytes bounds how much recent output is re-classified per chunk.
	authScanBytes = 16 * 1024
)

// authProbeTimeout bounds a CheckAuthStatus invocation.
var authProbeTimeout = 45 * time.Second

// authSession is one outstanding authentication attempt.
type authSession struct {
	bridge Bridge
	proc   *process // nil for flows without a subprocess

	mu           sync.Mutex
	output       *RingBuffer
	urlReported  bool
	codeReported bool
	callbackPort int
}

// authSlot holds at most one authSession.
type authSlot struct {
	mu  sync.Mutex
	cur *authSession
}

// begin reserves the slot for a new attempt reporting to b.
func (s *authSlot) begin(b Bridge) (*authSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return nil, ErrAuthInProgress
	}
	s.cur = &authSession{bridge: b, output: NewRingBuffer(authOutputChunks)}
	return s.cur, nil
}

// current returns the outstanding session and its process, if any.
func (s *authSlot) current() (*authSession, *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil, nil
	}
	return s.cur, s.cur.proc
}

// attach records p as a's process and reports whether a is still current.
func (s *authSlot) attach(a *authSession, p *process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.proc = p
	return s.cur == a
}

func (s *authSlot) owns(a *authSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == a
}

// finish releases the slot if a still holds it and reports whether it did.
// A false result means the attempt was cancelled or superseded and must
// not report anything.
func (s *authSlot) finish(a *authSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != a {
		return false
	}
	s.cur = nil
	return true
}

// cancel releases the slot and kills its process. It reports whether an
// attempt was outstanding.
func (s *authSlot) cancel() bool {
	s.mu.Lock()
	a := s.cur
	s.cur = nil
	var proc *process
	if a != nil {
		proc = a.proc
	}
	s.mu.Unlock()

	if a == nil {
		return false
	}
	if proc != nil {
		proc.Kill()
	}
	return true
}

// authFlow is an interactive auth subprocess whose output is scraped.
type authFlow struct {
	spec      procSpec
	classify  Classifier
	succeeded func(exitCode int, output string) bool
	// onURL runs before the URL is reported, under the session lock.
	onURL func(a *authSession, url string)
}

// run spawns the flow's process inside the reserved session a. Output is
// classified as it arrives; the exit is translated to AuthSuccess or an
// unauthenticated status.
func (s *authSlot) run(ctx context.Context, a *authSession, flow authFlow, logger *slog.Logger) error {
	onOutput := func(chunk []byte) {
		text := stripANSI(string(chunk))
		if len(text) == 0 {
			return
		}
		logger.Debug("auth output", "text", text)

		a.mu.Lock()
		a.output.Write(text)
		signals := flow.classify(a.output.Tail(authScanBytes))
		var url, code string
		if sig, ok := first(signals, SignalAuthURL); ok && !a.urlReported {
			a.urlReported = true
			url = sig.Value
			if flow.onURL != nil {
				flow.onURL(a, url)
			}
		}
		if sig, ok := first(signals, SignalDeviceCode); ok && !a.codeReported {
			a.codeReported = true
			code = sig.Value
		}
		a.mu.Unlock()

		if !s.owns(a) {
			return
		}
		if url != "" {
			a.bridge.AuthURLGenerated(url)
		}
		if code != "" {
			a.bridge.DeviceCode(code)
		}
	}

	proc, err := startProcess(ctx, flow.spec, onOutput, onOutput)
	if err != nil {
		s.finish(a)
		return err
	}
	// CancelAuth may have run between begin and here.
	if !s.attach(a, proc) {
		proc.Kill()
		return nil
	}

	go func() {
		code, waitErr := proc.Wait()
		if !s.finish(a) {
			logger.Info("auth process ended after cancellation", "exit_code", code)
			return
		}
		if waitErr != nil {
			logger.Error("auth process wait failed", "error", waitErr)
		}
		if flow.succeeded(code, a.output.String()) {
			logger.Info("auth process succeeded", "exit_code", code)
			a.bridge.AuthSuccess()
			return
		}
		logger.Warn("auth process failed", "exit_code", code)
		a.bridge.AuthStatus(StatusUnauthenticated)
	}()
	return nil
}

// probeByOutput runs a lightweight invocation to test authentication. Any
// needs-auth signal kills the probe and resolves false; otherwise the exit
// decides. Spawn failures and timeouts resolve false.
func probeByOutput(ctx context.Context, spec procSpec, classify Classifier, exitOK func(code int) bool, logger *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, authProbeTimeout)
	defer cancel()

	var (
		buf      outputCollector
		resolved atomic.Bool
		proc     *process
		procMu   sync.Mutex
	)

	onOutput := func(chunk []byte) {
		if resolved.Load() {
			return
		}
		buf.Write([]byte(stripANSI(string(chunk))))
		if needsAuth(classify(buf.Tail(authScanBytes))) && resolved.CompareAndSwap(false, true) {
			procMu.Lock()
			if proc != nil {
				proc.Kill()
			}
			procMu.Unlock()
		}
	}

	p, err := startProcess(ctx, spec, onOutput, onOutput)
	if err != nil {
		logger.Error("auth probe failed to start", "error", err)
		return false
	}
	procMu.Lock()
	proc = p
	procMu.Unlock()
	if resolved.Load() {
		p.Kill()
	}

	code, _ := p.Wait()
	if resolved.Load() {
		logger.Info("auth probe detected login prompt")
		return false
	}
	if err := ctx.Err(); err != nil {
		logger.Warn("auth probe interrupted", "timeout", authProbeTimeout, "error", err)
		return false
	}
	return exitOK(code)
}
