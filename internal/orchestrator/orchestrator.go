// Package orchestrator implements the single agent session: it tracks
// authentication and prompt state, drives the selected backend strategy,
// and turns its results into outbound events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentbridge/internal/protocol"
	"agentbridge/internal/store"
	"agentbridge/internal/strategy"
)

// NoResponsePlaceholder is stored when a prompt produced no output.
const NoResponsePlaceholder = "(No response from agent)"

// Emitter delivers outbound events to the current client. It must be safe
// for concurrent use and must not call back into the Orchestrator.
type Emitter interface {
	Emit(ev protocol.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev protocol.Event)

func (f EmitterFunc) Emit(ev protocol.Event) { f(ev) }

// ConversationStore is the persisted message log.
type ConversationStore interface {
	All() []store.Message
	Add(role, body string) (store.Message, error)
	Clear() error
}

// ModelStore holds the operator's model preference.
type ModelStore interface {
	Get() string
	Set(model string) (string, error)
}

// Config wires an Orchestrator.
type Config struct {
	Strategy     strategy.Strategy
	Conversation ConversationStore
	Models       ModelStore
	Emitter      Emitter
	// Prompt defaults to CurrentOnly.
	Prompt       PromptBuilder
	SystemPrompt string
	Logger       *slog.Logger
}

// Orchestrator is the session state machine. Inbound actions are handled
// by HandleClientMessage without blocking on a backend process: prompts and
// auth probes run on their own goroutines.
type Orchestrator struct {
	ctx          context.Context
	strategy     strategy.Strategy
	conv         ConversationStore
	models       ModelStore
	emitter      Emitter
	prompt       PromptBuilder
	systemPrompt string
	logger       *slog.Logger

	mu            sync.Mutex
	authenticated bool
	authVersion   uint64 // bumped on every change to authenticated
	processing    bool
	promptSeq     uint64
	authPending   bool
	authGen       uint64
	logoutGen     uint64

	wg sync.WaitGroup
}

// New creates the orchestrator and starts the initial auth probe. ctx
// bounds background work: auth flows, prompts and logouts.
func New(ctx context.Context, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	prompt := cfg.Prompt
	if prompt == nil {
		prompt = CurrentOnly{}
	}
	o := &Orchestrator{
		ctx:          ctx,
		strategy:     cfg.Strategy,
		conv:         cfg.Conversation,
		models:       cfg.Models,
		emitter:      cfg.Emitter,
		prompt:       prompt,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger.With("component", "orchestrator", "backend", cfg.Strategy.Name()),
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.probe(ctx, false)
	}()
	return o
}

// Wait blocks until background prompts, probes and logouts have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// State reports the current authenticated and processing flags.
func (o *Orchestrator) State() (authenticated, processing bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authenticated, o.processing
}

// HandleClientConnected reports the session state to a newly attached client.
func (o *Orchestrator) HandleClientConnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emitStatusLocked()
}

// HandleClientMessage dispatches one inbound action.
func (o *Orchestrator) HandleClientMessage(ctx context.Context, msg protocol.ClientMessage) {
	defer o.recoverStrategyPanic(msg.Action)

	o.logger.Debug("client action", "action", msg.Action)
	switch msg.Action {
	case protocol.ActionCheckAuthStatus:
		o.checkAuthStatus()
	case protocol.ActionInitiateAuth:
		o.initiateAuth()
	case protocol.ActionSubmitAuthCode:
		o.submitAuthCode(ctx, msg.Code)
	case protocol.ActionCancelAuth:
		o.cancelAuth()
	case protocol.ActionReauthenticate:
		o.reauthenticate()
	case protocol.ActionLogout:
		o.logout()
	case protocol.ActionSendChatMessage:
		o.sendChatMessage(msg.Text)
	case protocol.ActionGetModel:
		o.emit(protocol.TypeModelUpdated, protocol.ModelPayload{Model: o.models.Get()})
	case protocol.ActionSetModel:
		o.setModel(msg.Model)
	case protocol.ActionClearMessages:
		o.clearMessages()
	default:
		o.logger.Warn("unknown action", "action", msg.Action)
		o.emit(protocol.TypeError, protocol.ErrorPayload{
			Code:    protocol.ErrInvalidMessage,
			Message: fmt.Sprintf("unknown action: %s", msg.Action),
		})
	}
}

// RefreshAuthStatus re-probes the backend in the background and reports a
// change. It is skipped while an auth attempt or a prompt is in flight.
func (o *Orchestrator) RefreshAuthStatus(ctx context.Context) {
	o.mu.Lock()
	busy := o.authPending || o.processing
	o.mu.Unlock()
	if busy {
		o.logger.Debug("skipping auth refresh while busy")
		return
	}
	o.probe(ctx, true)
}

// probe runs CheckAuthStatus and applies the result unless the state
// changed while it ran. When report is set a change is emitted.
func (o *Orchestrator) probe(ctx context.Context, report bool) {
	o.mu.Lock()
	version := o.authVersion
	o.mu.Unlock()

	ok := o.strategy.CheckAuthStatus(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.authVersion != version || o.authPending || o.processing {
		return
	}
	if ok == o.authenticated {
		return
	}
	o.logger.Info("auth status changed", "authenticated", ok)
	o.setAuthenticatedLocked(ok)
	if report {
		o.emitStatusLocked()
	}
}

// background runs fn on a tracked goroutine.
func (o *Orchestrator) background(action string, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.recoverStrategyPanic(action)
		fn()
	}()
}

func (o *Orchestrator) checkAuthStatus() {
	o.background(protocol.ActionCheckAuthStatus, func() {
		ok := o.strategy.CheckAuthStatus(o.ctx)
		if o.ctx.Err() != nil {
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		o.setAuthenticatedLocked(ok)
		o.emitStatusLocked()
	})
}

// initiateAuth reserves the auth slot, then probes in the background. A
// signed-in backend concludes the attempt at once; otherwise the strategy
// flow starts unless the attempt was cancelled meanwhile.
func (o *Orchestrator) initiateAuth() {
	o.mu.Lock()
	if o.authPending {
		o.mu.Unlock()
		o.emitError(protocol.ErrAuthInProgress, protocol.ErrAuthInProgress)
		return
	}
	gen := o.reserveAuthLocked()
	o.mu.Unlock()

	o.background(protocol.ActionInitiateAuth, func() {
		ok := o.strategy.CheckAuthStatus(o.ctx)

		o.mu.Lock()
		if o.authGen != gen {
			o.mu.Unlock()
			return
		}
		if ok {
			o.authPending = false
			o.setAuthenticatedLocked(true)
			o.emit(protocol.TypeAuthSuccess, nil)
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		o.runAuth(gen)
	})
}

// reserveAuthLocked opens a new auth generation.
func (o *Orchestrator) reserveAuthLocked() uint64 {
	o.authGen++
	o.authPending = true
	return o.authGen
}

// startAuth opens a new auth generation and hands its bridge to the strategy.
func (o *Orchestrator) startAuth() {
	o.mu.Lock()
	gen := o.reserveAuthLocked()
	o.mu.Unlock()
	o.runAuth(gen)
}

// runAuth hands the bridge for generation gen to the strategy.
func (o *Orchestrator) runAuth(gen uint64) {
	err := o.strategy.ExecuteAuth(o.ctx, &bridge{o: o, kind: authBridge, gen: gen})
	if err == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.authGen == gen {
		o.authPending = false
	}
	if errors.Is(err, strategy.ErrAuthInProgress) {
		o.logger.Warn("strategy rejected concurrent auth attempt")
		o.emit(protocol.TypeError, protocol.ErrorPayload{Code: protocol.ErrAuthInProgress, Message: protocol.ErrAuthInProgress})
		return
	}
	o.logger.Error("auth failed to start", "error", err)
	o.emit(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
	o.setAuthenticatedLocked(false)
	o.emitStatusLocked()
}

func (o *Orchestrator) submitAuthCode(ctx context.Context, code string) {
	if err := o.strategy.SubmitAuthCode(ctx, code); err != nil {
		o.logger.Warn("auth code rejected", "error", err)
		o.emitError("", err.Error())
	}
}

// abandonAuthLocked invalidates outstanding auth bridges and marks the
// session unauthenticated.
func (o *Orchestrator) abandonAuthLocked() {
	o.authGen++
	o.authPending = false
	o.setAuthenticatedLocked(false)
}

func (o *Orchestrator) cancelAuth() {
	o.strategy.CancelAuth()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.abandonAuthLocked()
	o.emitStatusLocked()
}

func (o *Orchestrator) reauthenticate() {
	o.strategy.CancelAuth()
	if err := o.strategy.ClearCredentials(); err != nil {
		o.logger.Warn("clear credentials failed", "error", err)
	}
	o.mu.Lock()
	o.abandonAuthLocked()
	o.emitStatusLocked()
	o.mu.Unlock()

	o.startAuth()
}

func (o *Orchestrator) logout() {
	o.strategy.CancelAuth()

	o.mu.Lock()
	o.abandonAuthLocked()
	// An in-flight prompt keeps running but no longer holds the session.
	o.processing = false
	o.promptSeq++
	o.logoutGen++
	gen := o.logoutGen
	o.emitStatusLocked()
	o.mu.Unlock()

	o.background(protocol.ActionLogout, func() {
		o.strategy.ExecuteLogout(o.ctx, &bridge{o: o, kind: logoutBridge, gen: gen})
	})
}

func (o *Orchestrator) sendChatMessage(text string) {
	o.mu.Lock()
	if !o.authenticated {
		o.mu.Unlock()
		o.emitError(protocol.ErrNeedAuth, protocol.ErrNeedAuth)
		return
	}
	if o.processing {
		o.mu.Unlock()
		o.emitError(protocol.ErrBlocked, protocol.ErrBlocked)
		return
	}
	o.processing = true
	o.promptSeq++
	seq := o.promptSeq
	o.mu.Unlock()

	history := o.conv.All()
	userMsg, err := o.conv.Add(store.RoleUser, text)
	if err != nil {
		o.release(seq)
		o.logger.Error("persist user message", "error", err)
		o.emitError("", fmt.Sprintf("failed to save message: %v", err))
		return
	}
	o.emit(protocol.TypeMessage, messagePayload(userMsg))

	prompt := o.prompt.Build(o.systemPrompt, history, text)
	model := o.models.Get()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		final := o.runPrompt(prompt, model)
		// The session is free before the client hears the prompt ended.
		o.release(seq)
		o.emitEvent(final)
	}()
}

// runPrompt streams one prompt and persists the reply. It returns the
// terminal event, stream_end or error, for the caller to deliver.
func (o *Orchestrator) runPrompt(prompt, model string) (final protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("recovered panic", "action", protocol.ActionSendChatMessage, "panic", r)
			final = protocol.NewErrorEvent("", fmt.Sprintf("internal error handling %s", protocol.ActionSendChatMessage))
		}
	}()

	start := time.Now()
	o.emit(protocol.TypeStreamStart, nil)

	var (
		mu    sync.Mutex
		reply strings.Builder
	)
	err := o.strategy.ExecutePromptStreaming(o.ctx, prompt, model, func(chunk string) {
		if chunk == "" {
			return
		}
		mu.Lock()
		reply.WriteString(chunk)
		mu.Unlock()
		o.emit(protocol.TypeStreamChunk, protocol.StreamChunkPayload{Text: chunk})
	})
	if err != nil {
		o.logger.Warn("prompt failed", "error", err, "duration", time.Since(start))
		return protocol.NewErrorEvent("", err.Error())
	}

	mu.Lock()
	body := reply.String()
	mu.Unlock()
	if body == "" {
		body = NoResponsePlaceholder
	}

	msg, err := o.conv.Add(store.RoleAssistant, body)
	if err != nil {
		o.logger.Error("persist assistant message", "error", err)
		return protocol.NewErrorEvent("", fmt.Sprintf("failed to save message: %v", err))
	}
	o.logger.Info("prompt completed", "duration", time.Since(start), "bytes", len(body))
	return protocol.NewEvent(protocol.TypeStreamEnd, protocol.StreamEndPayload{Message: messagePayload(msg)})
}

// release clears processing if prompt seq still owns it.
func (o *Orchestrator) release(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.promptSeq == seq {
		o.processing = false
	}
}

func (o *Orchestrator) setModel(model string) {
	stored, err := o.models.Set(model)
	if err != nil {
		o.logger.Error("save model preference", "error", err)
		o.emitError("", fmt.Sprintf("failed to save model: %v", err))
		return
	}
	o.logger.Info("model preference updated", "model", stored)
	o.emit(protocol.TypeModelUpdated, protocol.ModelPayload{Model: stored})
}

func (o *Orchestrator) clearMessages() {
	if err := o.conv.Clear(); err != nil {
		o.logger.Error("clear conversation", "error", err)
		o.emitError("", fmt.Sprintf("failed to clear messages: %v", err))
		return
	}
	o.emit(protocol.TypeMessagesCleared, nil)
}

func (o *Orchestrator) recoverStrategyPanic(action string) {
	if r := recover(); r != nil {
		o.logger.Error("recovered panic", "action", action, "panic", r)
		o.emitError("", fmt.Sprintf("internal error handling %s", action))
	}
}

func (o *Orchestrator) setAuthenticatedLocked(v bool) {
	o.authenticated = v
	o.authVersion++
}

func (o *Orchestrator) emitStatusLocked() {
	status := strategy.StatusUnauthenticated
	if o.authenticated {
		status = strategy.StatusAuthenticated
	}
	o.emit(protocol.TypeAuthStatus, protocol.AuthStatusPayload{Status: status, Processing: o.processing})
}

func (o *Orchestrator) emitError(code, message string) {
	o.emit(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func (o *Orchestrator) emit(eventType string, payload any) {
	o.emitEvent(protocol.NewEvent(eventType, payload))
}

func (o *Orchestrator) emitEvent(ev protocol.Event) {
	if o.emitter == nil {
		return
	}
	o.emitter.Emit(ev)
}

func messagePayload(m store.Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:        m.ID,
		Role:      m.Role,
		Body:      m.Body,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
}
