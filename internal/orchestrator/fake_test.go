package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"agentbridge/internal/protocol"
	"agentbridge/internal/store"
	"agentbridge/internal/strategy"
)

// fakeStrategy is a scripted strategy that records the calls it receives.
type fakeStrategy struct {
	mu     sync.Mutex
	caps   strategy.Capabilities
	authed bool
	calls  []string
	bridge strategy.Bridge

	onCheck  func()
	onAuth   func(b strategy.Bridge) error
	onPrompt func(ctx context.Context, prompt, model string, onChunk func(string)) error
	onLogout func(b strategy.Bridge)
	onSubmit func(code string) error

	prompts []string
	models  []string
}

var _ strategy.Strategy = (*fakeStrategy)(nil)

func (f *fakeStrategy) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeStrategy) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStrategy) count(call string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeStrategy) setAuthed(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authed = v
}

func (f *fakeStrategy) lastBridge() strategy.Bridge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bridge
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) Capabilities() strategy.Capabilities { return f.caps }

func (f *fakeStrategy) CheckAuthStatus(context.Context) bool {
	f.record("check")
	f.mu.Lock()
	onCheck := f.onCheck
	f.mu.Unlock()
	if onCheck != nil {
		onCheck()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}

func (f *fakeStrategy) setOnCheck(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCheck = fn
}

func (f *fakeStrategy) ExecuteAuth(_ context.Context, b strategy.Bridge) error {
	f.record("auth")
	f.mu.Lock()
	f.bridge = b
	onAuth := f.onAuth
	f.mu.Unlock()
	if onAuth != nil {
		return onAuth(b)
	}
	return nil
}

func (f *fakeStrategy) SubmitAuthCode(_ context.Context, code string) error {
	f.record("submit")
	if f.onSubmit != nil {
		return f.onSubmit(code)
	}
	return nil
}

func (f *fakeStrategy) CancelAuth() { f.record("cancel") }

func (f *fakeStrategy) ClearCredentials() error {
	f.record("clear")
	return nil
}

func (f *fakeStrategy) ExecuteLogout(_ context.Context, b strategy.Bridge) {
	f.record("logout")
	if f.onLogout != nil {
		f.onLogout(b)
		return
	}
	b.LogoutSuccess()
}

func (f *fakeStrategy) ModelArgs(model string) []string {
	if model == "" {
		return []string{}
	}
	return []string{"--model", model}
}

func (f *fakeStrategy) ExecutePromptStreaming(ctx context.Context, prompt, model string, onChunk func(string)) error {
	f.record("prompt")
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.models = append(f.models, model)
	onPrompt := f.onPrompt
	f.mu.Unlock()
	if onPrompt != nil {
		return onPrompt(ctx, prompt, model, onChunk)
	}
	onChunk("ok")
	return nil
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Emit(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func (r *recorder) types() []string {
	var out []string
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) ofType(eventType string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range r.all() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// gatedEmitter records events and parks the first stream_end delivery
// until resume is closed.
type gatedEmitter struct {
	recorder
	once    sync.Once
	reached chan struct{}
	resume  chan struct{}
}

func newGatedEmitter() *gatedEmitter {
	return &gatedEmitter{reached: make(chan struct{}), resume: make(chan struct{})}
}

func (g *gatedEmitter) Emit(ev protocol.Event) {
	g.recorder.Emit(ev)
	if ev.Type != protocol.TypeStreamEnd {
		return
	}
	g.once.Do(func() {
		close(g.reached)
		<-g.resume
	})
}

type harness struct {
	o     *Orchestrator
	fake  *fakeStrategy
	rec   *recorder
	conv  *store.Conversation
	model *store.ModelPreference
}

// newHarness builds an orchestrator around s, waits for the initial probe
// and clears the recorder.
func newHarness(t *testing.T, s strategy.Strategy, prompt PromptBuilder) *harness {
	t.Helper()
	rec := &recorder{}
	return newHarnessEmitting(t, s, prompt, rec, rec)
}

// newHarnessEmitting is newHarness with an emitter that records into rec.
func newHarnessEmitting(t *testing.T, s strategy.Strategy, prompt PromptBuilder, emitter Emitter, rec *recorder) *harness {
	t.Helper()
	dir := t.TempDir()
	conv, err := store.OpenConversation(filepath.Join(dir, "messages.json"), nil)
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	h := &harness{
		rec:   rec,
		conv:  conv,
		model: store.NewModelPreference(filepath.Join(dir, "model.json"), ""),
	}
	if f, ok := s.(*fakeStrategy); ok {
		h.fake = f
	}
	h.o = New(context.Background(), Config{
		Strategy:     s,
		Conversation: conv,
		Models:       h.model,
		Emitter:      emitter,
		Prompt:       prompt,
		SystemPrompt: "You are helpful.",
	})
	h.o.Wait()
	h.rec.reset()
	return h
}

func (h *harness) send(msg protocol.ClientMessage) {
	h.o.HandleClientMessage(context.Background(), msg)
}

func (h *harness) chat(text string) {
	h.send(protocol.ClientMessage{Action: protocol.ActionSendChatMessage, Text: text})
}

func errorPayload(t *testing.T, ev protocol.Event) protocol.ErrorPayload {
	t.Helper()
	var p protocol.ErrorPayload
	if err := ev.DecodePayload(&p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p
}

func statusPayload(t *testing.T, ev protocol.Event) protocol.AuthStatusPayload {
	t.Helper()
	var p protocol.AuthStatusPayload
	if err := ev.DecodePayload(&p); err != nil {
		t.Fatalf("decode status payload: %v", err)
	}
	return p
}

var errBoom = errors.New("backend exploded")
