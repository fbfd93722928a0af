package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentbridge/internal/orchestrator"
	"agentbridge/internal/protocol"
	"agentbridge/internal/store"
	"agentbridge/internal/strategy"

	"github.com/gorilla/websocket"
)

type fakeSession struct {
	srv *Server

	mu        sync.Mutex
	connected int
	received  []protocol.ClientMessage
}

func (f *fakeSession) HandleClientConnected() {
	f.mu.Lock()
	f.connected++
	f.mu.Unlock()
	f.srv.Emit(protocol.NewEvent(protocol.TypeAuthStatus, protocol.AuthStatusPayload{Status: "authenticated"}))
}

func (f *fakeSession) HandleClientMessage(_ context.Context, msg protocol.ClientMessage) {
	f.mu.Lock()
	f.received = append(f.received, msg)
	f.mu.Unlock()
	f.srv.Emit(protocol.NewEvent(protocol.TypeModelUpdated, protocol.ModelPayload{Model: msg.Action}))
}

type staticMessages []store.Message

func (s staticMessages) All() []store.Message { return s }

func newTestServer(opts Options) (*Server, *fakeSession) {
	srv := New(staticMessages{{ID: "m1", Role: store.RoleUser, Body: "hi"}}, opts)
	sess := &fakeSession{srv: srv}
	srv.Attach(sess)
	return srv, sess
}

func wsURL(httpSrv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
}

func readEvent(t *testing.T, ws *websocket.Conn) protocol.Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event %s: %v", data, err)
	}
	return ev
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != code {
		t.Errorf("expected close code %d, got %d (%s)", code, ce.Code, ce.Text)
	}
}

func waitForNoClient(t *testing.T, srv *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		active := srv.active
		srv.mu.Unlock()
		if active == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client was never released")
}

func TestServer_Handler(t *testing.T) {
	srv, _ := newTestServer(Options{})
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_ListMessages(t *testing.T) {
	srv, _ := newTestServer(Options{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/messages", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var msgs []store.Message
	json.NewDecoder(w.Body).Decode(&msgs)
	if len(msgs) != 1 || msgs[0].Body != "hi" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestServer_ModelOptions(t *testing.T) {
	srv, _ := newTestServer(Options{ModelOptions: []string{"a", "b"}})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/model-options", nil))

	var opts []string
	json.NewDecoder(w.Body).Decode(&opts)
	if len(opts) != 2 || opts[0] != "a" || opts[1] != "b" {
		t.Errorf("unexpected options: %v", opts)
	}
}

func TestServer_ModelOptionsEmpty(t *testing.T) {
	srv, _ := newTestServer(Options{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/model-options", nil))

	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}
}

func TestServer_LoginWithoutPassword(t *testing.T) {
	srv, _ := newTestServer(Options{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/api/login", strings.NewReader(`{}`)))

	var resp loginResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Success || resp.Message != "No authentication required" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestServer_LoginWrongPassword(t *testing.T) {
	srv, _ := newTestServer(Options{Password: "secret"})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"password":"nope"}`)))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
	var resp loginResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Success || resp.Error != "Invalid password" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("no cookie should be set on failure")
	}
}

func TestServer_LoginSetsCookie(t *testing.T) {
	srv, _ := newTestServer(Options{Password: "secret"})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"password":"secret"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != authCookie || c.Value != "secret" || !c.HttpOnly {
		t.Errorf("unexpected cookie: %+v", c)
	}
	if c.Secure || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("plain http cookie should be lax and not secure: %+v", c)
	}
}

func TestServer_LoginBehindTLSProxy(t *testing.T) {
	srv, _ := newTestServer(Options{Password: "secret"})
	req := httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"password":"secret"}`))
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	c := w.Result().Cookies()[0]
	if !c.Secure || c.SameSite != http.SameSiteNoneMode {
		t.Errorf("expected secure samesite=none cookie, got %+v", c)
	}
}

func TestServer_APIRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(Options{Password: "secret"})
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/messages", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/messages", nil)
	req.AddCookie(&http.Cookie{Name: authCookie, Value: "secret"})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 with cookie, got %d", w.Code)
	}
}

func TestServer_RootServesLoginPage(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("app"), 0o644)
	os.WriteFile(filepath.Join(dir, "login.html"), []byte("login form"), 0o644)
	os.WriteFile(filepath.Join(dir, "app.css"), []byte("body{}"), 0o644)

	srv, _ := newTestServer(Options{Password: "secret", StaticDir: dir})
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if !strings.Contains(w.Body.String(), "login form") {
		t.Errorf("expected login page, got %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/app.css", nil))
	if w.Code != http.StatusOK {
		t.Errorf("stylesheet should be public, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: authCookie, Value: "secret"})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), "app") {
		t.Errorf("expected app index, got %q", w.Body.String())
	}
}

func TestServer_FallbackLoginPage(t *testing.T) {
	srv, _ := newTestServer(Options{Password: "secret"})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if !strings.Contains(w.Body.String(), "/api/login") {
		t.Errorf("expected built-in login page, got %q", w.Body.String())
	}
}

func TestServer_WebSocketConnection(t *testing.T) {
	srv, sess := newTestServer(Options{})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	if ev := readEvent(t, ws); ev.Type != protocol.TypeAuthStatus {
		t.Fatalf("expected auth_status on connect, got %s", ev.Type)
	}

	ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"get_model"}`))
	ev := readEvent(t, ws)
	if ev.Type != protocol.TypeModelUpdated {
		t.Fatalf("expected model_updated, got %s", ev.Type)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.connected != 1 || len(sess.received) != 1 || sess.received[0].Action != protocol.ActionGetModel {
		t.Errorf("unexpected session calls: connected=%d received=%+v", sess.connected, sess.received)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, sess := newTestServer(Options{})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()
	readEvent(t, ws)

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	ev := readEvent(t, ws)
	if ev.Type != protocol.TypeError {
		t.Fatalf("expected error type, got %s", ev.Type)
	}
	var payload protocol.ErrorPayload
	ev.DecodePayload(&payload)
	if payload.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected INVALID_MESSAGE, got %+v", payload)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.received) != 0 {
		t.Errorf("invalid input reached the session: %+v", sess.received)
	}
}

func TestServer_WebSocketSecondClientRejected(t *testing.T) {
	srv, _ := newTestServer(Options{})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	first, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	readEvent(t, first)

	second, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), nil)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()
	expectClose(t, second, CloseSessionActive)

	first.Close()
	waitForNoClient(t, srv)

	third, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), nil)
	if err != nil {
		t.Fatalf("third dial failed: %v", err)
	}
	defer third.Close()
	if ev := readEvent(t, third); ev.Type != protocol.TypeAuthStatus {
		t.Errorf("expected replacement client to attach, got %s", ev.Type)
	}
}

func TestServer_WebSocketRequiresCookie(t *testing.T) {
	srv, sess := newTestServer(Options{Password: "secret"})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()
	expectClose(t, ws, CloseUnauthorized)

	header := http.Header{}
	header.Set("Cookie", authCookie+"=secret")
	authed, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer authed.Close()
	readEvent(t, authed)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.connected != 1 {
		t.Errorf("expected exactly one attached client, got %d", sess.connected)
	}
}

func TestServer_EmitWithoutClient(t *testing.T) {
	srv, _ := newTestServer(Options{})
	// Must not block or panic.
	srv.Emit(protocol.NewEvent(protocol.TypeMessagesCleared, nil))
}

func TestServer_ChatWithMockBackend(t *testing.T) {
	dir := t.TempDir()
	conv, err := store.OpenConversation(filepath.Join(dir, "messages.json"), nil)
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	models := store.NewModelPreference(filepath.Join(dir, "model.json"), "")

	srv := New(conv, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	orch := orchestrator.New(ctx, orchestrator.Config{
		Strategy:     strategy.NewMock(strategy.Options{MockDelay: 10 * time.Millisecond}),
		Conversation: conv,
		Models:       models,
		Emitter:      srv,
	})
	defer func() {
		cancel()
		orch.Wait()
	}()
	srv.Attach(orch)

	deadline := time.Now().Add(2 * time.Second)
	for authed, _ := orch.State(); !authed; authed, _ = orch.State() {
		if time.Now().After(deadline) {
			t.Fatal("mock backend never reported authenticated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()
	readEvent(t, ws)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"send_chat_message","text":"hello"}`))

	var types []string
	var chunks strings.Builder
	for {
		ev := readEvent(t, ws)
		types = append(types, ev.Type)
		if ev.Type == protocol.TypeStreamChunk {
			var p protocol.StreamChunkPayload
			ev.DecodePayload(&p)
			chunks.WriteString(p.Text)
		}
		if ev.Type == protocol.TypeStreamEnd || ev.Type == protocol.TypeError {
			break
		}
	}

	if types[0] != protocol.TypeMessage || types[1] != protocol.TypeStreamStart {
		t.Errorf("unexpected event order: %v", types)
	}
	if types[len(types)-1] != protocol.TypeStreamEnd {
		t.Fatalf("expected stream_end, got %v", types)
	}
	if !strings.Contains(chunks.String(), "[MOCKED RESPONSE]") {
		t.Errorf("unexpected streamed text %q", chunks.String())
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/messages", nil))
	var msgs []store.Message
	json.NewDecoder(w.Body).Decode(&msgs)
	if len(msgs) != 2 || msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Errorf("unexpected stored messages: %+v", msgs)
	}
}
