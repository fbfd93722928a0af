package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"agentbridge/internal/protocol"
	"agentbridge/internal/store"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const authCookieName = "agent_auth"

// eventMsg carries one server event into the tea loop.
type eventMsg struct {
	ev protocol.Event
}

// disconnectedMsg ends the session.
type disconnectedMsg struct {
	err error
}

type sendErrMsg struct {
	err error
}

// client is the HTTP and websocket side of the chat session.
type client struct {
	base   *url.URL
	http   *http.Client
	cookie *http.Cookie

	ws *websocket.Conn
	mu sync.Mutex
}

func newClient(rawURL string) (*client, error) {
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", base.Scheme)
	}
	return &client{base: base, http: http.DefaultClient}, nil
}

func (c *client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// login exchanges password for the session cookie.
func (c *client) login(ctx context.Context, password string) error {
	body, _ := json.Marshal(map[string]string{"password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/login"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK || !out.Success {
		if out.Error == "" {
			out.Error = resp.Status
		}
		return fmt.Errorf("login: %s", out.Error)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == authCookieName {
			c.cookie = ck
		}
	}
	return nil
}

func (c *client) authorize(h http.Header) {
	if c.cookie != nil {
		h.Set("Cookie", c.cookie.Name+"="+c.cookie.Value)
	}
}

// history fetches the stored conversation.
func (c *client) history(ctx context.Context) ([]store.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/messages"), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history: %s", resp.Status)
	}

	var msgs []store.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}

// connect dials the websocket.
func (c *client) connect(ctx context.Context) error {
	header := http.Header{}
	c.authorize(header)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL(), err)
	}
	c.ws = ws
	return nil
}

func (c *client) send(msg protocol.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *client) close() {
	if c.ws == nil {
		return
	}
	c.mu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	c.ws.Close()
}

// listen forwards server events to ch until the connection drops.
func (c *client) listen(ch chan<- tea.Msg) {
	defer close(ch)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			ch <- disconnectedMsg{err: describeClose(err)}
			return
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		ch <- eventMsg{ev: ev}
	}
}

// describeClose turns the server's rejection codes into readable errors.
func describeClose(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case 4000:
		return errors.New("another session is already active on this server")
	case 4001:
		return errors.New("unauthorized: pass --password or set AGENT_PASSWORD")
	case websocket.CloseNormalClosure:
		return nil
	}
	return err
}

func (c *client) sendCmd(msg protocol.ClientMessage) tea.Cmd {
	return func() tea.Msg {
		if err := c.send(msg); err != nil {
			return sendErrMsg{err: err}
		}
		return nil
	}
}

func waitMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}
