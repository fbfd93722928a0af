package main

import (
	"fmt"

	"agentbridge/internal/protocol"
	"agentbridge/internal/store"
)

type entryKind int

const (
	entryUser entryKind = iota
	entryAgent
	entryInfo
	entryError
)

type entry struct {
	kind entryKind
	text string
}

// transcript is the client-side view of the session, built from server
// events.
type transcript struct {
	entries    []entry
	authStatus string
	processing bool
	model      string

	streaming bool
	partial   string
}

func (t *transcript) add(kind entryKind, text string) {
	t.entries = append(t.entries, entry{kind: kind, text: text})
}

func (t *transcript) load(msgs []store.Message) {
	for _, m := range msgs {
		t.add(roleKind(m.Role), m.Body)
	}
}

func roleKind(role string) entryKind {
	if role == store.RoleUser {
		return entryUser
	}
	return entryAgent
}

// apply folds one server event into the transcript.
func (t *transcript) apply(ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeAuthStatus:
		var p protocol.AuthStatusPayload
		if ev.DecodePayload(&p) == nil {
			t.authStatus = p.Status
			t.processing = p.Processing
		}

	case protocol.TypeAuthURLGenerated:
		var p protocol.AuthURLPayload
		ev.DecodePayload(&p)
		t.add(entryInfo, "Open this URL to sign in:\n  "+p.URL+"\nThen paste the code with /code <code>.")

	case protocol.TypeDeviceCode:
		var p protocol.DeviceCodePayload
		ev.DecodePayload(&p)
		t.add(entryInfo, "Device code: "+p.Code)

	case protocol.TypeAuthSuccess:
		t.authStatus = "authenticated"
		t.add(entryInfo, "Signed in.")

	case protocol.TypeError:
		var p protocol.ErrorPayload
		ev.DecodePayload(&p)
		t.streaming = false
		t.partial = ""
		t.add(entryError, describeError(p))

	case protocol.TypeMessage:
		var p protocol.MessagePayload
		ev.DecodePayload(&p)
		t.add(roleKind(p.Role), p.Body)

	case protocol.TypeStreamStart:
		t.streaming = true
		t.processing = true
		t.partial = ""

	case protocol.TypeStreamChunk:
		var p protocol.StreamChunkPayload
		ev.DecodePayload(&p)
		t.partial += p.Text

	case protocol.TypeStreamEnd:
		var p protocol.StreamEndPayload
		ev.DecodePayload(&p)
		t.streaming = false
		t.processing = false
		t.partial = ""
		t.add(entryAgent, p.Message.Body)

	case protocol.TypeModelUpdated:
		var p protocol.ModelPayload
		ev.DecodePayload(&p)
		t.model = p.Model
		t.add(entryInfo, "Model: "+displayModel(p.Model))

	case protocol.TypeLogoutOutput:
		var p protocol.LogoutOutputPayload
		ev.DecodePayload(&p)
		t.add(entryInfo, p.Text)

	case protocol.TypeLogoutSuccess:
		t.authStatus = "unauthenticated"
		t.processing = false
		t.add(entryInfo, "Logged out.")

	case protocol.TypeMessagesCleared:
		t.entries = nil
		t.add(entryInfo, "Conversation cleared.")
	}
}

func describeError(p protocol.ErrorPayload) string {
	switch p.Code {
	case protocol.ErrNeedAuth:
		return "Not signed in. Use /auth first."
	case protocol.ErrBlocked:
		return "The agent is still answering the previous message."
	case protocol.ErrAuthInProgress:
		return "Sign-in is already in progress. Use /code or /cancel."
	}
	if p.Code != "" && p.Code != p.Message {
		return fmt.Sprintf("%s (%s)", p.Message, p.Code)
	}
	return p.Message
}

func displayModel(m string) string {
	if m == "" {
		return "(backend default)"
	}
	return m
}
