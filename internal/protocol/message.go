package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientMessage is an inbound action from the operator's client. Fields
// other than Action are only meaningful for the actions that use them.
type ClientMessage struct {
	Action string `json:"action"`
	Text   string `json:"text,omitempty"`
	Code   string `json:"code,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Client → Server actions.
const (
	ActionCheckAuthStatus = "check_auth_status"
	ActionInitiateAuth    = "initiate_auth"
	ActionSubmitAuthCode  = "submit_auth_code"
	ActionCancelAuth      = "cancel_auth"
	ActionReauthenticate  = "reauthenticate"
	ActionLogout          = "logout"
	ActionSendChatMessage = "send_chat_message"
	ActionGetModel        = "get_model"
	ActionSetModel        = "set_model"
	ActionClearMessages   = "clear_messages"
)

// Server → Client event types.
const (
	TypeAuthStatus       = "auth_status"
	TypeAuthURLGenerated = "auth_url_generated"
	TypeDeviceCode       = "device_code"
	TypeAuthSuccess      = "auth_success"
	TypeError            = "error"
	TypeMessage          = "message"
	TypeStreamStart      = "stream_start"
	TypeStreamChunk      = "stream_chunk"
	TypeStreamEnd        = "stream_end"
	TypeModelUpdated     = "model_updated"
	TypeLogoutOutput     = "logout_output"
	TypeLogoutSuccess    = "logout_success"
	TypeMessagesCleared  = "messages_cleared"
)

// Error codes. Admission errors use the code as the message too.
const (
	ErrNeedAuth       = "NEED_AUTH"
	ErrBlocked        = "BLOCKED"
	ErrAuthInProgress = "AUTH_IN_PROGRESS"
	ErrInvalidMessage = "INVALID_MESSAGE"
)

// Event is one outbound notification. On the wire the payload's fields sit
// next to "type" in a single flat object.
type Event struct {
	Type    string
	Payload any
}

// NewEvent creates an event. payload may be nil or any value that encodes
// to a JSON object.
func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Payload: payload}
}

// MarshalJSON flattens the payload into the envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("payload for %s is not an object: %w", e.Type, err)
		}
	}
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

// UnmarshalJSON keeps the non-type fields as the raw payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	raw, ok := fields["type"]
	if !ok {
		return fmt.Errorf("missing 'type' field")
	}
	if err := json.Unmarshal(raw, &e.Type); err != nil {
		return fmt.Errorf("invalid 'type' field: %w", err)
	}
	delete(fields, "type")
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	e.Payload = json.RawMessage(payload)
	return nil
}

// DecodePayload unmarshals a received event's payload into v.
func (e Event) DecodePayload(v any) error {
	raw, ok := e.Payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		raw = data
	}
	return json.Unmarshal(raw, v)
}

// Server → Client payloads.

type AuthStatusPayload struct {
	Status     string `json:"status"`
	Processing bool   `json:"processing"`
}

type AuthURLPayload struct {
	URL string `json:"url"`
}

type DeviceCodePayload struct {
	Code string `json:"code"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// MessagePayload is a persisted conversation message.
type MessagePayload struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

type StreamChunkPayload struct {
	Text string `json:"text"`
}

type StreamEndPayload struct {
	Message MessagePayload `json:"message"`
}

type ModelPayload struct {
	Model string `json:"model"`
}

type LogoutOutputPayload struct {
	Text string `json:"text"`
}
