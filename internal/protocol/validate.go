package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validActions is the set of allowed client→server actions.
var validActions = map[string]bool{
	ActionCheckAuthStatus: true,
	ActionInitiateAuth:    true,
	ActionSubmitAuthCode:  true,
	ActionCancelAuth:      true,
	ActionReauthenticate:  true,
	ActionLogout:          true,
	ActionSendChatMessage: true,
	ActionGetModel:        true,
	ActionSetModel:        true,
	ActionClearMessages:   true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed ClientMessage and any validation error.
func ValidateClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Action == "" {
		return nil, fmt.Errorf("missing 'action' field")
	}

	if !validActions[msg.Action] {
		return nil, fmt.Errorf("unknown action: %s", msg.Action)
	}

	switch msg.Action {
	case ActionSendChatMessage:
		if strings.TrimSpace(msg.Text) == "" {
			return nil, fmt.Errorf("missing required field 'text' in %s", msg.Action)
		}
	case ActionSubmitAuthCode:
		if strings.TrimSpace(msg.Code) == "" {
			return nil, fmt.Errorf("missing required field 'code' in %s", msg.Action)
		}
	}

	return &msg, nil
}

// NewErrorEvent creates an error event ready to send to the client.
func NewErrorEvent(code, message string) Event {
	return NewEvent(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
