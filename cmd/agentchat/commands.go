package main

import (
	"fmt"
	"strings"

	"agentbridge/internal/protocol"
)

type localAction int

const (
	localNone localAction = iota
	localQuit
	localHelp
)

// command is a parsed input line: either a message for the server or an
// action handled by the client itself.
type command struct {
	msg   *protocol.ClientMessage
	local localAction
}

const helpText = `/auth           start sign-in
/code <code>    submit an authorization code or API key
/cancel         cancel sign-in
/reauth         clear credentials and sign in again
/logout         sign out of the backend
/status         re-check sign-in status
/model [name]   show or set the model (empty name resets)
/clear          delete the conversation
/help           show this help
/quit           exit`

func action(name string) command {
	return command{msg: &protocol.ClientMessage{Action: name}}
}

// parseInput maps a line typed by the operator to a command. Plain text is
// a chat message.
func parseInput(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return command{msg: &protocol.ClientMessage{Action: protocol.ActionSendChatMessage, Text: line}}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "auth", "login":
		return action(protocol.ActionInitiateAuth), nil
	case "code":
		if arg == "" {
			return command{}, fmt.Errorf("usage: /code <code>")
		}
		return command{msg: &protocol.ClientMessage{Action: protocol.ActionSubmitAuthCode, Code: arg}}, nil
	case "cancel":
		return action(protocol.ActionCancelAuth), nil
	case "reauth":
		return action(protocol.ActionReauthenticate), nil
	case "logout":
		return action(protocol.ActionLogout), nil
	case "status":
		return action(protocol.ActionCheckAuthStatus), nil
	case "model":
		if arg == "" {
			return action(protocol.ActionGetModel), nil
		}
		if arg == `""` || arg == "-" {
			arg = ""
		}
		return command{msg: &protocol.ClientMessage{Action: protocol.ActionSetModel, Model: arg}}, nil
	case "clear":
		return action(protocol.ActionClearMessages), nil
	case "help", "?":
		return command{local: localHelp}, nil
	case "quit", "exit", "q":
		return command{local: localQuit}, nil
	}
	return command{}, fmt.Errorf("unknown command /%s (try /help)", name)
}
