package gateway

import (
	"encoding/json"
	"time"
)

// clientFrame is one message received from a console client.
type clientFrame struct {
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`
	Token   string   `json:"token,omitempty"`
	Events  []string `json:"events,omitempty"`
	Command string   `json:"command,omitempty"`
}

// Frame types sent by the server.
const (
	frameWelcome       = "welcome"
	frameAuthSuccess   = "auth_success"
	frameAuthFailed    = "auth_failed"
	framePong          = "pong"
	frameSubscribed    = "subscribed"
	frameEvent         = "event"
	frameCommandResult = "command_result"
	frameCommandError  = "command_error"
	frameError         = "error"
)

// serverFrame is one message sent to a console client. Fields are pointers
// or omitempty so each frame carries only what its type defines.
type serverFrame struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	ConnectionID  string          `json:"connection_id,omitempty"`
	ServerTime    *time.Time      `json:"server_time,omitempty"`
	Timestamp     *time.Time      `json:"ts,omitempty"`
	Authenticated *bool           `json:"authenticated,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	Command       string          `json:"command,omitempty"`
	Code          string          `json:"code,omitempty"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}
