package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MaxPayloadBytes = 8192
	MaxTokenLen     = 256
	CurrentVersion  = 1
)

// Control socket actions.
const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
	ActionStatus     = "status"
	ActionChats      = "chats"
	ActionClear      = "clear"
)

// Request is the JSON envelope sent over the socket.
type Request struct {
	Version int             `json:"version"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ActivatePayload is the payload for the "activate" action.
type ActivatePayload struct {
	Token string `json:"token"`
}

// ChatsPayload is the optional payload for the "chats" action. Without a
// chat ID the response lists conversations; with one it carries that log.
type ChatsPayload struct {
	ChatID *int64 `json:"chat_id,omitempty"`
}

// ChatsData is the data of a "chats" response.
type ChatsData struct {
	Conversations []Conversation `json:"conversations,omitempty" yaml:"conversations,omitempty"`
	Entries       []Entry        `json:"entries,omitempty" yaml:"entries,omitempty"`
}

// Response is the JSON envelope sent back to the client.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ValidateRequest checks the request envelope and the payload of known actions.
func ValidateRequest(data []byte) (*Request, error) {
	if len(data) > MaxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds %d byte limit", MaxPayloadBytes)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if req.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported version %d, expected %d", req.Version, CurrentVersion)
	}

	switch req.Action {
	case ActionActivate:
		if _, err := ParseActivatePayload(req.Payload); err != nil {
			return nil, err
		}
	case ActionChats:
		if _, err := ParseChatsPayload(req.Payload); err != nil {
			return nil, err
		}
	case ActionDeactivate, ActionStatus, ActionClear:
	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}

	return &req, nil
}

// ParseActivatePayload decodes and checks an activate payload.
func ParseActivatePayload(raw json.RawMessage) (ActivatePayload, error) {
	if len(raw) == 0 {
		return ActivatePayload{}, fmt.Errorf("missing payload")
	}

	var p ActivatePayload
	if err := decodeStrict(raw, &p); err != nil {
		// The decoder error may quote the token.
		return ActivatePayload{}, fmt.Errorf("invalid activate payload")
	}

	p.Token = strings.TrimSpace(p.Token)
	if p.Token == "" {
		return ActivatePayload{}, fmt.Errorf("token is required")
	}
	if len(p.Token) > MaxTokenLen {
		return ActivatePayload{}, fmt.Errorf("token exceeds %d character limit", MaxTokenLen)
	}
	return p, nil
}

// ParseChatsPayload decodes a chats payload. An absent payload selects the
// conversation list.
func ParseChatsPayload(raw json.RawMessage) (ChatsPayload, error) {
	var p ChatsPayload
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := decodeStrict(raw, &p); err != nil {
		return ChatsPayload{}, fmt.Errorf("invalid chats payload: %w", err)
	}
	return p, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
