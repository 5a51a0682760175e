// Package protocol defines the JSON frames exchanged over a chat connection.
// Every frame is a flat object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Server frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeChatMessage           = "chat_message"
	TypeMessageEdited         = "message_edited"
	TypeMessageDeleted        = "message_deleted"
	TypeMessageRead           = "message_read"
	TypeTypingIndicator       = "typing_indicator"
	TypeOnlineStatus          = "online_status"
	TypeReactionUpdate        = "reaction_update"
	TypeModerationAction      = "moderation_action"
	TypePollCreated           = "poll_created"
	TypeCallStarted           = "call_started"
	TypeCallEnded             = "call_ended"
	TypeCallParticipantJoined = "call_participant_joined"
	TypeCallParticipantLeft   = "call_participant_left"
	TypeParticipantJoined     = "participant_joined"
	TypeParticipantLeft       = "participant_left"
	TypeRecentMessages        = "recent_messages"
	TypeHeartbeat             = "heartbeat"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Client frame types.
const (
	TypeSendMessage   = "send_message"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
	TypeReaction      = "reaction"
	TypeMarkRead      = "mark_read"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
	TypeJoinCall      = "join_call"
	TypeLeaveCall     = "leave_call"
	TypeStartCall     = "start_call"
	TypeEndCall       = "end_call"
	TypeModerate      = "moderate"
	TypePing          = "ping"
)

// Close codes sent when a session ends.
const (
	CloseInternal        = 4000
	CloseUnauthenticated = 4001
	CloseUnauthorized    = 4003
	CloseChatNotFound    = 4004
	ClosePolicyViolation = 4008
)

// Inbound is a decoded client frame whose payload is still raw.
type Inbound struct {
	Type string
	Raw  json.RawMessage
}

// Decode reads the type discriminator of a client frame.
func Decode(data []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %w", err)
	}
	return Inbound{Type: strings.TrimSpace(head.Type), Raw: data}, nil
}

// Payload decodes the frame into v.
func (in Inbound) Payload(v any) error {
	return json.Unmarshal(in.Raw, v)
}

// Header is embedded in every server frame.
type Header struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHeader stamps a frame of type typ.
func NewHeader(typ string, now time.Time) Header {
	return Header{Type: typ, Timestamp: now.UTC()}
}

// Encode marshals a server frame.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
