package services

import (
	"context"
	"errors"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"github.com/google/uuid"
)

var callNotFound = apperrors.NotFound(apperrors.CodeCallNotFound, "call not found")

// StartCall opens a call in the caller's chat. The initiator joins at once.
func (r *MessageRouter) StartCall(ctx context.Context, c Caller, req protocol.StartCall) (*models.Call, error) {
	typ := req.CallType
	if typ == "" {
		typ = models.CallVoice
	}
	if typ != models.CallVoice && typ != models.CallVideo {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "call_type must be voice or video")
	}
	p, err := r.activeMember(ctx, c)
	if err != nil {
		return nil, err
	}
	chat, err := r.store.GetChat(ctx, c.ChatID())
	if err != nil {
		return nil, classify(err, apperrors.NotFound(apperrors.CodeChatNotFound, "chat not found"))
	}
	if chat.Type == models.ChatChannel && !p.Role.IsAdmin() {
		return nil, apperrors.Permission(apperrors.CodePermissionDenied, "only admins can start a call in a channel")
	}
	now := r.now()
	call := &models.Call{
		ID:          uuid.NewString(),
		ChatID:      chat.ID,
		InitiatorID: c.UserID(),
		Type:        typ,
		Status:      models.CallActive,
		StartedAt:   now,
	}
	call.Join(c.UserID(), now)
	if err := r.store.CreateCall(ctx, call); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperrors.Validation(apperrors.CodeCallActive, "a call is already active in this chat")
		}
		return nil, classify(err, nil)
	}
	r.publish(ctx, bus.RoomGroup(chat.ID), protocol.CallStarted{
		Header:      protocol.NewHeader(protocol.TypeCallStarted, now),
		CallID:      call.ID,
		InitiatorID: call.InitiatorID,
		CallType:    call.Type,
	}, "")
	return call, nil
}

// JoinCall adds the caller to an active call. Joining twice is a no-op.
func (r *MessageRouter) JoinCall(ctx context.Context, c Caller, req protocol.CallRef) error {
	if req.CallID == "" {
		return apperrors.Validation(apperrors.CodeInvalidData, "call_id is required")
	}
	if _, err := r.activeMember(ctx, c); err != nil {
		return err
	}
	now := r.now()
	var changed bool
	_, err := r.store.UpdateCall(ctx, c.ChatID(), req.CallID, func(call *models.Call) error {
		if call.Status != models.CallActive {
			return callNotFound
		}
		changed = call.Join(c.UserID(), now)
		return nil
	})
	if err != nil {
		return classify(err, callNotFound)
	}
	if changed {
		r.publish(ctx, bus.RoomGroup(c.ChatID()), protocol.CallParticipant{
			Header:   protocol.NewHeader(protocol.TypeCallParticipantJoined, now),
			CallID:   req.CallID,
			UserID:   c.UserID(),
			Username: c.Username(),
		}, "")
	}
	return nil
}

// LeaveCall removes the caller from a call. Leaving a call that does not exist
// or was never joined is silently ignored.
func (r *MessageRouter) LeaveCall(ctx context.Context, c Caller, req protocol.CallRef) error {
	if req.CallID == "" {
		return apperrors.Validation(apperrors.CodeInvalidData, "call_id is required")
	}
	now := r.now()
	var changed bool
	_, err := r.store.UpdateCall(ctx, c.ChatID(), req.CallID, func(call *models.Call) error {
		changed = call.Status == models.CallActive && call.Leave(c.UserID(), now)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return classify(err, nil)
	}
	if changed {
		r.publish(ctx, bus.RoomGroup(c.ChatID()), protocol.CallParticipant{
			Header:   protocol.NewHeader(protocol.TypeCallParticipantLeft, now),
			CallID:   req.CallID,
			UserID:   c.UserID(),
			Username: c.Username(),
		}, "")
	}
	return nil
}

// EndCall closes an active call. Only the initiator or a participant holding
// can_manage_calls may end it.
func (r *MessageRouter) EndCall(ctx context.Context, c Caller, req protocol.CallRef) error {
	if req.CallID == "" {
		return apperrors.Validation(apperrors.CodeInvalidData, "call_id is required")
	}
	p, err := r.member(ctx, c)
	if err != nil {
		return err
	}
	now := r.now()
	ended, err := r.store.UpdateCall(ctx, c.ChatID(), req.CallID, func(call *models.Call) error {
		if call.Status != models.CallActive {
			return callNotFound
		}
		if call.InitiatorID != c.UserID() && !p.Can(models.PermManageCalls, now) {
			return apperrors.Permission(apperrors.CodePermissionDenied, "you cannot end this call")
		}
		call.End(now)
		return nil
	})
	if err != nil {
		return classify(err, callNotFound)
	}
	r.publish(ctx, bus.RoomGroup(c.ChatID()), protocol.CallEnded{
		Header:          protocol.NewHeader(protocol.TypeCallEnded, now),
		CallID:          ended.ID,
		EndedBy:         c.UserID(),
		DurationSeconds: int64(now.Sub(ended.StartedAt).Seconds()),
	}, "")
	return nil
}
