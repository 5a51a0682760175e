package services

import (
	"context"
	"fmt"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/metrics"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/notify"
	"github.com/adi-253/Talkie/chatd/internal/presence"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"go.uber.org/zap"
)

// RouterConfig holds the router's time limits.
type RouterConfig struct {
	EditWindow    time.Duration
	TypingTimeout time.Duration
}

// MessageRouter dispatches inbound client frames. Frames from one caller are
// handled in arrival order by that caller's read loop; the router itself holds
// no per-connection state.
type MessageRouter struct {
	emitter
	store      store.Store
	presence   *presence.Tracker
	notifier   notify.Notifier
	moderation *ModerationEngine
	metrics    *metrics.Metrics
	cfg        RouterConfig
	now        func() time.Time

	// senders serializes the slow-mode check and append per (chat, sender)
	// so two devices of one user cannot both pass the check.
	senders keyedMutex
}

// NewMessageRouter creates a router that delegates administrative actions to moderation.
func NewMessageRouter(d Deps, moderation *ModerationEngine, cfg RouterConfig) *MessageRouter {
	log := d.Log.With(zap.String("component", "router"))
	return &MessageRouter{
		emitter:    emitter{bus: d.Bus, log: log},
		store:      d.Store,
		presence:   d.Presence,
		notifier:   d.Notifier,
		moderation: moderation,
		metrics:    d.Metrics,
		cfg:        cfg,
		now:        d.clock(),
	}
}

// Dispatch decodes and handles one client frame. Failures are answered with an
// error frame on the caller's connection and returned; the connection stays open.
func (r *MessageRouter) Dispatch(ctx context.Context, c Caller, data []byte) error {
	in, err := protocol.Decode(data)
	if err != nil {
		err = apperrors.Validation(apperrors.CodeInvalidJSON, "frame is not valid JSON")
		r.replyError(c, "", err)
		return err
	}
	if err := r.route(ctx, c, in); err != nil {
		r.replyError(c, in.Type, err)
		return err
	}
	return nil
}

// DispatchAccount handles one frame from a user-level notifications socket.
// Such a socket is not attached to a chat, so only ping is accepted.
func (r *MessageRouter) DispatchAccount(c Caller, data []byte) error {
	in, err := protocol.Decode(data)
	if err != nil {
		err = apperrors.Validation(apperrors.CodeInvalidJSON, "frame is not valid JSON")
		r.replyError(c, "", err)
		return err
	}
	r.metrics.FrameReceived(frameLabel(in.Type))
	if in.Type != protocol.TypePing {
		err := apperrors.Validation(apperrors.CodeUnknownMessageType, fmt.Sprintf("message type %q is not accepted without a chat", in.Type))
		r.replyError(c, in.Type, err)
		return err
	}
	r.reply(c, protocol.Pong{Header: protocol.NewHeader(protocol.TypePong, r.now())})
	return nil
}

func (r *MessageRouter) route(ctx context.Context, c Caller, in protocol.Inbound) error {
	r.metrics.FrameReceived(frameLabel(in.Type))
	switch in.Type {
	case protocol.TypeSendMessage:
		var req protocol.SendMessage
		if err := decode(in, &req); err != nil {
			return err
		}
		_, err := r.SendMessage(ctx, c, req)
		return err
	case protocol.TypeEditMessage:
		var req protocol.EditMessage
		if err := decode(in, &req); err != nil {
			return err
		}
		_, err := r.EditMessage(ctx, c, req)
		return err
	case protocol.TypeDeleteMessage:
		var req protocol.DeleteMessage
		if err := decode(in, &req); err != nil {
			return err
		}
		_, err := r.DeleteMessage(ctx, c, req)
		return err
	case protocol.TypeReaction:
		var req protocol.Reaction
		if err := decode(in, &req); err != nil {
			return err
		}
		_, err := r.React(ctx, c, req)
		return err
	case protocol.TypeMarkRead:
		var req protocol.MarkRead
		if err := decode(in, &req); err != nil {
			return err
		}
		return r.MarkRead(ctx, c, req)
	case protocol.TypeTypingStart:
		return r.StartTyping(ctx, c)
	case protocol.TypeTypingStop:
		return r.StopTyping(ctx, c)
	case protocol.TypeJoinCall:
		var req protocol.CallRef
		if err := decode(in, &req); err != nil {
			return err
		}
		return r.JoinCall(ctx, c, req)
	case protocol.TypeLeaveCall:
		var req protocol.CallRef
		if err := decode(in, &req); err != nil {
			return err
		}
		return r.LeaveCall(ctx, c, req)
	case protocol.TypeStartCall:
		var req protocol.StartCall
		if err := decode(in, &req); err != nil {
			return err
		}
		_, err := r.StartCall(ctx, c, req)
		return err
	case protocol.TypeEndCall:
		var req protocol.CallRef
		if err := decode(in, &req); err != nil {
			return err
		}
		return r.EndCall(ctx, c, req)
	case protocol.TypeModerate:
		var req protocol.Moderate
		if err := decode(in, &req); err != nil {
			return err
		}
		_, err := r.Moderate(ctx, c, req)
		return err
	case protocol.TypePing:
		r.reply(c, protocol.Pong{Header: protocol.NewHeader(protocol.TypePong, r.now())})
		return nil
	default:
		return apperrors.Validation(apperrors.CodeUnknownMessageType, fmt.Sprintf("unknown message type %q", in.Type))
	}
}

var clientTypes = map[string]bool{
	protocol.TypeSendMessage: true, protocol.TypeEditMessage: true, protocol.TypeDeleteMessage: true,
	protocol.TypeReaction: true, protocol.TypeMarkRead: true, protocol.TypeTypingStart: true,
	protocol.TypeTypingStop: true, protocol.TypeJoinCall: true, protocol.TypeLeaveCall: true,
	protocol.TypeStartCall: true, protocol.TypeEndCall: true, protocol.TypeModerate: true,
	protocol.TypePing: true,
}

func frameLabel(typ string) string {
	if clientTypes[typ] {
		return typ
	}
	return "unknown"
}

func decode(in protocol.Inbound, v any) error {
	if err := in.Payload(v); err != nil {
		return apperrors.Validation(apperrors.CodeInvalidData, "invalid payload for "+in.Type)
	}
	return nil
}

// Reject answers c with an error frame for a frame that was never routed.
func (r *MessageRouter) Reject(c Caller, err error) {
	r.replyError(c, "", err)
}

// replyError converts err into an error frame. Internal details are logged,
// never sent.
func (r *MessageRouter) replyError(c Caller, frameType string, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal("unexpected failure", err)
	}
	msg := appErr.Message
	if appErr.Kind == apperrors.KindInternal {
		r.log.Error("frame_failed",
			zap.String("frame_type", frameType),
			zap.String("chat_id", c.ChatID()),
			zap.String("user_id", c.UserID()),
			zap.String("conn_id", c.ConnID()),
			zap.Error(err),
		)
		msg = "internal error"
	}
	r.metrics.ErrorSent(appErr.Code)
	r.reply(c, protocol.Error{
		Header:    protocol.NewHeader(protocol.TypeError, r.now()),
		Code:      appErr.Code,
		Message:   msg,
		Remaining: appErr.Remaining,
	})
}

// member loads the caller's row and requires read access to the chat.
func (r *MessageRouter) member(ctx context.Context, c Caller) (*models.Participant, error) {
	p, err := r.store.GetParticipant(ctx, c.ChatID(), c.UserID())
	if err != nil {
		return nil, classify(err, apperrors.Permission(apperrors.CodePermissionDenied, "you are not a participant of this chat"))
	}
	if !p.CanAccess(r.now()) {
		return nil, apperrors.Permission(apperrors.CodePermissionDenied, "your membership in this chat is not active")
	}
	return p, nil
}

// activeMember is member plus a write-capable status.
func (r *MessageRouter) activeMember(ctx context.Context, c Caller) (*models.Participant, error) {
	p, err := r.member(ctx, c)
	if err != nil {
		return nil, err
	}
	if p.EffectiveStatus(r.now()) != models.StatusActive {
		return nil, apperrors.Permission(apperrors.CodePermissionDenied, "you are restricted in this chat")
	}
	return p, nil
}
