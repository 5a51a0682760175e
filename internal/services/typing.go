package services

import (
	"context"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"go.uber.org/zap"
)

// StartTyping marks the caller as typing and schedules the automatic stop.
// Repeated starts extend the window.
func (r *MessageRouter) StartTyping(ctx context.Context, c Caller) error {
	if _, err := r.activeMember(ctx, c); err != nil {
		return err
	}
	now := r.now()
	until := now.Add(r.cfg.TypingTimeout)
	if _, err := r.store.UpdateParticipant(ctx, c.ChatID(), c.UserID(), func(p *models.Participant) error {
		p.TypingUntil = &until
		return nil
	}); err != nil {
		return classify(err, nil)
	}
	r.publishTyping(ctx, c, true, now)
	// The timer outlives the frame, so it must not inherit the frame's context.
	c.ScheduleTypingStop(r.cfg.TypingTimeout, func() {
		r.expireTyping(context.Background(), c)
	})
	return nil
}

// StopTyping clears the caller's typing marker.
func (r *MessageRouter) StopTyping(ctx context.Context, c Caller) error {
	c.CancelTypingStop()
	r.clearTyping(ctx, c, false)
	return nil
}

// ClearTyping is called when a session ends. It only broadcasts if the
// marker was still live.
func (r *MessageRouter) ClearTyping(ctx context.Context, c Caller) {
	pending := c.CancelTypingStop()
	r.clearTyping(ctx, c, !pending)
}

func (r *MessageRouter) expireTyping(ctx context.Context, c Caller) {
	r.clearTyping(ctx, c, false)
}

// clearTyping removes the marker and announces the stop. When onlyIfLive is
// set, nothing is published for an already expired marker.
func (r *MessageRouter) clearTyping(ctx context.Context, c Caller, onlyIfLive bool) {
	now := r.now()
	var wasTyping bool
	_, err := r.store.UpdateParticipant(ctx, c.ChatID(), c.UserID(), func(p *models.Participant) error {
		wasTyping = p.IsTyping(now)
		p.TypingUntil = nil
		return nil
	})
	if err != nil {
		r.log.Debug("typing_clear_failed", zap.String("chat_id", c.ChatID()), zap.String("user_id", c.UserID()), zap.Error(err))
	}
	if onlyIfLive && !wasTyping {
		return
	}
	r.publishTyping(ctx, c, false, now)
}

func (r *MessageRouter) publishTyping(ctx context.Context, c Caller, typing bool, now time.Time) {
	r.publish(ctx, bus.RoomGroup(c.ChatID()), protocol.TypingIndicator{
		Header:   protocol.NewHeader(protocol.TypeTypingIndicator, now),
		UserID:   c.UserID(),
		Username: c.Username(),
		IsTyping: typing,
	}, c.ConnID())
}
