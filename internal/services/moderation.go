package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/metrics"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/notify"
	"github.com/adi-253/Talkie/chatd/internal/presence"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action is one administrative request against a participant or message.
type Action struct {
	Kind         models.ModerationAction
	TargetUserID string
	MessageID    string
	// Duration bounds a ban or restriction; zero means permanent.
	Duration time.Duration
	Reason   string
	// Role is the new role for promote and demote.
	Role models.Role
	// Permissions replaces the target's capabilities on promote, restrict
	// and demote when set.
	Permissions *models.Permission
}

// ModerationEngine applies administrative actions and records them.
type ModerationEngine struct {
	emitter
	store    store.Store
	presence *presence.Tracker
	notifier notify.Notifier
	evictor  Evictor
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewModerationEngine creates an engine. Sessions are only evicted once an
// Evictor is set.
func NewModerationEngine(d Deps) *ModerationEngine {
	return &ModerationEngine{
		emitter:  emitter{bus: d.Bus, log: d.Log.With(zap.String("component", "moderation"))},
		store:    d.Store,
		presence: d.Presence,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		now:      d.clock(),
	}
}

// SetEvictor wires the connection manager in after construction.
func (e *ModerationEngine) SetEvictor(ev Evictor) { e.evictor = ev }

// Moderate converts a moderate frame into an Action on behalf of the caller.
func (r *MessageRouter) Moderate(ctx context.Context, c Caller, req protocol.Moderate) (*models.ModerationLogEntry, error) {
	if req.DurationSeconds < 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "duration_seconds must not be negative")
	}
	actor, err := r.member(ctx, c)
	if err != nil {
		return nil, err
	}
	a := Action{
		Kind:         req.Action,
		TargetUserID: req.TargetUserID,
		MessageID:    req.MessageID,
		Duration:     time.Duration(req.DurationSeconds) * time.Second,
		Reason:       req.Reason,
		Role:         req.Role,
	}
	if req.Permissions != nil {
		perms, err := models.ParsePermissions(req.Permissions)
		if err != nil {
			return nil, apperrors.Validation(apperrors.CodeInvalidData, err.Error())
		}
		a.Permissions = &perms
	}
	if a.Kind == models.ActionDelete {
		entry, _, err := r.moderation.DeleteForEveryone(ctx, actor, a.MessageID, a.Reason)
		return entry, err
	}
	return r.moderation.Apply(ctx, actor, a)
}

// Apply validates and performs a against its target participant. The actor
// must hold the action's capability and strictly outrank the target.
func (e *ModerationEngine) Apply(ctx context.Context, actor *models.Participant, a Action) (*models.ModerationLogEntry, error) {
	perm, ok := a.Kind.RequiredPermission()
	if !ok || a.Kind == models.ActionDelete {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, fmt.Sprintf("unsupported moderation action %q", a.Kind))
	}
	if a.TargetUserID == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "target_user_id is required")
	}
	if a.Duration < 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "duration must not be negative")
	}
	if a.TargetUserID == actor.UserID {
		return nil, apperrors.Permission(apperrors.CodePermissionDenied, "you cannot moderate yourself")
	}
	now := e.now()
	if !actor.Can(perm, now) {
		return nil, apperrors.Permission(apperrors.CodePermissionDenied, "you do not have permission to "+string(a.Kind))
	}

	var oldValue, newValue string
	target, err := e.store.UpdateParticipant(ctx, actor.ChatID, a.TargetUserID, func(p *models.Participant) error {
		if !actor.Role.Outranks(p.Role) {
			return apperrors.Permission(apperrors.CodePermissionDenied, "you can only moderate participants below your role")
		}
		var err error
		oldValue, newValue, err = mutate(actor, p, a, now)
		if err != nil {
			return err
		}
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, classify(err, apperrors.NotFound(apperrors.CodeParticipantNotFound, "participant not found"))
	}

	entry := &models.ModerationLogEntry{
		ID:              uuid.NewString(),
		ChatID:          actor.ChatID,
		ActorID:         actor.UserID,
		TargetUserID:    target.UserID,
		Action:          a.Kind,
		DurationSeconds: int64(a.Duration / time.Second),
		Reason:          a.Reason,
		OldValue:        oldValue,
		NewValue:        newValue,
		CreatedAt:       now,
	}
	// The participant row is already written; a failed log append is reported
	// but does not undo the action.
	if err := e.store.AppendModerationLog(ctx, entry); err != nil {
		e.log.Error("moderation_log_append_failed",
			zap.String("chat_id", entry.ChatID),
			zap.String("action", string(entry.Action)),
			zap.Error(err),
		)
	}
	switch a.Kind {
	case models.ActionBan, models.ActionUnban, models.ActionKick:
		e.presence.InvalidateParticipantCount(ctx, actor.ChatID)
	}
	e.metrics.ModerationApplied(string(a.Kind))
	e.log.Info("moderation_applied",
		zap.String("chat_id", entry.ChatID),
		zap.String("actor_id", entry.ActorID),
		zap.String("target_user_id", entry.TargetUserID),
		zap.String("action", string(entry.Action)),
	)

	e.publish(ctx, bus.RoomGroup(actor.ChatID), protocol.ModerationAction{
		Header:          protocol.NewHeader(protocol.TypeModerationAction, now),
		Action:          a.Kind,
		ModeratorID:     actor.UserID,
		TargetUserID:    target.UserID,
		Reason:          a.Reason,
		DurationSeconds: entry.DurationSeconds,
		NewValue:        newValue,
	}, "")

	switch a.Kind {
	case models.ActionBan, models.ActionRestrict, models.ActionPromote, models.ActionDemote:
		e.notifier.Notify(ctx, target.UserID, notify.Payload{
			Kind:   notify.KindModeration,
			ChatID: actor.ChatID,
			Title:  "Moderation",
			Body:   moderationNotice(a.Kind, newValue),
			Data: map[string]string{
				"action":       string(a.Kind),
				"moderator_id": actor.UserID,
				"reason":       a.Reason,
			},
			CreatedAt: now,
		})
	}
	if e.evictor != nil && (a.Kind == models.ActionBan || a.Kind == models.ActionKick) {
		e.evictor.Evict(actor.ChatID, target.UserID, protocol.ClosePolicyViolation, string(a.Kind))
	}
	return entry, nil
}

// mutate applies a to the target row and returns the before and after values
// recorded in the log.
func mutate(actor, p *models.Participant, a Action, now time.Time) (string, string, error) {
	status := p.EffectiveStatus(now)
	until := func() *time.Time {
		if a.Duration == 0 {
			return nil
		}
		t := now.Add(a.Duration)
		return &t
	}

	switch a.Kind {
	case models.ActionBan:
		old := string(status)
		p.Status = models.StatusBanned
		p.BannedUntil = until()
		p.TypingUntil = nil
		return old, string(p.Status), nil

	case models.ActionUnban:
		if status != models.StatusBanned {
			return "", "", apperrors.Validation(apperrors.CodeInvalidData, "participant is not banned")
		}
		p.Status = models.StatusLeft
		p.BannedUntil = nil
		return string(models.StatusBanned), string(p.Status), nil

	case models.ActionKick:
		if !p.CanAccess(now) {
			return "", "", apperrors.Validation(apperrors.CodeInvalidData, "participant is not in the chat")
		}
		old := string(status)
		p.Status = models.StatusKicked
		p.TypingUntil = nil
		return old, string(p.Status), nil

	case models.ActionRestrict:
		if status != models.StatusActive && status != models.StatusRestricted {
			return "", "", apperrors.Validation(apperrors.CodeInvalidData, "participant is not in the chat")
		}
		old := p.Permissions.String()
		p.Status = models.StatusRestricted
		p.RestrictedUntil = until()
		if a.Permissions != nil {
			p.Permissions = *a.Permissions
		}
		return old, p.Permissions.String(), nil

	case models.ActionUnrestrict:
		if status != models.StatusRestricted {
			return "", "", apperrors.Validation(apperrors.CodeInvalidData, "participant is not restricted")
		}
		p.Status = models.StatusActive
		p.RestrictedUntil = nil
		if p.Permissions == 0 {
			p.Permissions = models.DefaultPermissions(p.Role)
		}
		return string(models.StatusRestricted), string(p.Status), nil

	case models.ActionPromote, models.ActionDemote:
		role := a.Role
		if role == "" {
			role = models.RoleModerator
			if a.Kind == models.ActionDemote {
				role = models.RoleMember
			}
		}
		if !role.Valid() || role == models.RoleOwner {
			return "", "", apperrors.Validation(apperrors.CodeInvalidData, "invalid role")
		}
		if !actor.Role.Outranks(role) {
			return "", "", apperrors.Permission(apperrors.CodePermissionDenied, "you can only assign roles below your own")
		}
		if a.Kind == models.ActionPromote && !role.Outranks(p.Role) {
			return "", "", apperrors.Validation(apperrors.CodeInvalidData, "promotion must raise the role")
		}
		if a.Kind == models.ActionDemote && !p.Role.Outranks(role) {
			return "", "", apperrors.Validation(apperrors.CodeInvalidData, "demotion must lower the role")
		}
		perms := models.DefaultPermissions(role)
		if a.Permissions != nil {
			perms = *a.Permissions
		}
		if actor.Role != models.RoleOwner && !actor.Permissions.Has(perms) {
			return "", "", apperrors.Permission(apperrors.CodePermissionDenied, "you cannot grant permissions you do not hold")
		}
		old := string(p.Role)
		p.Role = role
		p.Permissions = perms
		return old, string(role), nil
	}
	return "", "", apperrors.Validation(apperrors.CodeInvalidData, "unsupported moderation action")
}

func moderationNotice(kind models.ModerationAction, newValue string) string {
	switch kind {
	case models.ActionBan:
		return "You were banned from the chat"
	case models.ActionRestrict:
		return "Your permissions in the chat were restricted"
	case models.ActionPromote:
		return "You were promoted to " + newValue
	case models.ActionDemote:
		return "You were demoted to " + newValue
	}
	return string(kind)
}

// DeleteForEveryone redacts a message for all participants. It requires
// can_delete_messages, and deleting another user's message additionally
// requires outranking its sender and is logged.
func (e *ModerationEngine) DeleteForEveryone(ctx context.Context, actor *models.Participant, messageID, reason string) (*models.ModerationLogEntry, *models.Message, error) {
	if messageID == "" {
		return nil, nil, apperrors.Validation(apperrors.CodeInvalidData, "message_id is required")
	}
	now := e.now()
	if !actor.Can(models.PermDeleteMessages, now) {
		return nil, nil, apperrors.Permission(apperrors.CodeDeleteDenied, "you do not have permission to delete messages for everyone")
	}
	msg, err := e.store.GetMessage(ctx, actor.ChatID, messageID)
	if err != nil {
		return nil, nil, classify(err, apperrors.NotFound(apperrors.CodeMessageNotFound, "message not found"))
	}
	foreign := msg.SenderID != actor.UserID
	if foreign && msg.SenderID != "" {
		sender, err := e.store.GetParticipant(ctx, actor.ChatID, msg.SenderID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, nil, classify(err, nil)
		case !actor.Role.Outranks(sender.Role):
			return nil, nil, apperrors.Permission(apperrors.CodeDeleteDenied, "you can only delete messages of participants below your role")
		}
	}

	deleted, err := e.store.UpdateMessage(ctx, actor.ChatID, messageID, func(m *models.Message) error {
		if m.Status == models.MessageDeleted {
			return apperrors.NotFound(apperrors.CodeMessageNotFound, "message already deleted")
		}
		m.Redact(actor.UserID, now)
		return nil
	})
	if err != nil {
		return nil, nil, classify(err, apperrors.NotFound(apperrors.CodeMessageNotFound, "message not found"))
	}

	room := bus.RoomGroup(actor.ChatID)
	var entry *models.ModerationLogEntry
	if foreign {
		entry = &models.ModerationLogEntry{
			ID:              uuid.NewString(),
			ChatID:          actor.ChatID,
			ActorID:         actor.UserID,
			TargetUserID:    msg.SenderID,
			TargetMessageID: msg.ID,
			Action:          models.ActionDelete,
			Reason:          reason,
			OldValue:        string(msg.Status),
			NewValue:        string(models.MessageDeleted),
			CreatedAt:       now,
		}
		if err := e.store.AppendModerationLog(ctx, entry); err != nil {
			e.log.Error("moderation_log_append_failed", zap.String("chat_id", actor.ChatID), zap.String("action", string(entry.Action)), zap.Error(err))
		}
		e.metrics.ModerationApplied(string(models.ActionDelete))
		e.publish(ctx, room, protocol.ModerationAction{
			Header:       protocol.NewHeader(protocol.TypeModerationAction, now),
			Action:       models.ActionDelete,
			ModeratorID:  actor.UserID,
			TargetUserID: msg.SenderID,
			MessageID:    msg.ID,
			Reason:       reason,
		}, "")
	}
	e.publish(ctx, room, protocol.MessageDeleted{
		Header:            protocol.NewHeader(protocol.TypeMessageDeleted, now),
		MessageID:         deleted.ID,
		DeleteForEveryone: true,
		DeletedBy:         actor.UserID,
	}, "")
	return entry, deleted, nil
}
