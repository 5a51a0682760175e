package services

import (
	"context"
	"math"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/notify"
	"github.com/adi-253/Talkie/chatd/internal/presence"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxEmojiBytes = 32

// SendMessage validates and stores a new message, then fans it out to the
// whole room, the sender's other devices included.
func (r *MessageRouter) SendMessage(ctx context.Context, c Caller, req protocol.SendMessage) (*models.Message, error) {
	msg, err := buildMessage(c, req)
	if err != nil {
		return nil, err
	}

	unlock := r.senders.Lock(c.ChatID() + "/" + c.UserID())
	defer unlock()

	chat, err := r.store.GetChat(ctx, c.ChatID())
	if err != nil {
		return nil, classify(err, apperrors.NotFound(apperrors.CodeChatNotFound, "chat not found"))
	}
	if !chat.AcceptsMessages() {
		return nil, apperrors.Permission(apperrors.CodePermissionDenied, "this chat does not accept new messages")
	}
	sender, err := r.store.GetParticipant(ctx, chat.ID, c.UserID())
	if err != nil {
		return nil, classify(err, apperrors.Permission(apperrors.CodePermissionDenied, "you are not a participant of this chat"))
	}
	now := r.now()
	if err := checkSendPermission(chat, sender, msg.Type, now); err != nil {
		return nil, err
	}
	if chat.SlowModeDelay > 0 && !sender.Role.IsAdmin() {
		if left := r.presence.SlowModeRemaining(ctx, chat.ID, sender.UserID, chat.SlowMode(), sender.LastActivityAt); left > 0 {
			return nil, apperrors.RateLimit(apperrors.CodeSlowMode, int(math.Ceil(left.Seconds())))
		}
	}
	if msg.ReplyToID != "" {
		if _, err := r.store.GetMessage(ctx, chat.ID, msg.ReplyToID); err != nil {
			return nil, classify(err, apperrors.NotFound(apperrors.CodeMessageNotFound, "replied message not found"))
		}
	}

	participants, err := r.store.ListParticipants(ctx, chat.ID)
	if err != nil {
		return nil, classify(err, nil)
	}
	msg.Mentions = mentionedUsers(msg.Content, participants, sender.UserID)
	msg.CreatedAt = now
	if req.TTLSeconds > 0 {
		at := now.Add(time.Duration(req.TTLSeconds) * time.Second)
		msg.AutoDeleteAt = &at
	}
	stored, err := r.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, classify(err, apperrors.NotFound(apperrors.CodeChatNotFound, "chat not found"))
	}

	r.presence.RecordSend(ctx, chat.ID, sender.UserID, chat.SlowMode())
	wasTyping := sender.IsTyping(now)
	if _, err := r.store.UpdateParticipant(ctx, chat.ID, sender.UserID, func(p *models.Participant) error {
		p.LastActivityAt = &now
		p.TypingUntil = nil
		return nil
	}); err != nil {
		r.log.Warn("sender_activity_update_failed", zap.String("chat_id", chat.ID), zap.String("user_id", sender.UserID), zap.Error(err))
	}
	r.bumpUnread(ctx, stored, participants, now)
	r.metrics.MessageSent()

	room := bus.RoomGroup(chat.ID)
	r.publish(ctx, room, protocol.ChatMessage{
		Header:  protocol.NewHeader(protocol.TypeChatMessage, now),
		Message: protocol.NewMessageView(stored),
	}, "")
	if stored.Poll != nil {
		r.publish(ctx, room, protocol.PollCreated{
			Header:    protocol.NewHeader(protocol.TypePollCreated, now),
			MessageID: stored.ID,
			SenderID:  stored.SenderID,
			Poll:      stored.Poll,
		}, "")
	}
	if c.CancelTypingStop() || wasTyping {
		r.publish(ctx, room, protocol.TypingIndicator{
			Header:   protocol.NewHeader(protocol.TypeTypingIndicator, now),
			UserID:   c.UserID(),
			Username: c.Username(),
			IsTyping: false,
		}, c.ConnID())
	}
	r.pushOffline(ctx, chat, c.Username(), stored, participants, now)
	return stored, nil
}

func buildMessage(c Caller, req protocol.SendMessage) (*models.Message, error) {
	typ := req.MessageType
	if typ == "" {
		switch {
		case req.Poll != nil:
			typ = models.MessagePoll
		case req.Location != nil:
			typ = models.MessageLocation
		case req.Contact != nil:
			typ = models.MessageContact
		default:
			typ = models.MessageText
		}
	}
	if !typ.Valid() || typ == models.MessageSystem || typ == models.MessageCall {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "unsupported message type")
	}
	content := strings.TrimSpace(req.Content)
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "message content is too long")
	}
	if req.TTLSeconds < 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "ttl_seconds must not be negative")
	}
	msg := &models.Message{
		ID:            uuid.NewString(),
		ChatID:        c.ChatID(),
		SenderID:      c.UserID(),
		Type:          typ,
		Content:       content,
		Status:        models.MessageSent,
		ReplyToID:     req.ReplyTo,
		ForwardFromID: req.ForwardFrom,
		Attachment:    req.Attachment,
		Poll:          req.Poll,
		Location:      req.Location,
		Contact:       req.Contact,
	}
	if !msg.HasPayload() {
		return nil, apperrors.Validation(apperrors.CodeEmptyMessage, "message content cannot be empty")
	}
	if err := validatePayload(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func validatePayload(m *models.Message) error {
	invalid := func(msg string) error { return apperrors.Validation(apperrors.CodeInvalidData, msg) }
	switch {
	case m.Type == models.MessagePoll:
		if m.Poll == nil || strings.TrimSpace(m.Poll.Question) == "" {
			return invalid("poll requires a question")
		}
		if n := len(m.Poll.Options); n < 2 || n > 10 {
			return invalid("poll requires between 2 and 10 options")
		}
		for _, o := range m.Poll.Options {
			if strings.TrimSpace(o) == "" {
				return invalid("poll options cannot be empty")
			}
		}
	case m.Type == models.MessageLocation:
		if m.Location == nil || math.Abs(m.Location.Latitude) > 90 || math.Abs(m.Location.Longitude) > 180 {
			return invalid("location is out of range")
		}
	case m.Type == models.MessageContact:
		if m.Contact == nil || strings.TrimSpace(m.Contact.PhoneNumber) == "" {
			return invalid("contact requires a phone number")
		}
	case m.Type.IsMedia() || m.Type == models.MessageSticker:
		if m.Attachment == nil || m.Attachment.FileID == "" {
			return invalid("media messages require an attachment")
		}
	}
	if m.Poll != nil && m.Type != models.MessagePoll {
		return invalid("poll payload on a non-poll message")
	}
	return nil
}

func checkSendPermission(chat *models.Chat, p *models.Participant, typ models.MessageType, now time.Time) error {
	if p.EffectiveStatus(now) != models.StatusActive {
		return apperrors.Permission(apperrors.CodePermissionDenied, "you cannot send messages in this chat")
	}
	if chat.Type == models.ChatChannel && !p.Role.IsAdmin() {
		return apperrors.Permission(apperrors.CodePermissionDenied, "only admins can post in a channel")
	}
	need := models.PermSendMessages
	switch {
	case typ.IsMedia():
		need |= models.PermSendMedia
	case typ == models.MessageSticker:
		need |= models.PermSendStickers
	case typ == models.MessagePoll:
		need |= models.PermSendPolls
	}
	if !p.Can(need, now) {
		return apperrors.Permission(apperrors.CodePermissionDenied, "you do not have permission to send this message")
	}
	return nil
}

// mentionedUsers returns the participants whose @username appears in content.
func mentionedUsers(content string, participants []*models.Participant, senderID string) []string {
	if !strings.Contains(content, "@") {
		return nil
	}
	lower := strings.ToLower(content)
	var out []string
	for _, p := range participants {
		if p.UserID == senderID || p.Username == "" {
			continue
		}
		if hasMention(lower, "@"+strings.ToLower(p.Username)) {
			out = append(out, p.UserID)
		}
	}
	return out
}

func hasMention(content, handle string) bool {
	for i := 0; ; {
		j := strings.Index(content[i:], handle)
		if j < 0 {
			return false
		}
		end := i + j + len(handle)
		if end == len(content) {
			return true
		}
		next, _ := utf8.DecodeRuneInString(content[end:])
		if !unicode.IsLetter(next) && !unicode.IsDigit(next) && next != '_' {
			return true
		}
		i = end
	}
}

// bumpUnread increments counters of every other participant who can read the
// chat and has not muted it. Each row is updated atomically on its own.
func (r *MessageRouter) bumpUnread(ctx context.Context, msg *models.Message, participants []*models.Participant, now time.Time) {
	for _, p := range participants {
		if p.UserID == msg.SenderID || !p.CanAccess(now) || p.IsMuted(now) {
			continue
		}
		mentioned := slices.Contains(msg.Mentions, p.UserID)
		updated, err := r.store.UpdateParticipant(ctx, msg.ChatID, p.UserID, func(q *models.Participant) error {
			q.UnreadCount++
			if mentioned {
				q.MentionCount++
			}
			return nil
		})
		if err != nil {
			r.log.Warn("unread_increment_failed", zap.String("chat_id", msg.ChatID), zap.String("user_id", p.UserID), zap.Error(err))
			continue
		}
		r.presence.SetUnread(ctx, msg.ChatID, p.UserID, presence.Counters{Unread: updated.UnreadCount, Mentions: updated.MentionCount})
	}
}

// pushOffline notifies participants that are not online in the chat, honoring
// their notification level.
func (r *MessageRouter) pushOffline(ctx context.Context, chat *models.Chat, senderName string, msg *models.Message, participants []*models.Participant, now time.Time) {
	online, err := r.presence.OnlineUsers(ctx, chat.ID)
	if err != nil {
		r.log.Warn("push_skipped_presence_unavailable", zap.String("chat_id", chat.ID), zap.Error(err))
		return
	}
	title := chat.Title
	if title == "" {
		title = senderName
	}
	for _, p := range participants {
		if p.UserID == msg.SenderID || !p.CanAccess(now) || p.IsMuted(now) || slices.Contains(online, p.UserID) {
			continue
		}
		mentioned := slices.Contains(msg.Mentions, p.UserID)
		if p.NotificationLevel == models.NotifyMentions && !mentioned {
			continue
		}
		kind := notify.KindNewMessage
		if mentioned {
			kind = notify.KindMention
		}
		r.notifier.Notify(ctx, p.UserID, notify.Payload{
			Kind:   kind,
			ChatID: chat.ID,
			Title:  title,
			Body:   preview(msg),
			Data: map[string]string{
				"message_id": msg.ID,
				"sender_id":  msg.SenderID,
			},
			CreatedAt: now,
		})
	}
}

func preview(m *models.Message) string {
	if m.Content != "" {
		const max = 100
		if utf8.RuneCountInString(m.Content) > max {
			return string([]rune(m.Content)[:max]) + "…"
		}
		return m.Content
	}
	return "[" + string(m.Type) + "]"
}

// EditMessage replaces the content of the caller's own message.
func (r *MessageRouter) EditMessage(ctx context.Context, c Caller, req protocol.EditMessage) (*models.Message, error) {
	if req.MessageID == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "message_id is required")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperrors.Validation(apperrors.CodeEmptyMessage, "message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "message content is too long")
	}
	if _, err := r.activeMember(ctx, c); err != nil {
		return nil, err
	}
	now := r.now()
	updated, err := r.store.UpdateMessage(ctx, c.ChatID(), req.MessageID, func(m *models.Message) error {
		switch {
		case m.SenderID != c.UserID():
			return apperrors.Permission(apperrors.CodeEditDenied, "only the sender can edit this message")
		case m.Status == models.MessageDeleted:
			return apperrors.Permission(apperrors.CodeEditDenied, "deleted messages cannot be edited")
		case !m.Type.Editable():
			return apperrors.Permission(apperrors.CodeEditDenied, "this message type cannot be edited")
		case now.Sub(m.CreatedAt) > r.cfg.EditWindow:
			return apperrors.Permission(apperrors.CodeEditDenied, "the edit window has passed")
		}
		if m.EditCount == 0 {
			m.OriginalContent = m.Content
		}
		m.Content = content
		m.EditCount++
		m.EditedAt = &now
		m.Status = models.MessageEdited
		return nil
	})
	if err != nil {
		return nil, classify(err, apperrors.NotFound(apperrors.CodeMessageNotFound, "message not found"))
	}
	r.publish(ctx, bus.RoomGroup(c.ChatID()), protocol.MessageEdited{
		Header:    protocol.NewHeader(protocol.TypeMessageEdited, now),
		MessageID: updated.ID,
		Content:   updated.Content,
		EditCount: updated.EditCount,
		EditedAt:  now,
		EditedBy:  c.UserID(),
	}, "")
	return updated, nil
}

// DeleteMessage hides a message for the caller, or redacts it for everyone
// through the moderation engine.
func (r *MessageRouter) DeleteMessage(ctx context.Context, c Caller, req protocol.DeleteMessage) (*models.Message, error) {
	if req.MessageID == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "message_id is required")
	}
	p, err := r.member(ctx, c)
	if err != nil {
		return nil, err
	}
	if req.DeleteForEveryone {
		_, msg, err := r.moderation.DeleteForEveryone(ctx, p, req.MessageID, "")
		return msg, err
	}
	updated, err := r.store.UpdateMessage(ctx, c.ChatID(), req.MessageID, func(m *models.Message) error {
		m.HideFor(c.UserID())
		return nil
	})
	if err != nil {
		return nil, classify(err, apperrors.NotFound(apperrors.CodeMessageNotFound, "message not found"))
	}
	r.publish(ctx, bus.UserGroup(c.UserID()), protocol.MessageDeleted{
		Header:    protocol.NewHeader(protocol.TypeMessageDeleted, r.now()),
		MessageID: updated.ID,
		DeletedBy: c.UserID(),
	}, "")
	return updated, nil
}

// React toggles the caller's reaction. Repeating the same toggle undoes it.
func (r *MessageRouter) React(ctx context.Context, c Caller, req protocol.Reaction) (*models.Message, error) {
	emoji := strings.TrimSpace(req.Emoji)
	if req.MessageID == "" || emoji == "" || len(emoji) > maxEmojiBytes {
		return nil, apperrors.Validation(apperrors.CodeInvalidData, "message_id and emoji are required")
	}
	if _, err := r.activeMember(ctx, c); err != nil {
		return nil, err
	}
	var added bool
	updated, err := r.store.UpdateMessage(ctx, c.ChatID(), req.MessageID, func(m *models.Message) error {
		if m.Status == models.MessageDeleted {
			return apperrors.NotFound(apperrors.CodeMessageNotFound, "message not found")
		}
		added = m.ToggleReaction(emoji, c.UserID())
		return nil
	})
	if err != nil {
		return nil, classify(err, apperrors.NotFound(apperrors.CodeMessageNotFound, "message not found"))
	}
	r.publish(ctx, bus.RoomGroup(c.ChatID()), protocol.ReactionUpdate{
		Header:    protocol.NewHeader(protocol.TypeReactionUpdate, r.now()),
		MessageID: updated.ID,
		UserID:    c.UserID(),
		Emoji:     emoji,
		Added:     added,
		Reactions: updated.ReactionSummary(),
	}, "")
	return updated, nil
}

// MarkRead advances the caller's read pointer and emits a receipt to every
// connection in the room except the originating one.
func (r *MessageRouter) MarkRead(ctx context.Context, c Caller, req protocol.MarkRead) error {
	if req.MessageID == "" {
		return apperrors.Validation(apperrors.CodeInvalidData, "message_id is required")
	}
	if _, err := r.member(ctx, c); err != nil {
		return err
	}
	msg, err := r.store.GetMessage(ctx, c.ChatID(), req.MessageID)
	if err != nil {
		return classify(err, apperrors.NotFound(apperrors.CodeMessageNotFound, "message not found"))
	}
	now := r.now()
	p, err := r.store.MarkRead(ctx, c.ChatID(), c.UserID(), msg.Seq, msg.ID, now)
	if err != nil {
		return classify(err, nil)
	}
	r.presence.SetUnread(ctx, c.ChatID(), c.UserID(), presence.Counters{Unread: p.UnreadCount, Mentions: p.MentionCount})

	if msg.SenderID != c.UserID() && (msg.Status == models.MessageSent || msg.Status == models.MessageDelivered) {
		if _, err := r.store.UpdateMessage(ctx, c.ChatID(), msg.ID, func(m *models.Message) error {
			if m.Status == models.MessageSent || m.Status == models.MessageDelivered {
				m.Status = models.MessageRead
			}
			return nil
		}); err != nil {
			r.log.Warn("read_status_update_failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	r.publish(ctx, bus.RoomGroup(c.ChatID()), protocol.MessageRead{
		Header:    protocol.NewHeader(protocol.TypeMessageRead, now),
		MessageID: msg.ID,
		UserID:    c.UserID(),
		Username:  c.Username(),
	}, c.ConnID())
	return nil
}
