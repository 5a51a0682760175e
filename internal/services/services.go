// Package services holds the chat engine's domain operations: the message
// router, the moderation engine, chat membership and the expiry sweeper.
// Every operation runs the same explicit pipeline: check, mutate the store,
// update the cache, publish.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/metrics"
	"github.com/adi-253/Talkie/chatd/internal/notify"
	"github.com/adi-253/Talkie/chatd/internal/presence"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"go.uber.org/zap"
)

// Caller is the live session a frame arrived on.
type Caller interface {
	ConnID() string
	UserID() string
	Username() string
	ChatID() string
	// Deliver enqueues a frame for this connection only.
	Deliver(frame []byte) bool
	// ScheduleTypingStop runs fn after d unless cancelled or the session closed first.
	ScheduleTypingStop(d time.Duration, fn func())
	// CancelTypingStop stops a pending timer and reports whether one was pending.
	CancelTypingStop() bool
}

// Publisher fans a frame out to a bus group.
type Publisher interface {
	Publish(ctx context.Context, group string, frame []byte, exclude string) error
}

// Evictor closes a user's live sessions in a chat.
type Evictor interface {
	Evict(chatID, userID string, code int, reason string)
}

// Deps are the collaborators shared by the services.
type Deps struct {
	Store    store.Store
	Presence *presence.Tracker
	Bus      Publisher
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (d Deps) clock() func() time.Time {
	if d.Now == nil {
		return time.Now
	}
	return d.Now
}

// emitter encodes and publishes server frames.
type emitter struct {
	bus Publisher
	log *zap.Logger
}

func (e emitter) publish(ctx context.Context, group string, frame any, exclude string) {
	data, err := protocol.Encode(frame)
	if err != nil {
		e.log.Error("encode_frame_failed", zap.String("group", group), zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, group, data, exclude); err != nil {
		// Local subscribers already received the frame; only the relay failed.
		e.log.Warn("publish_failed", zap.String("group", group), zap.Error(err))
	}
}

func (e emitter) reply(c Caller, frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		e.log.Error("encode_frame_failed", zap.String("conn_id", c.ConnID()), zap.Error(err))
		return
	}
	c.Deliver(data)
}

// classify maps store errors onto the error taxonomy. Errors that are already
// classified pass through unchanged.
func classify(err error, notFound *apperrors.Error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if notFound != nil && errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return apperrors.Internal("store operation failed", err)
}

// keyedMutex serializes work per key without a lock spanning keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
