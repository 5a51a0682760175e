package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"go.uber.org/zap"
)

const cleanupBatch = 200

var errAlreadyDeleted = errors.New("message already deleted")

// CleanupService deletes messages whose time-to-live has passed.
// It runs as a background goroutine and periodically sweeps the store.
type CleanupService struct {
	emitter
	store    store.MessageStore
	interval time.Duration
	cron     string
	now      func() time.Time
	stopChan chan struct{}
}

// NewCleanupService creates a new cleanup service that sweeps every interval.
func NewCleanupService(d Deps, interval time.Duration) *CleanupService {
	return &CleanupService{
		emitter:  emitter{bus: d.Bus, log: d.Log.With(zap.String("component", "cleanup"))},
		store:    d.Store,
		interval: interval,
		now:      d.clock(),
		stopChan: make(chan struct{}),
	}
}

// SetCron schedules sweeps by a cron expression instead of the fixed interval.
// An empty expression restores the interval.
func (s *CleanupService) SetCron(expr string) error {
	if expr != "" && !gronx.IsValid(expr) {
		return fmt.Errorf("invalid cleanup cron expression: %s", expr)
	}
	s.cron = expr
	return nil
}

// next returns the time of the sweep following now.
func (s *CleanupService) next(now time.Time) time.Time {
	if s.cron == "" {
		return now.Add(s.interval)
	}
	at, err := gronx.NextTickAfter(s.cron, now, false)
	if err != nil {
		s.log.Error("cleanup_nexttick_failed", zap.String("cron", s.cron), zap.Error(err))
		return now.Add(s.interval)
	}
	return at
}

// Start begins the background cleanup worker.
// This method blocks and should be called with 'go'.
func (s *CleanupService) Start(ctx context.Context) {
	s.log.Info("cleanup_started", zap.Duration("interval", s.interval), zap.String("cron", s.cron))

	timer := time.NewTimer(s.next(s.now()).Sub(s.now()))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.Sweep(ctx)
			timer.Reset(s.next(s.now()).Sub(s.now()))
		case <-s.stopChan:
			s.log.Info("cleanup_stopped")
			return
		case <-ctx.Done():
			s.log.Info("cleanup_stopped")
			return
		}
	}
}

// Stop gracefully shuts down the cleanup service.
func (s *CleanupService) Stop() {
	close(s.stopChan)
}

// Sweep deletes every expired message for everyone and reports how many were
// deleted.
func (s *CleanupService) Sweep(ctx context.Context) int {
	deleted := 0
	for {
		now := s.now()
		expired, err := s.store.ExpiredMessages(ctx, now, cleanupBatch)
		if err != nil {
			s.log.Error("expired_messages_query_failed", zap.Error(err))
			return deleted
		}
		if len(expired) == 0 {
			break
		}
		progressed := 0
		for _, m := range expired {
			if s.expire(ctx, m, now) {
				progressed++
			}
		}
		deleted += progressed
		if progressed == 0 || len(expired) < cleanupBatch {
			break
		}
	}
	if deleted > 0 {
		s.log.Info("expired_messages_deleted", zap.Int("count", deleted))
	}
	return deleted
}

func (s *CleanupService) expire(ctx context.Context, m *models.Message, now time.Time) bool {
	_, err := s.store.UpdateMessage(ctx, m.ChatID, m.ID, func(msg *models.Message) error {
		if msg.Status == models.MessageDeleted {
			return errAlreadyDeleted
		}
		msg.Redact("", now)
		return nil
	})
	if errors.Is(err, errAlreadyDeleted) {
		return false
	}
	if err != nil {
		s.log.Warn("expire_message_failed", zap.String("chat_id", m.ChatID), zap.String("message_id", m.ID), zap.Error(err))
		return false
	}
	s.publish(ctx, bus.RoomGroup(m.ChatID), protocol.MessageDeleted{
		Header:            protocol.NewHeader(protocol.TypeMessageDeleted, now),
		MessageID:         m.ID,
		DeleteForEveryone: true,
	}, "")
	return true
}
