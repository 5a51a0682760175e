// Package notify hands offline push and moderation alerts to the external
// notifier. Delivery is fire-and-forget: failures are logged and never reach
// the chat flow.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Payload kinds.
const (
	KindNewMessage = "new_message"
	KindMention    = "mention"
	KindModeration = "moderation"
)

// TaskType is the asynq task consumed by the push worker.
const TaskType = "chat:notify"

// Payload is the notification body.
type Payload struct {
	Kind      string            `json:"kind"`
	ChatID    string            `json:"chat_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier delivers a payload to a user out of band.
type Notifier interface {
	Notify(ctx context.Context, userID string, p Payload)
}

type task struct {
	UserID  string  `json:"user_id"`
	Payload Payload `json:"payload"`
}

// Asynq enqueues notifications on a Redis-backed asynq queue.
type Asynq struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
	log     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
}

// NewAsynq connects to the queue at redisURL.
func NewAsynq(redisURL, queue string, log *zap.Logger) (*Asynq, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	return &Asynq{
		client:  asynq.NewClient(opt),
		queue:   queue,
		timeout: 3 * time.Second,
		log:     log.With(zap.String("component", "notifier")),
	}, nil
}

// Notify enqueues in the background so a slow broker never delays the caller.
func (a *Asynq) Notify(_ context.Context, userID string, p Payload) {
	data, err := json.Marshal(task{UserID: userID, Payload: p})
	if err != nil {
		a.log.Error("notify_encode_failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.log.Debug("notify_after_close", zap.String("user_id", userID), zap.String("kind", p.Kind))
		return
	}
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		t := asynq.NewTask(TaskType, data)
		if _, err := a.client.EnqueueContext(ctx, t, asynq.Queue(a.queue), asynq.MaxRetry(5)); err != nil {
			a.log.Warn("notify_enqueue_failed", zap.String("user_id", userID), zap.String("kind", p.Kind), zap.Error(err))
		}
	}()
}

// Close waits for in-flight enqueues, then releases the queue connection.
// Later calls to Notify are dropped.
func (a *Asynq) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.pending.Wait()
	return a.client.Close()
}

// Log writes notifications to the logger. It stands in when no queue is configured.
type Log struct {
	log *zap.Logger
}

// NewLog builds a logging notifier.
func NewLog(log *zap.Logger) *Log {
	return &Log{log: log.With(zap.String("component", "notifier"))}
}

func (l *Log) Notify(_ context.Context, userID string, p Payload) {
	l.log.Info("notification",
		zap.String("user_id", userID),
		zap.String("kind", p.Kind),
		zap.String("chat_id", p.ChatID),
		zap.String("title", p.Title),
	)
}
