package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Consecutive rate limit violations tolerated before the session is closed
	maxFloodStrikes = 3
)

var errSessionEnded = errors.New("session ended")

// Session is one live connection of a user to a chat, or to the user's
// notifications feed when chatID is empty. It satisfies both the bus
// subscriber and the router caller contracts.
type Session struct {
	manager *Manager
	conn    *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte
	done chan struct{}

	id       string
	chatID   string
	userID   string
	username string
	role     models.Role

	limiter *rate.Limiter
	log     *zap.Logger

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	typing      *time.Timer

	disconnect sync.Once
}

func (s *Session) ID() string       { return s.id }
func (s *Session) ConnID() string   { return s.id }
func (s *Session) ChatID() string   { return s.chatID }
func (s *Session) UserID() string   { return s.userID }
func (s *Session) Username() string { return s.username }

// Deliver enqueues a frame without blocking. A session whose buffer is full
// cannot keep up with its room and is closed.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		// Deliver runs under the bus group lock; closing must not re-enter it.
		go s.close(protocol.ClosePolicyViolation, "send buffer full")
		return false
	}
}

// Evict closes the session if it is attached to chatID.
func (s *Session) Evict(chatID string, code int, reason string) {
	if s.chatID != chatID {
		return
	}
	s.log.Info("session_evicted", zap.Int("close_code", code), zap.String("reason", reason))
	s.close(code, reason)
}

// account reports whether the session is a user-level notifications socket.
func (s *Session) account() bool { return s.chatID == "" }

// ScheduleTypingStop replaces any pending typing timer. The callback is
// skipped if the session closed or the timer was replaced in the meantime.
func (s *Session) ScheduleTypingStop(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.typing != nil {
		s.typing.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.closed || s.typing != t {
			s.mu.Unlock()
			return
		}
		s.typing = nil
		s.mu.Unlock()
		fn()
	})
	s.typing = t
}

func (s *Session) CancelTypingStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typing == nil {
		return false
	}
	s.typing.Stop()
	s.typing = nil
	return true
}

// close marks the session closed with the first code it is given. The write
// pump sends the close frame.
func (s *Session) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.done)
}

func (s *Session) closeStatus() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return s.closeCode, s.closeReason
}

// Serve runs the session until the peer leaves, the session is closed or ctx
// is cancelled, then disconnects it.
func (s *Session) Serve(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readPump(gctx) })
	g.Go(func() error { return s.writePump(gctx) })
	g.Go(func() error { return s.heartbeat(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, errSessionEnded) {
		s.log.Debug("session_error", zap.Error(err))
	}
	s.manager.Disconnect(s)
}

// readPump pumps frames from the connection to the router. Frames of one
// session are handled in arrival order.
func (s *Session) readPump(ctx context.Context) error {
	cfg := s.manager.cfg
	s.conn.SetReadLimit(cfg.MaxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	strikes := 0
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Debug("read_failed", zap.Error(err))
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				s.close(websocket.CloseMessageTooBig, "frame too large")
			}
			return errSessionEnded
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !s.limiter.Allow() {
			strikes++
			s.manager.router.Reject(s, apperrors.RateLimit(apperrors.CodeRateLimited, 1))
			if strikes >= maxFloodStrikes {
				s.log.Warn("session_flooding", zap.Int("strikes", strikes))
				s.close(protocol.ClosePolicyViolation, "too many frames")
				return errSessionEnded
			}
			continue
		}
		strikes = 0
		// Failures were already answered with an error frame.
		if s.account() {
			_ = s.manager.router.DispatchAccount(s, data)
		} else {
			_ = s.manager.router.Dispatch(ctx, s, data)
		}
	}
}

// writePump pumps frames from the send buffer to the connection and owns
// every write, including pings and the final close frame.
func (s *Session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return errSessionEnded
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return errSessionEnded
			}

		case <-s.done:
			s.flush()
			s.writeClose()
			return errSessionEnded

		case <-ctx.Done():
			s.close(websocket.CloseGoingAway, "session ended")
			s.writeClose()
			return errSessionEnded
		}
	}
}

// flush writes frames that were queued before the session closed, so an
// eviction notice reaches the client ahead of the close frame.
func (s *Session) flush() {
	for n := len(s.send); n > 0; n-- {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
			return
		}
	}
}

func (s *Session) writeClose() {
	code, reason := s.closeStatus()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.log.Debug("close_frame_failed", zap.Error(err))
	}
}

// heartbeat announces liveness to the client and refreshes presence.
func (s *Session) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.manager.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.account() {
				s.manager.presence.AddSession(ctx, s.chatID, s.userID, s.id)
			}
			frame, err := protocol.Encode(protocol.Heartbeat{Header: protocol.NewHeader(protocol.TypeHeartbeat, s.manager.now())})
			if err == nil {
				s.Deliver(frame)
			}
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
