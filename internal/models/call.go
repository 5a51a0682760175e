package models

import "time"

// CallStatus is the state of a call.
type CallStatus string

const (
	CallActive CallStatus = "active"
	CallEnded  CallStatus = "ended"
)

// CallType is voice or video.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// CallParticipant tracks one user in a call.
type CallParticipant struct {
	UserID   string     `json:"user_id"`
	Joined   bool       `json:"joined"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// Call is a voice or video call in a chat.
type Call struct {
	ID           string             `json:"id"`
	ChatID       string             `json:"chat_id"`
	InitiatorID  string             `json:"initiator_id"`
	Type         CallType           `json:"type"`
	Status       CallStatus         `json:"status"`
	Participants []*CallParticipant `json:"participants"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
}

// Participant returns the entry for userID, if any.
func (c *Call) Participant(userID string) *CallParticipant {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// Join marks userID as joined, creating the entry if needed.
// It reports whether the state changed.
func (c *Call) Join(userID string, now time.Time) bool {
	if p := c.Participant(userID); p != nil {
		if p.Joined {
			return false
		}
		p.Joined = true
		p.JoinedAt = now
		p.LeftAt = nil
		return true
	}
	c.Participants = append(c.Participants, &CallParticipant{UserID: userID, Joined: true, JoinedAt: now})
	return true
}

// Leave marks userID as left. It reports whether the state changed.
func (c *Call) Leave(userID string, now time.Time) bool {
	p := c.Participant(userID)
	if p == nil || !p.Joined {
		return false
	}
	p.Joined = false
	p.LeftAt = &now
	return true
}

// End closes the call and marks every participant as left.
func (c *Call) End(now time.Time) {
	c.Status = CallEnded
	c.EndedAt = &now
	for _, p := range c.Participants {
		if p.Joined {
			p.Joined = false
			p.LeftAt = &now
		}
	}
}

// Clone returns a deep copy.
func (c *Call) Clone() *Call {
	cp := *c
	cp.EndedAt = cloneTime(c.EndedAt)
	cp.Participants = make([]*CallParticipant, len(c.Participants))
	for i, p := range c.Participants {
		v := *p
		v.LeftAt = cloneTime(p.LeftAt)
		cp.Participants[i] = &v
	}
	return &cp
}
