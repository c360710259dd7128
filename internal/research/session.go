package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

// sessionTTL bounds the cache mirror; the metadata store keeps the durable
// copy.
const sessionTTL = 24 * time.Hour

// recentTailMessages and recentTailBytes bound the conversation snippet fed
// to the planner.
const (
	recentTailMessages = 8
	recentTailBytes    = 1000
)

// Message is one stored conversation turn.
type Message struct {
	Role         string      `json:"role"`
	Text         string      `json:"text"`
	References   []Reference `json:"references,omitempty"`
	Confidence   float64     `json:"confidence,omitempty"`
	Elapsed      float64     `json:"elapsed_seconds,omitempty"`
	WebAttempted bool        `json:"web_attempted,omitempty"`
	Followups    []string    `json:"followup_questions,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// session is the in-memory conversation state.
type session struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// SessionStore is the durable side of session persistence.
type SessionStore interface {
	GetResearchSession(ctx context.Context, conversationID string) (json.RawMessage, bool, error)
	PutResearchSession(ctx context.Context, conversationID string, messages json.RawMessage) error
}

// SessionCache mirrors sessions for fast resume.
type SessionCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) bool
	SetJSON(ctx context.Context, key string, val interface{}, ttl time.Duration)
}

func sessionKey(info *tenant.Info, conversationID string) string {
	space := "_"
	if info.SpaceID > 0 {
		space = fmt.Sprintf("%d", info.SpaceID)
	}
	return fmt.Sprintf("dr:%d:%s:%s", info.UserID, space, conversationID)
}

// loadSession prefers the cache mirror and falls back to the metadata
// store. A brand new conversation returns an empty session.
func (a *Agent) loadSession(ctx context.Context, conversationID string) (*session, error) {
	info, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s := &session{ConversationID: conversationID}
	if a.sessCache != nil && a.sessCache.GetJSON(ctx, sessionKey(info, conversationID), s) {
		s.trim(a.cfg.MaxMessages)
		return s, nil
	}

	raw, found, err := a.sessions.GetResearchSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if found {
		if err := json.Unmarshal(raw, &s.Messages); err != nil {
			a.log.Warn(ctx, "stored session undecodable, starting fresh",
				zap.String("conversation_id", conversationID), zap.Error(err))
			s.Messages = nil
		}
	}
	s.trim(a.cfg.MaxMessages)
	return s, nil
}

// saveSession writes the metadata store and refreshes the cache mirror.
// Cache failure is invisible; store failure is returned.
func (a *Agent) saveSession(ctx context.Context, s *session) error {
	info, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	s.trim(a.cfg.MaxMessages)

	raw, err := json.Marshal(s.Messages)
	if err != nil {
		return err
	}
	if err := a.sessions.PutResearchSession(ctx, s.ConversationID, raw); err != nil {
		return err
	}
	if a.sessCache != nil {
		a.sessCache.SetJSON(ctx, sessionKey(info, s.ConversationID), s, sessionTTL)
	}
	return nil
}

func (s *session) trim(max int) {
	if max <= 0 {
		max = 40
	}
	if len(s.Messages) > max {
		s.Messages = s.Messages[len(s.Messages)-max:]
	}
}

// recentTail renders the last few turns for planner context, newest last,
// capped in size.
func (s *session) recentTail() string {
	msgs := s.Messages
	if len(msgs) > recentTailMessages {
		msgs = msgs[len(msgs)-recentTailMessages:]
	}
	var parts []string
	for _, m := range msgs {
		parts = append(parts, m.Role+": "+m.Text)
	}
	tail := strings.Join(parts, "\n")
	if len(tail) > recentTailBytes {
		tail = tail[len(tail)-recentTailBytes:]
	}
	return tail
}
