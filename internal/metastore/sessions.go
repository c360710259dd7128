package metastore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

// GetResearchSession loads the persisted message history for a
// conversation. Returns (nil, false, nil) when no session exists.
func (s *Store) GetResearchSession(ctx context.Context, conversationID string) (json.RawMessage, bool, error) {
	info, err := scope(ctx)
	if err != nil {
		return nil, false, err
	}
	var messages json.RawMessage
	err = s.db.QueryRowContext(ctx, `
		SELECT messages FROM research_sessions
		WHERE user_id = $1 AND space_id = $2 AND conversation_id = $3`,
		info.UserID, info.SpaceID, conversationID).
		Scan(&messages)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Internal, err, "loading research session")
	}
	return messages, true, nil
}

// PutResearchSession stores the message history for a conversation.
func (s *Store) PutResearchSession(ctx context.Context, conversationID string, messages json.RawMessage) error {
	info, err := scope(ctx)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO research_sessions (user_id, space_id, conversation_id, messages, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, space_id, conversation_id) DO UPDATE SET
			messages = EXCLUDED.messages,
			updated_at = now()`,
		info.UserID, info.SpaceID, conversationID, []byte(messages))
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "storing research session")
	}
	return nil
}
