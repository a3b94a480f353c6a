package models

import (
	"database/sql"
	"time"
)

// Message represents a single chat message inside a conversation.
//
// Identity within a conversation is ExternalID when the backend supplies
// one, otherwise the (sender, timestamp) pair. A message without a sender
// came from an unknown participant.
type Message struct {
	ID             int64          `db:"id"`
	ConversationID int64          `db:"conversation_id"`
	ExternalID     sql.NullString `db:"external_id"`
	SenderID       sql.NullInt64  `db:"sender_id"`
	RecipientID    sql.NullInt64  `db:"recipient_id"`
	Timestamp      time.Time      `db:"timestamp"`
	Text           string         `db:"text"` // Plain text, always present
	HTML           sql.NullString `db:"html"` // Formatted text, when it differs from Text
	Raw            sql.NullString `db:"raw"`  // Backend native markup, kept for reprocessing
}
