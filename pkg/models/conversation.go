package models

import "database/sql"

// Conversation represents a chat conversation imported through an account.
//
// ExternalID is set when the remote service assigns a stable conversation
// identifier. Legacy imports may leave it empty, in which case the
// conversation is identified by its exact participant set.
type Conversation struct {
	ID                  int64          `db:"id"`
	AccountID           int64          `db:"account_id"`
	ExternalID          sql.NullString `db:"external_id"`
	Name                sql.NullString `db:"name"`
	LastModified        sql.NullTime   `db:"last_modified"`
	ImportComplete      bool           `db:"import_complete"`      // Full backward history obtained
	ImportErrors        bool           `db:"import_errors"`        // Last download attempt failed
	IsGroupConversation bool           `db:"is_group_conversation"`
}

// String renders "conversation <id> (<name>)".
func (c *Conversation) String() string {
	s := "conversation " + c.ExternalID.String
	if c.Name.Valid {
		s += " (" + c.Name.String + ")"
	}
	return s
}
