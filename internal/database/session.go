package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mixelka/chatsync/pkg/models"
)

// Session owns the pending writes of one synchronization run. All reads and
// writes go through a single SQLite transaction so that every created
// identity is immediately visible to subsequent lookups without becoming
// durable before the next checkpoint. Commit is the checkpoint primitive:
// it makes everything written so far durable and starts a fresh transaction
// on the next access.
//
// A Session must only be used from one goroutine; the engine is a single
// logical writer (see the precondition that at most one synchronization
// process runs per account at a time).
type Session struct {
	db *DB
	tx *sqlx.Tx
}

// NewSession creates a session for one synchronization run
func (db *DB) NewSession() *Session {
	return &Session{db: db}
}

// ext returns the open transaction, starting one when needed
func (s *Session) ext(ctx context.Context) (sqlx.ExtContext, error) {
	if s.tx == nil {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

// Commit flushes all pending writes to durable storage (checkpoint commit)
func (s *Session) Commit() error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	s.tx = nil
	return nil
}

// Close rolls back any uncommitted writes, leaving the store in the state
// of the last checkpoint
func (s *Session) Close() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back session: %w", err)
	}
	return nil
}

// GetOrCreateAccount returns the account for (backend, name), creating it
// lazily on first reference. Returns true when the account was created.
func (s *Session) GetOrCreateAccount(ctx context.Context, backend, name string) (*models.Account, bool, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, false, err
	}
	var account models.Account
	query := `SELECT * FROM accounts WHERE backend = ? AND name = ?`
	err = sqlx.GetContext(ctx, ext, &account, query, backend, name)
	if err == nil {
		return &account, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to get account: %w", err)
	}
	now := time.Now().UTC()
	result, err := ext.ExecContext(ctx,
		`INSERT INTO accounts (backend, name, created_at) VALUES (?, ?, ?)`,
		backend, name, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return &models.Account{ID: id, Backend: backend, Name: name, CreatedAt: now}, true, nil
}

// FindContactByExternalID returns the contact with the given external ID
func (s *Session) FindContactByExternalID(ctx context.Context, accountID int64, externalID string) (*models.Contact, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	var contact models.Contact
	query := `SELECT * FROM contacts WHERE account_id = ? AND external_id = ?`
	err = sqlx.GetContext(ctx, ext, &contact, query, accountID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contact by external id: %w", err)
	}
	return &contact, nil
}

// FindContactByEmailAddress returns the contact linked to the given address
func (s *Session) FindContactByEmailAddress(ctx context.Context, accountID int64, value string) (*models.Contact, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	var contact models.Contact
	query := `
		SELECT c.* FROM contacts c
		JOIN contact_email_addresses cea ON cea.contact_id = c.id
		JOIN email_addresses ea ON ea.id = cea.address_id
		WHERE c.account_id = ? AND ea.value = ?
	`
	err = sqlx.GetContext(ctx, ext, &contact, query, accountID, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contact by email address: %w", err)
	}
	return &contact, nil
}

// FindContactByTelephoneNumber returns the contact linked to the given number
func (s *Session) FindContactByTelephoneNumber(ctx context.Context, accountID int64, value string) (*models.Contact, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	var contact models.Contact
	query := `
		SELECT c.* FROM contacts c
		JOIN contact_telephone_numbers ctn ON ctn.contact_id = c.id
		JOIN telephone_numbers tn ON tn.id = ctn.number_id
		WHERE c.account_id = ? AND tn.value = ?
	`
	err = sqlx.GetContext(ctx, ext, &contact, query, accountID, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contact by telephone number: %w", err)
	}
	return &contact, nil
}

// FindContactsByKeywords returns the contacts whose name or email address
// matches every keyword. Used as the fallback lookup for participants that
// are only identified by free-form tokens.
func (s *Session) FindContactsByKeywords(ctx context.Context, accountID int64, keywords []string) ([]*models.Contact, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT DISTINCT c.* FROM contacts c
		LEFT JOIN contact_email_addresses cea ON cea.contact_id = c.id
		LEFT JOIN email_addresses ea ON ea.id = cea.address_id
		WHERE c.account_id = ?
	`
	args := []interface{}{accountID}
	for _, kw := range keywords {
		pattern := "%" + kw + "%"
		query += ` AND (c.first_name LIKE ? OR c.last_name LIKE ? OR ea.value LIKE ?)`
		args = append(args, pattern, pattern, pattern)
	}
	var contacts []*models.Contact
	if err := sqlx.SelectContext(ctx, ext, &contacts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find contacts by keywords: %w", err)
	}
	return contacts, nil
}

// CreateContact inserts a new contact
func (s *Session) CreateContact(ctx context.Context, contact *models.Contact) error {
	ext, err := s.ext(ctx)
	if err != nil {
		return err
	}
	result, err := ext.ExecContext(ctx,
		`INSERT INTO contacts (account_id, external_id, first_name, last_name) VALUES (?, ?, ?, ?)`,
		contact.AccountID, contact.ExternalID, contact.FirstName, contact.LastName)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	contact.ID = id
	return nil
}

// UpdateContact writes back the mutable contact attributes
func (s *Session) UpdateContact(ctx context.Context, contact *models.Contact) error {
	ext, err := s.ext(ctx)
	if err != nil {
		return err
	}
	_, err = ext.ExecContext(ctx,
		`UPDATE contacts SET external_id = ?, first_name = ?, last_name = ? WHERE id = ?`,
		contact.ExternalID, contact.FirstName, contact.LastName, contact.ID)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	return nil
}

// GetOrCreateEmailAddress returns the globally unique row for an address
func (s *Session) GetOrCreateEmailAddress(ctx context.Context, value string) (*models.EmailAddress, bool, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, false, err
	}
	var addr models.EmailAddress
	err = sqlx.GetContext(ctx, ext, &addr, `SELECT * FROM email_addresses WHERE value = ?`, value)
	if err == nil {
		return &addr, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to get email address: %w", err)
	}
	result, err := ext.ExecContext(ctx, `INSERT INTO email_addresses (value) VALUES (?)`, value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create email address: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return &models.EmailAddress{ID: id, Value: value}, true, nil
}

// GetOrCreateTelephoneNumber returns the globally unique row for a number
func (s *Session) GetOrCreateTelephoneNumber(ctx context.Context, value string) (*models.TelephoneNumber, bool, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, false, err
	}
	var number models.TelephoneNumber
	err = sqlx.GetContext(ctx, ext, &number, `SELECT * FROM telephone_numbers WHERE value = ?`, value)
	if err == nil {
		return &number, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to get telephone number: %w", err)
	}
	result, err := ext.ExecContext(ctx, `INSERT INTO telephone_numbers (value) VALUES (?)`, value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create telephone number: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return &models.TelephoneNumber{ID: id, Value: value}, true, nil
}

// LinkContactEmailAddress associates an address with a contact. Returns
// true when the association was created, false when it already existed.
func (s *Session) LinkContactEmailAddress(ctx context.Context, contactID, addressID int64) (bool, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return false, err
	}
	result, err := ext.ExecContext(ctx,
		`INSERT OR IGNORE INTO contact_email_addresses (contact_id, address_id) VALUES (?, ?)`,
		contactID, addressID)
	if err != nil {
		return false, fmt.Errorf("failed to link email address: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// LinkContactTelephoneNumber associates a number with a contact. Returns
// true when the association was created, false when it already existed.
func (s *Session) LinkContactTelephoneNumber(ctx context.Context, contactID, numberID int64) (bool, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return false, err
	}
	result, err := ext.ExecContext(ctx,
		`INSERT OR IGNORE INTO contact_telephone_numbers (contact_id, number_id) VALUES (?, ?)`,
		contactID, numberID)
	if err != nil {
		return false, fmt.Errorf("failed to link telephone number: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// FindConversationByExternalID returns the conversation with the given
// external ID within an account
func (s *Session) FindConversationByExternalID(ctx context.Context, accountID int64, externalID string) (*models.Conversation, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	var conversation models.Conversation
	query := `SELECT * FROM conversations WHERE account_id = ? AND external_id = ?`
	err = sqlx.GetContext(ctx, ext, &conversation, query, accountID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return &conversation, nil
}

// ConversationsWithoutExternalID returns the conversations of an account
// that have no service-assigned identifier (legacy imports matched by
// participant set)
func (s *Session) ConversationsWithoutExternalID(ctx context.Context, accountID int64) ([]*models.Conversation, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	var conversations []*models.Conversation
	query := `SELECT * FROM conversations WHERE account_id = ? AND external_id IS NULL`
	if err := sqlx.SelectContext(ctx, ext, &conversations, query, accountID); err != nil {
		return nil, fmt.Errorf("failed to list conversations without external id: %w", err)
	}
	return conversations, nil
}

// ConversationParticipantIDs returns the distinct contacts that sent or
// received messages in a conversation
func (s *Session) ConversationParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	query := `
		SELECT DISTINCT sender_id FROM messages WHERE conversation_id = ? AND sender_id IS NOT NULL
		UNION
		SELECT DISTINCT recipient_id FROM messages WHERE conversation_id = ? AND recipient_id IS NOT NULL
	`
	if err := sqlx.SelectContext(ctx, ext, &ids, query, conversationID, conversationID); err != nil {
		return nil, fmt.Errorf("failed to get conversation participants: %w", err)
	}
	return ids, nil
}

// CreateConversation inserts a new conversation
func (s *Session) CreateConversation(ctx context.Context, conversation *models.Conversation) error {
	ext, err := s.ext(ctx)
	if err != nil {
		return err
	}
	result, err := ext.ExecContext(ctx, `
		INSERT INTO conversations (account_id, external_id, name, last_modified, import_complete, import_errors, is_group_conversation)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversation.AccountID,
		conversation.ExternalID,
		conversation.Name,
		conversation.LastModified,
		conversation.ImportComplete,
		conversation.ImportErrors,
		conversation.IsGroupConversation,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	conversation.ID = id
	return nil
}

// UpdateConversationSyncState persists the import progress flags
func (s *Session) UpdateConversationSyncState(ctx context.Context, id int64, importComplete, importErrors bool) error {
	ext, err := s.ext(ctx)
	if err != nil {
		return err
	}
	_, err = ext.ExecContext(ctx,
		`UPDATE conversations SET import_complete = ?, import_errors = ? WHERE id = ?`,
		importComplete, importErrors, id)
	if err != nil {
		return fmt.Errorf("failed to update conversation sync state: %w", err)
	}
	return nil
}

// UpdateConversationLastModified persists the remote modification time
func (s *Session) UpdateConversationLastModified(ctx context.Context, id int64, lastModified time.Time) error {
	ext, err := s.ext(ctx)
	if err != nil {
		return err
	}
	_, err = ext.ExecContext(ctx,
		`UPDATE conversations SET last_modified = ? WHERE id = ?`,
		lastModified, id)
	if err != nil {
		return fmt.Errorf("failed to update conversation last modified: %w", err)
	}
	return nil
}

// DeleteConversationMessages removes all messages of a conversation before
// a full re-import
func (s *Session) DeleteConversationMessages(ctx context.Context, conversationID int64) error {
	ext, err := s.ext(ctx)
	if err != nil {
		return err
	}
	_, err = ext.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation messages: %w", err)
	}
	return nil
}

// OldestMessage returns the oldest message in a conversation
func (s *Session) OldestMessage(ctx context.Context, conversationID int64) (*models.Message, error) {
	return s.messageAtEnd(ctx, conversationID, "ASC")
}

// NewestMessage returns the newest message in a conversation
func (s *Session) NewestMessage(ctx context.Context, conversationID int64) (*models.Message, error) {
	return s.messageAtEnd(ctx, conversationID, "DESC")
}

func (s *Session) messageAtEnd(ctx context.Context, conversationID int64, order string) (*models.Message, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	var message models.Message
	query := fmt.Sprintf(`SELECT * FROM messages WHERE conversation_id = ? ORDER BY timestamp %s LIMIT 1`, order)
	err = sqlx.GetContext(ctx, ext, &message, query, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get boundary message: %w", err)
	}
	return &message, nil
}

// FindMessageByExternalID returns the message with the given external ID
// within a conversation
func (s *Session) FindMessageByExternalID(ctx context.Context, conversationID int64, externalID string) (*models.Message, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	var message models.Message
	query := `SELECT * FROM messages WHERE conversation_id = ? AND external_id = ?`
	err = sqlx.GetContext(ctx, ext, &message, query, conversationID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message by external id: %w", err)
	}
	return &message, nil
}

// FindMessageBySenderAndTimestamp returns the message matching the fallback
// identity key used when backends supply no message identifier
func (s *Session) FindMessageBySenderAndTimestamp(ctx context.Context, conversationID int64, senderID sql.NullInt64, timestamp time.Time) (*models.Message, error) {
	ext, err := s.ext(ctx)
	if err != nil {
		return nil, err
	}
	var sender interface{}
	if senderID.Valid {
		sender = senderID.Int64
	}
	var message models.Message
	query := `SELECT * FROM messages WHERE conversation_id = ? AND sender_id IS ? AND timestamp = ?`
	err = sqlx.GetContext(ctx, ext, &message, query, conversationID, sender, timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message by sender and timestamp: %w", err)
	}
	return &message, nil
}

// CreateMessage inserts a new message
func (s *Session) CreateMessage(ctx context.Context, message *models.Message) error {
	ext, err := s.ext(ctx)
	if err != nil {
		return err
	}
	result, err := ext.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, external_id, sender_id, recipient_id, timestamp, text, html, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ConversationID,
		message.ExternalID,
		message.SenderID,
		message.RecipientID,
		message.Timestamp,
		message.Text,
		message.HTML,
		message.Raw,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	message.ID = id
	return nil
}
