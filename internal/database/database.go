package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// DB wraps sqlx.DB
type DB struct {
	*sqlx.DB
}

// New creates a new database connection
func New(path string) (*DB, error) {
	// Ensure directory exists (skipped for in-memory databases)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Connect with WAL mode and foreign keys enabled
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One writer at a time: the engine is a single logical writer and the
	// sqlite3 driver does not handle concurrent transactions on one pool.
	db.SetMaxOpenConns(1)

	return &DB{db}, nil
}

// Migrate creates missing tables and indexes
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// AccountNames returns the names of accounts already present for a backend
func (db *DB) AccountNames(ctx context.Context, backend string) ([]string, error) {
	var names []string
	query := `SELECT name FROM accounts WHERE backend = ? ORDER BY name`
	if err := db.SelectContext(ctx, &names, query, backend); err != nil {
		return nil, fmt.Errorf("failed to get account names: %w", err)
	}
	return names, nil
}

// ArchiveCounts holds entity totals for the whole local archive
type ArchiveCounts struct {
	Accounts      int `db:"accounts"`
	Contacts      int `db:"contacts"`
	Conversations int `db:"conversations"`
	Messages      int `db:"messages"`
	HTMLMessages  int `db:"html_messages"`
}

// Counts returns entity totals for the whole local archive
func (db *DB) Counts(ctx context.Context) (*ArchiveCounts, error) {
	var counts ArchiveCounts
	query := `
		SELECT
			(SELECT COUNT(id) FROM accounts) AS accounts,
			(SELECT COUNT(id) FROM contacts) AS contacts,
			(SELECT COUNT(id) FROM conversations) AS conversations,
			(SELECT COUNT(id) FROM messages) AS messages,
			(SELECT COUNT(id) FROM messages WHERE html IS NOT NULL) AS html_messages
	`
	if err := db.GetContext(ctx, &counts, query); err != nil {
		return nil, fmt.Errorf("failed to count archive entities: %w", err)
	}
	return &counts, nil
}

// SearchResult is one message matched by SearchMessages
type SearchResult struct {
	Timestamp        time.Time `db:"timestamp"`
	Text             string    `db:"text"`
	Backend          string    `db:"backend"`
	Account          string    `db:"account"`
	ConversationName *string   `db:"conversation_name"`
	SenderFirstName  *string   `db:"sender_first_name"`
	SenderLastName   *string   `db:"sender_last_name"`
}

// SenderName joins the sender's first and last name, "unknown" when absent
func (r *SearchResult) SenderName() string {
	var parts []string
	if r.SenderFirstName != nil && *r.SenderFirstName != "" {
		parts = append(parts, *r.SenderFirstName)
	}
	if r.SenderLastName != nil && *r.SenderLastName != "" {
		parts = append(parts, *r.SenderLastName)
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, " ")
}

// SearchMessages searches chat messages for the given keywords. Every
// keyword must match at least one of: backend, account name, conversation
// name, sender name, sender email address, timestamp or message text.
func (db *DB) SearchMessages(ctx context.Context, keywords []string) ([]*SearchResult, error) {
	query := `
		SELECT DISTINCT m.timestamp, m.text,
			a.backend, a.name AS account,
			cv.name AS conversation_name,
			c.first_name AS sender_first_name, c.last_name AS sender_last_name
		FROM messages m
		JOIN conversations cv ON m.conversation_id = cv.id
		JOIN accounts a ON cv.account_id = a.id
		LEFT JOIN contacts c ON m.sender_id = c.id
		LEFT JOIN contact_email_addresses cea ON cea.contact_id = c.id
		LEFT JOIN email_addresses ea ON ea.id = cea.address_id
	`
	var args []interface{}
	var clauses []string
	for _, kw := range keywords {
		pattern := "%" + kw + "%"
		clauses = append(clauses, `(
			a.backend LIKE ? OR a.name LIKE ? OR cv.name LIKE ? OR
			c.first_name LIKE ? OR c.last_name LIKE ? OR ea.value LIKE ? OR
			m.timestamp LIKE ? OR m.text LIKE ?
		)`)
		for i := 0; i < 8; i++ {
			args = append(args, pattern)
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY m.timestamp"

	var results []*SearchResult
	if err := db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return results, nil
}
