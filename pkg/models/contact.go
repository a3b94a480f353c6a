package models

import (
	"database/sql"
	"strings"
)

// Contact represents a chat contact imported through an account.
type Contact struct {
	ID         int64          `db:"id"`
	AccountID  int64          `db:"account_id"`
	ExternalID sql.NullString `db:"external_id"` // Backend specific identifier
	FirstName  sql.NullString `db:"first_name"`
	LastName   sql.NullString `db:"last_name"`
}

// FullName joins the first and last name, skipping absent parts.
func (c *Contact) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName.String) + " " + strings.TrimSpace(c.LastName.String))
}

// String renders the full name when known, "unknown contact" otherwise.
func (c *Contact) String() string {
	if name := c.FullName(); name != "" {
		return name
	}
	return "unknown contact"
}

// EmailAddress is an email address linked to one or more contacts.
// Values are globally unique.
type EmailAddress struct {
	ID    int64  `db:"id"`
	Value string `db:"value"`
}

// TelephoneNumber is a telephone number linked to one or more contacts.
// Values are globally unique.
type TelephoneNumber struct {
	ID    int64  `db:"id"`
	Value string `db:"value"`
}
