package models

import "time"

// Account represents a chat account on a remote service. The (backend, name)
// pair is unique: one backend can synchronize multiple named accounts into
// the same local archive.
type Account struct {
	ID        int64     `db:"id"`
	Backend   string    `db:"backend"` // Name of the backend driver, e.g. "gtalk"
	Name      string    `db:"name"`    // User defined account name, e.g. "default"
	CreatedAt time.Time `db:"created_at"`
}

// String renders "name (backend)".
func (a *Account) String() string {
	return a.Name + " (" + a.Backend + ")"
}
