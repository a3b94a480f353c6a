package archive

import (
	"fmt"
	"strings"
)

// Counter names used by the engine.
const (
	StatAccountsAdded         = "accounts_added"
	StatContactsAdded         = "contacts_added"
	StatContactsChanged       = "contacts_changed"
	StatConversationsAdded    = "conversations_added"
	StatEmailAddressesAdded   = "email_addresses_added"
	StatFailedConversations   = "failed_conversations"
	StatMessagesAdded         = "messages_added"
	StatSkippedConversations  = "skipped_conversations"
	StatTelephoneNumbersAdded = "telephone_numbers_added"
)

// Stats is a stack of counter scopes. Incrementing or reading a counter
// always targets the innermost scope; when a scope is popped its counters
// are merged additively into the enclosing scope, so per-conversation or
// per-batch deltas can be reported while the root scope accumulates the
// grand total for the whole run. Nesting depth is unbounded.
//
// Stats is not safe for concurrent use; the engine is a single logical
// writer.
type Stats struct {
	stack []map[string]int
}

// NewStats creates a Stats with a single root scope
func NewStats() *Stats {
	return &Stats{stack: []map[string]int{{}}}
}

// Push creates a new inner scope with all counters reset to zero
func (s *Stats) Push() {
	s.stack = append(s.stack, map[string]int{})
}

// Pop removes the inner scope and merges its counters into the outer scope
func (s *Stats) Pop() {
	if len(s.stack) < 2 {
		return
	}
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	for name, value := range top {
		s.scope()[name] += value
	}
}

// Add increments a counter in the current scope
func (s *Stats) Add(name string, delta int) {
	s.scope()[name] += delta
}

// Get reads a counter from the current scope
func (s *Stats) Get(name string) int {
	return s.scope()[name]
}

// Depth returns the number of scopes on the stack
func (s *Stats) Depth() int {
	return len(s.stack)
}

func (s *Stats) scope() map[string]int {
	return s.stack[len(s.stack)-1]
}

// Summary renders a human readable report of what the current scope
// imported, or an empty string when nothing was added.
func (s *Stats) Summary() string {
	var parts []string
	for _, c := range []struct {
		counter  string
		singular string
		plural   string
	}{
		{StatConversationsAdded, "conversation", "conversations"},
		{StatMessagesAdded, "message", "messages"},
		{StatContactsAdded, "contact", "contacts"},
		{StatEmailAddressesAdded, "email address", "email addresses"},
		{StatTelephoneNumbersAdded, "telephone number", "telephone numbers"},
	} {
		if n := s.Get(c.counter); n > 0 {
			parts = append(parts, pluralize(n, c.singular, c.plural))
		}
	}
	return strings.Join(parts, ", ")
}

func pluralize(count int, singular, plural string) string {
	if count == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%d %s", count, plural)
}
