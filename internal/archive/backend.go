package archive

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/mixelka/chatsync/internal/config"
)

// Direction selects which way FetchBatch pages through a conversation.
type Direction int

const (
	// Backward requests messages strictly older than the cursor
	// (initial synchronization towards the start of history).
	Backward Direction = iota
	// Forward requests messages strictly newer than the cursor
	// (incremental synchronization of an already complete conversation).
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// ConversationInfo describes a remote conversation discovered by a driver.
type ConversationInfo struct {
	// ExternalID is the stable identifier the service assigns to the
	// conversation. Empty for legacy sources without conversation
	// identifiers; such conversations are matched by participant set.
	ExternalID string
	// Ref is an opaque driver handle passed back verbatim to FetchBatch.
	// Drivers that need more than ExternalID to locate the conversation
	// (for example an IMAP UID for a conversation without an external
	// identifier) put it here.
	Ref          string
	Name         string
	IsGroup      bool
	LastModified time.Time
}

// ContactInfo carries the identity attributes of a message participant.
// ExternalID, email addresses and telephone numbers are identity criteria;
// names are descriptive and never used for matching. Keywords is a
// last-resort hint for participants with no usable identity: the resolver
// only accepts a keyword match when it is unambiguous.
type ContactInfo struct {
	ExternalID       string
	FullName         string
	FirstName        string
	LastName         string
	EmailAddresses   []string
	TelephoneNumbers []string
	Keywords         []string
}

// identifying reports whether the descriptor carries attributes beyond an
// external ID, in which case the engine may create a contact from it.
func (c *ContactInfo) identifying() bool {
	return c.FullName != "" || c.FirstName != "" || c.LastName != "" ||
		len(c.EmailAddresses) > 0 || len(c.TelephoneNumbers) > 0
}

// MessageInfo describes one remote message inside a batch.
type MessageInfo struct {
	// ExternalID is the stable message identifier when the service
	// assigns one; empty otherwise (identity falls back to sender and
	// timestamp).
	ExternalID string
	Sender     *ContactInfo
	Recipient  *ContactInfo
	Timestamp  time.Time
	Text       string
	HTML       string
	Raw        string
}

// Driver is the contract every backend implements. The engine treats it as
// an opaque lazy producer of conversation descriptors and message batches
// and never inspects protocol-level details.
//
// FetchBatch returns messages ordered by the backend's native paging order;
// an empty batch signals the end of data for that conversation and
// direction. Retryable network conditions are reported as TransientError,
// anything else as PermanentError.
type Driver interface {
	Discover(ctx context.Context) ([]ConversationInfo, error)
	FetchBatch(ctx context.Context, conversation ConversationInfo, cursor string, direction Direction) ([]MessageInfo, error)
	Close() error
}

// Snapshotter is an optional Driver capability. A snapshot driver delivers
// the entire conversation in its first backward batch, so a re-import of a
// known conversation must first invalidate the locally stored messages.
type Snapshotter interface {
	Snapshot() bool
}

// RunContext carries the per-run state handed to a driver factory instead
// of ambient globals: configuration, the account being synchronized, the
// statistics scope and a scoped logger.
type RunContext struct {
	BackendName string
	AccountName string
	Config      *config.Config
	Logger      *slog.Logger
	Stats       *Stats
}

// DriverFactory creates a driver for one synchronization run
type DriverFactory func(ctx context.Context, run *RunContext) (Driver, error)

// Registry maps backend names to driver factories
type Registry struct {
	factories map[string]DriverFactory
}

// NewRegistry creates an empty backend registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]DriverFactory)}
}

// Register adds a backend under the given name
func (r *Registry) Register(name string, factory DriverFactory) {
	r.factories[name] = factory
}

// Names returns the registered backend names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a driver for the named backend
func (r *Registry) New(ctx context.Context, name string, run *RunContext) (Driver, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, Fatalf("unknown backend %q", name)
	}
	return factory(ctx, run)
}
