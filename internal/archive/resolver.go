package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mixelka/chatsync/internal/database"
	"github.com/mixelka/chatsync/internal/textutil"
	"github.com/mixelka/chatsync/pkg/models"
)

// Resolver maps descriptive attributes to exactly one persisted entity, or
// decides to create a new one. All lookups and writes go through the run's
// database session, so entities created earlier in the run are visible to
// later lookups before any checkpoint commit.
//
// A Resolver is scoped to one (backend, account) run and must be discarded
// afterwards: its caches would otherwise outlive the session they read
// through.
type Resolver struct {
	session *database.Session
	account *models.Account
	stats   *Stats
	logger  *slog.Logger

	// contactCache maps external IDs to contacts to avoid repeated store
	// lookups for high-frequency senders.
	contactCache map[string]*models.Contact
	// participantCache maps participant-set keys to conversations without
	// an external ID.
	participantCache map[string]*models.Conversation
}

// NewResolver creates a resolver for one synchronization run
func NewResolver(session *database.Session, account *models.Account, stats *Stats, logger *slog.Logger) *Resolver {
	return &Resolver{
		session:          session,
		account:          account,
		stats:            stats,
		logger:           logger,
		contactCache:     make(map[string]*models.Contact),
		participantCache: make(map[string]*models.Conversation),
	}
}

// Account returns the account this resolver imports into
func (r *Resolver) Account() *models.Account {
	return r.account
}

// InvalidateCaches drops all cached lookups. Must be called after a session
// rollback, which may have discarded rows the caches still point at.
func (r *Resolver) InvalidateCaches() {
	r.contactCache = make(map[string]*models.Contact)
	r.participantCache = make(map[string]*models.Conversation)
}

// getOrCreate is the generic primitive underlying the typed operations:
// query by the identity key, create when absent. Creation is synchronous
// so the new identity is visible to subsequent lookups in the same run.
func getOrCreate[T any](find func() (*T, error), create func() (*T, error)) (bool, *T, error) {
	obj, err := find()
	if err == nil {
		return false, obj, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return false, nil, err
	}
	obj, err = create()
	if err != nil {
		return false, nil, err
	}
	return true, obj, nil
}

// GetOrCreateContact finds a contact by external ID, email address or
// telephone number (in that order, first match wins), merges the given
// attributes into it without clobbering existing values, and creates a new
// contact when nothing matched.
func (r *Resolver) GetOrCreateContact(ctx context.Context, attrs ContactInfo) (*models.Contact, error) {
	contact, err := r.findContactByAttributes(ctx, &attrs)
	if err != nil {
		return nil, err
	}

	firstName, lastName := attrs.FirstName, attrs.LastName
	if attrs.FullName != "" && firstName == "" && lastName == "" {
		firstName, lastName = splitFullName(attrs.FullName)
	}

	existing := contact != nil
	changed := false
	if existing {
		changed = fillString(&contact.ExternalID, attrs.ExternalID) || changed
		changed = fillString(&contact.FirstName, firstName) || changed
		changed = fillString(&contact.LastName, lastName) || changed
		if changed {
			if err := r.session.UpdateContact(ctx, contact); err != nil {
				return nil, err
			}
		}
	} else {
		contact = &models.Contact{
			AccountID:  r.account.ID,
			ExternalID: nullString(attrs.ExternalID),
			FirstName:  nullString(firstName),
			LastName:   nullString(lastName),
		}
		if err := r.session.CreateContact(ctx, contact); err != nil {
			return nil, err
		}
		r.stats.Add(StatContactsAdded, 1)
		r.logger.Info("importing contact", "contact", contact.String())
	}
	// Cache only an id the contact actually carries. A contact matched by
	// address keeps its stored external id, and mapping the incoming id to
	// it would corrupt later lookups.
	if attrs.ExternalID != "" && contact.ExternalID.String == attrs.ExternalID {
		r.contactCache[attrs.ExternalID] = contact
	}

	for _, value := range attrs.EmailAddresses {
		if value == "" {
			continue
		}
		addr, created, err := r.session.GetOrCreateEmailAddress(ctx, value)
		if err != nil {
			return nil, err
		}
		if created {
			r.stats.Add(StatEmailAddressesAdded, 1)
		}
		linked, err := r.session.LinkContactEmailAddress(ctx, contact.ID, addr.ID)
		if err != nil {
			return nil, err
		}
		changed = changed || (linked && existing)
	}
	for _, value := range attrs.TelephoneNumbers {
		if value == "" {
			continue
		}
		number, created, err := r.session.GetOrCreateTelephoneNumber(ctx, value)
		if err != nil {
			return nil, err
		}
		if created {
			r.stats.Add(StatTelephoneNumbersAdded, 1)
		}
		linked, err := r.session.LinkContactTelephoneNumber(ctx, contact.ID, number.ID)
		if err != nil {
			return nil, err
		}
		changed = changed || (linked && existing)
	}

	if existing && changed {
		r.stats.Add(StatContactsChanged, 1)
	}
	return contact, nil
}

// findContactByAttributes consults the identity criteria in resolution
// order; later criteria are only tried when earlier ones supplied no value
// or matched nothing.
func (r *Resolver) findContactByAttributes(ctx context.Context, attrs *ContactInfo) (*models.Contact, error) {
	if attrs.ExternalID != "" {
		contact, err := r.FindContactByExternalID(ctx, attrs.ExternalID)
		if err != nil || contact != nil {
			return contact, err
		}
	}
	for _, value := range attrs.EmailAddresses {
		contact, err := r.session.FindContactByEmailAddress(ctx, r.account.ID, value)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return contact, nil
	}
	for _, value := range attrs.TelephoneNumbers {
		contact, err := r.session.FindContactByTelephoneNumber(ctx, r.account.ID, value)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return contact, nil
	}
	return nil, nil
}

// FindContactByExternalID returns the contact with the given external ID,
// or nil when unknown. Hits are cached for the duration of the run.
func (r *Resolver) FindContactByExternalID(ctx context.Context, externalID string) (*models.Contact, error) {
	if contact, ok := r.contactCache[externalID]; ok {
		return contact, nil
	}
	contact, err := r.session.FindContactByExternalID(ctx, r.account.ID, externalID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.contactCache[externalID] = contact
	return contact, nil
}

// FindContactByKeywords returns the single contact whose name or email
// address matches every keyword. An ambiguous result (zero or several
// matches) is not an error: it is logged and resolved as no match, so the
// message is imported with an absent sender.
func (r *Resolver) FindContactByKeywords(ctx context.Context, keywords []string) (*models.Contact, error) {
	contacts, err := r.session.FindContactsByKeywords(ctx, r.account.ID, keywords)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 1 {
		return contacts[0], nil
	}
	r.logger.Info("keyword lookup did not identify a unique contact",
		"keywords", strings.Join(keywords, " "), "matches", len(contacts))
	return nil, nil
}

// ConversationAttrs are the optional attributes set when a conversation is
// first created; they never overwrite an existing conversation.
type ConversationAttrs struct {
	Name         string
	IsGroup      bool
	LastModified time.Time
}

// GetOrCreateConversation looks up a conversation by (account, external ID)
// and creates it with the given attributes when absent.
func (r *Resolver) GetOrCreateConversation(ctx context.Context, externalID string, attrs ConversationAttrs) (*models.Conversation, error) {
	created, conversation, err := getOrCreate(
		func() (*models.Conversation, error) {
			return r.session.FindConversationByExternalID(ctx, r.account.ID, externalID)
		},
		func() (*models.Conversation, error) {
			conversation := &models.Conversation{
				AccountID:           r.account.ID,
				ExternalID:          nullString(externalID),
				Name:                nullString(attrs.Name),
				LastModified:        nullTime(attrs.LastModified),
				IsGroupConversation: attrs.IsGroup,
			}
			return conversation, r.session.CreateConversation(ctx, conversation)
		},
	)
	if err != nil {
		return nil, err
	}
	if created {
		r.stats.Add(StatConversationsAdded, 1)
		r.logger.Info("importing conversation", "conversation", conversation.String())
	}
	return conversation, nil
}

// GetOrCreateConversationByParticipants matches a conversation without an
// external ID by exact participant-set equality, creating one when no
// existing conversation has that participant set.
func (r *Resolver) GetOrCreateConversationByParticipants(ctx context.Context, participantIDs []int64, attrs ConversationAttrs) (*models.Conversation, error) {
	key := participantKey(participantIDs)
	if conversation, ok := r.participantCache[key]; ok {
		return conversation, nil
	}
	candidates, err := r.session.ConversationsWithoutExternalID(ctx, r.account.ID)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		ids, err := r.session.ConversationParticipantIDs(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		if participantKey(ids) == key {
			r.participantCache[key] = candidate
			return candidate, nil
		}
	}
	conversation := &models.Conversation{
		AccountID:           r.account.ID,
		Name:                nullString(attrs.Name),
		LastModified:        nullTime(attrs.LastModified),
		IsGroupConversation: attrs.IsGroup,
	}
	if err := r.session.CreateConversation(ctx, conversation); err != nil {
		return nil, err
	}
	r.stats.Add(StatConversationsAdded, 1)
	r.participantCache[key] = conversation
	return conversation, nil
}

// MessageAttrs are the attributes of a message to import. Text and
// Timestamp are mandatory.
type MessageAttrs struct {
	ExternalID string
	Sender     *models.Contact
	Recipient  *models.Contact
	Timestamp  time.Time
	Text       string
	HTML       string
	Raw        string
}

// GetOrCreateMessage looks up a message within a conversation by its
// identity key (external ID when supplied, otherwise sender and timestamp)
// and creates it when absent. Returns whether the message was created.
func (r *Resolver) GetOrCreateMessage(ctx context.Context, conversation *models.Conversation, attrs MessageAttrs) (bool, *models.Message, error) {
	timestamp := attrs.Timestamp.UTC()
	senderID := contactID(attrs.Sender)

	// Drop HTML that renders to exactly the plain text; it adds nothing.
	html := attrs.HTML
	if html != "" {
		if rendered, err := textutil.HTMLToText(html); err == nil && rendered == attrs.Text {
			html = ""
		}
	}

	find := func() (*models.Message, error) {
		if attrs.ExternalID != "" {
			return r.session.FindMessageByExternalID(ctx, conversation.ID, attrs.ExternalID)
		}
		return r.session.FindMessageBySenderAndTimestamp(ctx, conversation.ID, senderID, timestamp)
	}
	create := func() (*models.Message, error) {
		message := &models.Message{
			ConversationID: conversation.ID,
			ExternalID:     nullString(attrs.ExternalID),
			SenderID:       senderID,
			RecipientID:    contactID(attrs.Recipient),
			Timestamp:      timestamp,
			Text:           attrs.Text,
			HTML:           nullString(html),
			Raw:            nullString(attrs.Raw),
		}
		return message, r.session.CreateMessage(ctx, message)
	}

	created, message, err := getOrCreate(find, create)
	if err != nil {
		return false, nil, err
	}
	if created {
		r.stats.Add(StatMessagesAdded, 1)
		r.logger.Debug("importing message",
			"timestamp", message.Timestamp.Format("2006-01-02"), "text", message.Text)
	}
	return created, message, nil
}

func splitFullName(fullName string) (string, string) {
	words := strings.Fields(fullName)
	if len(words) == 0 {
		return "", ""
	}
	return words[0], strings.Join(words[1:], " ")
}

// fillString sets dst to value only when dst is empty and value is not.
func fillString(dst *sql.NullString, value string) bool {
	if value == "" || (dst.Valid && dst.String != "") {
		return false
	}
	*dst = sql.NullString{String: value, Valid: true}
	return true
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value time.Time) sql.NullTime {
	return sql.NullTime{Time: value.UTC(), Valid: !value.IsZero()}
}

func contactID(contact *models.Contact) sql.NullInt64 {
	if contact == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: contact.ID, Valid: true}
}

func participantKey(ids []int64) string {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
