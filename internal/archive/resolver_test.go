package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/chatsync/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func newTestResolver(t *testing.T) (*Resolver, *database.Session, *Stats) {
	t.Helper()
	db := newTestDB(t)
	session := db.NewSession()
	t.Cleanup(func() { session.Close() })
	account, _, err := session.GetOrCreateAccount(context.Background(), "fake", "default")
	require.NoError(t, err)
	stats := NewStats()
	return NewResolver(session, account, stats, testLogger()), session, stats
}

func TestResolver_ContactMergeNeverClobbers(t *testing.T) {
	resolver, _, stats := newTestResolver(t)
	ctx := context.Background()

	first, err := resolver.GetOrCreateContact(ctx, ContactInfo{
		EmailAddresses: []string{"jane@example.com"},
	})
	require.NoError(t, err)
	assert.False(t, first.FirstName.Valid)

	// Same identity with richer attributes merges into the same contact.
	second, err := resolver.GetOrCreateContact(ctx, ContactInfo{
		FullName:       "Jane van Doe",
		EmailAddresses: []string{"jane@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Jane", second.FirstName.String)
	assert.Equal(t, "van Doe", second.LastName.String)

	// Existing values are never overwritten.
	third, err := resolver.GetOrCreateContact(ctx, ContactInfo{
		FullName:       "Janet Smith",
		EmailAddresses: []string{"jane@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, "Jane", third.FirstName.String)
	assert.Equal(t, "van Doe", third.LastName.String)

	assert.Equal(t, 1, stats.Get(StatContactsAdded))
	assert.Equal(t, 1, stats.Get(StatContactsChanged))
	assert.Equal(t, 1, stats.Get(StatEmailAddressesAdded))
}

func TestResolver_ContactResolutionOrder(t *testing.T) {
	resolver, _, stats := newTestResolver(t)
	ctx := context.Background()

	created, err := resolver.GetOrCreateContact(ctx, ContactInfo{
		ExternalID:       "user-1",
		EmailAddresses:   []string{"bob@example.com"},
		TelephoneNumbers: []string{"+31612345678"},
	})
	require.NoError(t, err)

	// Each identity criterion alone resolves to the same contact.
	byExternal, err := resolver.GetOrCreateContact(ctx, ContactInfo{ExternalID: "user-1", FirstName: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, byExternal.ID)

	byEmail, err := resolver.GetOrCreateContact(ctx, ContactInfo{EmailAddresses: []string{"bob@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	byPhone, err := resolver.GetOrCreateContact(ctx, ContactInfo{TelephoneNumbers: []string{"+31612345678"}})
	require.NoError(t, err)
	assert.Equal(t, created.ID, byPhone.ID)

	assert.Equal(t, 1, stats.Get(StatContactsAdded))
}

func TestResolver_FindContactByExternalIDUsesCache(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	ctx := context.Background()

	missing, err := resolver.FindContactByExternalID(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	contact, err := resolver.GetOrCreateContact(ctx, ContactInfo{ExternalID: "user-2", FirstName: "Eve"})
	require.NoError(t, err)

	found, err := resolver.FindContactByExternalID(ctx, "user-2")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Same(t, contact, found, "repeated lookups hit the run cache")
}

func TestResolver_ExternalIDMismatchNotCached(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := resolver.GetOrCreateContact(ctx, ContactInfo{
		ExternalID:     "user-1",
		EmailAddresses: []string{"jane@example.com"},
	})
	require.NoError(t, err)

	// Matched by email address; the stored external id wins over the
	// incoming one.
	second, err := resolver.GetOrCreateContact(ctx, ContactInfo{
		ExternalID:     "user-9",
		EmailAddresses: []string{"jane@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "user-1", second.ExternalID.String)

	// The unstored id must not resolve to the contact.
	byStored, err := resolver.FindContactByExternalID(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, byStored)
	assert.Equal(t, first.ID, byStored.ID)

	byIncoming, err := resolver.FindContactByExternalID(ctx, "user-9")
	require.NoError(t, err)
	assert.Nil(t, byIncoming)
}

func TestResolver_FindContactByKeywords(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := resolver.GetOrCreateContact(ctx, ContactInfo{FirstName: "Alice", EmailAddresses: []string{"alice@example.com"}})
	require.NoError(t, err)
	_, err = resolver.GetOrCreateContact(ctx, ContactInfo{FirstName: "Alicia", EmailAddresses: []string{"alicia@example.com"}})
	require.NoError(t, err)

	// "Alic" matches both contacts: ambiguous, so no match.
	ambiguous, err := resolver.FindContactByKeywords(ctx, []string{"Alic"})
	require.NoError(t, err)
	assert.Nil(t, ambiguous)

	unique, err := resolver.FindContactByKeywords(ctx, []string{"Alicia"})
	require.NoError(t, err)
	require.NotNil(t, unique)
	assert.Equal(t, "Alicia", unique.FirstName.String)

	none, err := resolver.FindContactByKeywords(ctx, []string{"Zorro"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestResolver_ConversationIdempotent(t *testing.T) {
	resolver, _, stats := newTestResolver(t)
	ctx := context.Background()

	attrs := ConversationAttrs{Name: "general", IsGroup: true}
	first, err := resolver.GetOrCreateConversation(ctx, "conv-1", attrs)
	require.NoError(t, err)
	second, err := resolver.GetOrCreateConversation(ctx, "conv-1", attrs)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.IsGroupConversation)
	assert.Equal(t, 1, stats.Get(StatConversationsAdded))
}

func TestResolver_MessageExternalIDDeduplication(t *testing.T) {
	resolver, _, stats := newTestResolver(t)
	ctx := context.Background()

	conversation, err := resolver.GetOrCreateConversation(ctx, "conv-1", ConversationAttrs{})
	require.NoError(t, err)

	attrs := MessageAttrs{
		ExternalID: "100",
		Timestamp:  time.Date(2018, 7, 22, 12, 0, 0, 0, time.UTC),
		Text:       "hello",
	}
	created, first, err := resolver.GetOrCreateMessage(ctx, conversation, attrs)
	require.NoError(t, err)
	assert.True(t, created)

	created, second, err := resolver.GetOrCreateMessage(ctx, conversation, attrs)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, stats.Get(StatMessagesAdded))
}

func TestResolver_MessageSenderTimestampFallbackKey(t *testing.T) {
	resolver, _, stats := newTestResolver(t)
	ctx := context.Background()

	conversation, err := resolver.GetOrCreateConversation(ctx, "conv-1", ConversationAttrs{})
	require.NoError(t, err)
	sender, err := resolver.GetOrCreateContact(ctx, ContactInfo{EmailAddresses: []string{"sam@example.com"}})
	require.NoError(t, err)

	timestamp := time.Date(2018, 7, 22, 12, 0, 0, 0, time.UTC)
	created, _, err := resolver.GetOrCreateMessage(ctx, conversation, MessageAttrs{
		Sender: sender, Timestamp: timestamp, Text: "first",
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Same sender and timestamp: treated as the same message.
	created, _, err = resolver.GetOrCreateMessage(ctx, conversation, MessageAttrs{
		Sender: sender, Timestamp: timestamp, Text: "first",
	})
	require.NoError(t, err)
	assert.False(t, created)

	// A different timestamp is a new message.
	created, _, err = resolver.GetOrCreateMessage(ctx, conversation, MessageAttrs{
		Sender: sender, Timestamp: timestamp.Add(time.Second), Text: "second",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, stats.Get(StatMessagesAdded))
}

func TestResolver_MessageDropsRedundantHTML(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	ctx := context.Background()

	conversation, err := resolver.GetOrCreateConversation(ctx, "conv-1", ConversationAttrs{})
	require.NoError(t, err)

	_, plain, err := resolver.GetOrCreateMessage(ctx, conversation, MessageAttrs{
		ExternalID: "1",
		Timestamp:  time.Date(2018, 7, 22, 12, 0, 0, 0, time.UTC),
		Text:       "hello world",
		HTML:       "<p>hello world</p>",
	})
	require.NoError(t, err)
	assert.False(t, plain.HTML.Valid, "HTML equal to the plain text is dropped")

	_, formatted, err := resolver.GetOrCreateMessage(ctx, conversation, MessageAttrs{
		ExternalID: "2",
		Timestamp:  time.Date(2018, 7, 22, 12, 0, 1, 0, time.UTC),
		Text:       "hello world",
		HTML:       "<p>hello <b>world</b>!</p>",
	})
	require.NoError(t, err)
	assert.True(t, formatted.HTML.Valid)
}

func TestResolver_ConversationByParticipants(t *testing.T) {
	resolver, _, stats := newTestResolver(t)
	ctx := context.Background()

	alice, err := resolver.GetOrCreateContact(ctx, ContactInfo{EmailAddresses: []string{"alice@example.com"}})
	require.NoError(t, err)
	bob, err := resolver.GetOrCreateContact(ctx, ContactInfo{EmailAddresses: []string{"bob@example.com"}})
	require.NoError(t, err)

	conversation, err := resolver.GetOrCreateConversationByParticipants(ctx, []int64{alice.ID, bob.ID}, ConversationAttrs{})
	require.NoError(t, err)
	_, _, err = resolver.GetOrCreateMessage(ctx, conversation, MessageAttrs{
		Sender:    alice,
		Recipient: bob,
		Timestamp: time.Date(2018, 7, 22, 12, 0, 0, 0, time.UTC),
		Text:      "hi bob",
	})
	require.NoError(t, err)

	// The participant set matches regardless of order, even with a cold
	// cache.
	resolver.InvalidateCaches()
	again, err := resolver.GetOrCreateConversationByParticipants(ctx, []int64{bob.ID, alice.ID}, ConversationAttrs{})
	require.NoError(t, err)
	assert.Equal(t, conversation.ID, again.ID)

	// A different participant set is a different conversation.
	carol, err := resolver.GetOrCreateContact(ctx, ContactInfo{EmailAddresses: []string{"carol@example.com"}})
	require.NoError(t, err)
	other, err := resolver.GetOrCreateConversationByParticipants(ctx, []int64{alice.ID, carol.ID}, ConversationAttrs{})
	require.NoError(t, err)
	assert.NotEqual(t, conversation.ID, other.ID)
	assert.Equal(t, 2, stats.Get(StatConversationsAdded))
}

func TestSplitFullName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		first string
		last  string
	}{
		{"empty", "", "", ""},
		{"single word", "Madonna", "Madonna", ""},
		{"two words", "Jane Doe", "Jane", "Doe"},
		{"multi word surname", "Jane van der Berg", "Jane", "van der Berg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last := splitFullName(tt.input)
			assert.Equal(t, tt.first, first)
			assert.Equal(t, tt.last, last)
		})
	}
}
