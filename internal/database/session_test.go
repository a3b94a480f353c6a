package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/chatsync/pkg/models"
)

func TestSession_CommitIsCheckpoint(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	session := db.NewSession()
	account, created, err := session.GetOrCreateAccount(ctx, "gtalk", "default")
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, session.Commit())

	// Writes after the checkpoint are visible inside the session but roll
	// back with Close.
	conversation := &models.Conversation{
		AccountID:  account.ID,
		ExternalID: sql.NullString{String: "conv-1", Valid: true},
	}
	require.NoError(t, session.CreateConversation(ctx, conversation))
	found, err := session.FindConversationByExternalID(ctx, account.ID, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.ID, found.ID)
	require.NoError(t, session.Close())

	fresh := db.NewSession()
	defer fresh.Close()
	_, err = fresh.FindConversationByExternalID(ctx, account.ID, "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The account committed before the rollback survived.
	_, created, err = fresh.GetOrCreateAccount(ctx, "gtalk", "default")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSession_ReusableAfterClose(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	session := db.NewSession()
	_, _, err := session.GetOrCreateAccount(ctx, "gtalk", "default")
	require.NoError(t, err)
	require.NoError(t, session.Close())

	// A new transaction starts lazily on the next access.
	_, created, err := session.GetOrCreateAccount(ctx, "gtalk", "default")
	require.NoError(t, err)
	assert.True(t, created, "the rolled back account is gone")
	require.NoError(t, session.Commit())
	require.NoError(t, session.Close())
}

func TestSession_LinkContactEmailAddressIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	session := db.NewSession()
	defer session.Close()

	account, _, err := session.GetOrCreateAccount(ctx, "gtalk", "default")
	require.NoError(t, err)
	contact := &models.Contact{AccountID: account.ID}
	require.NoError(t, session.CreateContact(ctx, contact))

	address, created, err := session.GetOrCreateEmailAddress(ctx, "sam@example.com")
	require.NoError(t, err)
	assert.True(t, created)

	linked, err := session.LinkContactEmailAddress(ctx, contact.ID, address.ID)
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = session.LinkContactEmailAddress(ctx, contact.ID, address.ID)
	require.NoError(t, err)
	assert.False(t, linked, "existing association is left alone")

	again, created, err := session.GetOrCreateEmailAddress(ctx, "sam@example.com")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, address.ID, again.ID, "addresses are globally unique")
}

func TestSession_FindMessageBySenderAndTimestampNullSender(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	session := db.NewSession()
	defer session.Close()

	account, _, err := session.GetOrCreateAccount(ctx, "gtalk", "default")
	require.NoError(t, err)
	conversation := &models.Conversation{AccountID: account.ID}
	require.NoError(t, session.CreateConversation(ctx, conversation))

	timestamp := time.Date(2018, 7, 22, 12, 0, 0, 0, time.UTC)
	message := &models.Message{
		ConversationID: conversation.ID,
		Timestamp:      timestamp,
		Text:           "anonymous",
	}
	require.NoError(t, session.CreateMessage(ctx, message))

	found, err := session.FindMessageBySenderAndTimestamp(ctx, conversation.ID, sql.NullInt64{}, timestamp)
	require.NoError(t, err)
	assert.Equal(t, message.ID, found.ID)

	_, err = session.FindMessageBySenderAndTimestamp(ctx, conversation.ID, sql.NullInt64{Int64: 99, Valid: true}, timestamp)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSession_MessageBoundaries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	session := db.NewSession()
	defer session.Close()

	account, _, err := session.GetOrCreateAccount(ctx, "gtalk", "default")
	require.NoError(t, err)
	conversation := &models.Conversation{AccountID: account.ID}
	require.NoError(t, session.CreateConversation(ctx, conversation))

	_, err = session.OldestMessage(ctx, conversation.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2018, 7, 22, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "c", "a"} {
		offsets := []time.Duration{time.Minute, 2 * time.Minute, 0}
		require.NoError(t, session.CreateMessage(ctx, &models.Message{
			ConversationID: conversation.ID,
			ExternalID:     sql.NullString{String: id, Valid: true},
			Timestamp:      base.Add(offsets[i]),
			Text:           id,
		}))
	}

	oldest, err := session.OldestMessage(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", oldest.ExternalID.String)

	newest, err := session.NewestMessage(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, "c", newest.ExternalID.String)
}

func TestSession_DeleteConversationMessages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	session := db.NewSession()
	defer session.Close()

	account, _, err := session.GetOrCreateAccount(ctx, "gtalk", "default")
	require.NoError(t, err)
	keep := &models.Conversation{AccountID: account.ID, ExternalID: sql.NullString{String: "keep", Valid: true}}
	require.NoError(t, session.CreateConversation(ctx, keep))
	wipe := &models.Conversation{AccountID: account.ID, ExternalID: sql.NullString{String: "wipe", Valid: true}}
	require.NoError(t, session.CreateConversation(ctx, wipe))

	base := time.Date(2018, 7, 22, 12, 0, 0, 0, time.UTC)
	for _, conversation := range []*models.Conversation{keep, wipe} {
		require.NoError(t, session.CreateMessage(ctx, &models.Message{
			ConversationID: conversation.ID,
			Timestamp:      base,
			Text:           "hello",
		}))
	}

	require.NoError(t, session.DeleteConversationMessages(ctx, wipe.ID))
	_, err = session.OldestMessage(ctx, wipe.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = session.OldestMessage(ctx, keep.ID)
	assert.NoError(t, err)
}

func TestSession_ConversationParticipantIDs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	session := db.NewSession()
	defer session.Close()

	account, _, err := session.GetOrCreateAccount(ctx, "gtalk", "default")
	require.NoError(t, err)
	alice := &models.Contact{AccountID: account.ID}
	require.NoError(t, session.CreateContact(ctx, alice))
	bob := &models.Contact{AccountID: account.ID}
	require.NoError(t, session.CreateContact(ctx, bob))

	conversation := &models.Conversation{AccountID: account.ID}
	require.NoError(t, session.CreateConversation(ctx, conversation))

	base := time.Date(2018, 7, 22, 12, 0, 0, 0, time.UTC)
	require.NoError(t, session.CreateMessage(ctx, &models.Message{
		ConversationID: conversation.ID,
		SenderID:       sql.NullInt64{Int64: alice.ID, Valid: true},
		RecipientID:    sql.NullInt64{Int64: bob.ID, Valid: true},
		Timestamp:      base,
		Text:           "hi",
	}))
	require.NoError(t, session.CreateMessage(ctx, &models.Message{
		ConversationID: conversation.ID,
		SenderID:       sql.NullInt64{Int64: bob.ID, Valid: true},
		RecipientID:    sql.NullInt64{Int64: alice.ID, Valid: true},
		Timestamp:      base.Add(time.Minute),
		Text:           "hi back",
	}))

	ids, err := session.ConversationParticipantIDs(ctx, conversation.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{alice.ID, bob.ID}, ids)
}
