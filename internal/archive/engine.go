package archive

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/mixelka/chatsync/internal/config"
	"github.com/mixelka/chatsync/internal/database"
	"github.com/mixelka/chatsync/pkg/models"
)

// Engine drives synchronization runs: it selects accounts, creates drivers
// through the registry and reconciles every discovered conversation with the
// local archive.
type Engine struct {
	db       *database.DB
	registry *Registry
	config   *config.Config
	logger   *slog.Logger
	backoff  BackoffPolicy
}

// NewEngine creates a synchronization engine
func NewEngine(db *database.DB, registry *Registry, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		db:       db,
		registry: registry,
		config:   cfg,
		logger:   logger,
		backoff:  DefaultBackoffPolicy(),
	}
}

// Synchronize runs one pass over every selected account of every registered
// backend. With force set, conversations flagged with import errors are
// retried instead of skipped.
//
// A FatalError or context cancellation aborts the whole run; any other
// account-level failure is logged and the run continues with the next
// account. The returned statistics cover everything the run imported.
func (e *Engine) Synchronize(ctx context.Context, force bool) (*Stats, error) {
	stats := NewStats()
	for _, backend := range e.registry.Names() {
		names, selected := e.config.AccountsForBackend(backend)
		if !selected {
			continue
		}
		accounts, err := e.selectAccounts(ctx, backend, names)
		if err != nil {
			return stats, err
		}
		for _, account := range accounts {
			if err := e.syncAccount(ctx, stats, backend, account, force); err != nil {
				if IsFatal(err) || ctx.Err() != nil {
					return stats, err
				}
				e.logger.Error("failed to synchronize account",
					"backend", backend, "account", account, "error", err)
			}
		}
	}
	if summary := stats.Summary(); summary != "" {
		e.logger.Info("synchronization finished", "imported", summary)
	} else {
		e.logger.Info("synchronization finished, no new data")
	}
	return stats, nil
}

// selectAccounts unions the explicitly configured account names with the
// accounts already present in the archive for this backend, so previously
// imported accounts keep synchronizing without reconfiguration. With no
// selection at all the backend's default account is used.
func (e *Engine) selectAccounts(ctx context.Context, backend string, names []string) ([]string, error) {
	known, err := e.db.AccountNames(ctx, backend)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var accounts []string
	for _, name := range append(names, known...) {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		accounts = append(accounts, name)
	}
	if len(accounts) == 0 {
		accounts = []string{"default"}
	}
	return accounts, nil
}

func (e *Engine) syncAccount(ctx context.Context, stats *Stats, backend, account string, force bool) error {
	logger := e.logger.With("backend", backend, "account", account)
	session := e.db.NewSession()
	defer session.Close()

	acct, created, err := session.GetOrCreateAccount(ctx, backend, account)
	if err != nil {
		return err
	}
	if created {
		stats.Add(StatAccountsAdded, 1)
	}

	stats.Push()
	defer stats.Pop()

	run := &RunContext{
		BackendName: backend,
		AccountName: account,
		Config:      e.config,
		Logger:      logger,
		Stats:       stats,
	}
	driver, err := e.registry.New(ctx, backend, run)
	if err != nil {
		return err
	}
	defer driver.Close()

	snapshot := false
	if s, ok := driver.(Snapshotter); ok {
		snapshot = s.Snapshot()
	}

	r := &accountRun{
		engine:   e,
		session:  session,
		resolver: NewResolver(session, acct, stats, logger),
		driver:   driver,
		snapshot: snapshot,
		stats:    stats,
		logger:   logger,
		force:    force,
	}

	logger.Info("discovering conversations")
	conversations, err := driver.Discover(ctx)
	if err != nil {
		return err
	}
	logger.Info("discovered conversations", "count", len(conversations))

	for _, info := range conversations {
		if err := r.syncConversation(ctx, info); err != nil {
			return err
		}
	}
	if err := session.Commit(); err != nil {
		return err
	}
	if summary := stats.Summary(); summary != "" {
		logger.Info("imported account data", "imported", summary)
	}
	return nil
}

// accountRun bundles the per-account state threaded through conversation
// synchronization.
type accountRun struct {
	engine   *Engine
	session  *database.Session
	resolver *Resolver
	driver   Driver
	snapshot bool
	stats    *Stats
	logger   *slog.Logger
	force    bool
}

// syncConversation reconciles one discovered conversation. Only fatal errors
// and context cancellation propagate; everything else flags the conversation
// and lets the run continue.
func (r *accountRun) syncConversation(ctx context.Context, info ConversationInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if info.ExternalID == "" {
		return r.syncUnidentified(ctx, info)
	}

	attrs := ConversationAttrs{Name: info.Name, IsGroup: info.IsGroup, LastModified: info.LastModified}
	conversation, err := r.resolver.GetOrCreateConversation(ctx, info.ExternalID, attrs)
	if err != nil {
		return err
	}
	// Checkpoint so the conversation row survives a later batch rollback.
	if err := r.session.Commit(); err != nil {
		return err
	}

	logger := r.logger.With("conversation", conversation.String())

	// Error-flagged conversations are skipped regardless of how far the
	// import got; only a forced retry touches them again.
	if conversation.ImportErrors && !r.force {
		logger.Info("skipping conversation with previous import errors (use --force to retry)")
		r.stats.Add(StatSkippedConversations, 1)
		return nil
	}

	if conversation.ImportComplete && !conversation.ImportErrors {
		if !remoteNewer(info, conversation) {
			logger.Debug("skipping conversation without remote changes")
			r.stats.Add(StatSkippedConversations, 1)
			return nil
		}
		return r.download(ctx, logger, conversation, info, Forward)
	}

	// Initial import, resume after an interruption or forced retry.
	if r.snapshot && (conversation.ImportComplete || conversation.ImportErrors) {
		// Snapshot sources re-deliver the full conversation, so the stale
		// local copy is removed before re-importing.
		if err := r.session.DeleteConversationMessages(ctx, conversation.ID); err != nil {
			return err
		}
	}
	return r.download(ctx, logger, conversation, info, Backward)
}

// remoteNewer reports whether the remote conversation changed since the last
// completed import. Unknown modification times on either side force a check.
func remoteNewer(info ConversationInfo, conversation *models.Conversation) bool {
	if info.LastModified.IsZero() || !conversation.LastModified.Valid {
		return true
	}
	return info.LastModified.After(conversation.LastModified.Time)
}

// download imports messages in the given direction inside a dedicated
// statistics scope, then persists the resulting sync state. On a non-fatal
// failure the uncommitted tail is rolled back, the conversation is flagged
// and a nil error lets the run continue.
func (r *accountRun) download(ctx context.Context, logger *slog.Logger, conversation *models.Conversation, info ConversationInfo, direction Direction) error {
	r.stats.Push()
	defer r.stats.Pop()

	err := r.downloadMessages(ctx, logger, conversation, info, direction)
	if err != nil {
		if IsFatal(err) || ctx.Err() != nil {
			return err
		}
		logger.Error("failed to import conversation", "error", err)
		if cerr := r.session.Close(); cerr != nil {
			return cerr
		}
		r.resolver.InvalidateCaches()
		if uerr := r.session.UpdateConversationSyncState(ctx, conversation.ID, conversation.ImportComplete, true); uerr != nil {
			return uerr
		}
		if cerr := r.session.Commit(); cerr != nil {
			return cerr
		}
		conversation.ImportErrors = true
		r.stats.Add(StatFailedConversations, 1)
		return nil
	}

	if err := r.session.UpdateConversationSyncState(ctx, conversation.ID, true, false); err != nil {
		return err
	}
	conversation.ImportComplete = true
	conversation.ImportErrors = false
	if !info.LastModified.IsZero() {
		if err := r.session.UpdateConversationLastModified(ctx, conversation.ID, info.LastModified.UTC()); err != nil {
			return err
		}
	}
	if err := r.session.Commit(); err != nil {
		return err
	}
	if summary := r.stats.Summary(); summary != "" {
		logger.Info("imported conversation data", "imported", summary)
	}
	return nil
}

// downloadMessages pages through the conversation, applying and committing
// one batch at a time so an interruption never loses more than the current
// batch.
func (r *accountRun) downloadMessages(ctx context.Context, logger *slog.Logger, conversation *models.Conversation, info ConversationInfo, direction Direction) error {
	cursor, err := r.initialCursor(ctx, conversation, direction)
	if err != nil {
		return err
	}
	for {
		batch, err := r.engine.backoff.FetchBatch(ctx, logger, r.driver, info, cursor, direction)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		added, bounds, err := r.applyBatch(ctx, conversation, batch)
		if err != nil {
			return err
		}
		if err := r.session.Commit(); err != nil {
			return err
		}
		logger.Debug("imported batch",
			"messages", len(batch), "new", added, "direction", direction.String())
		if r.snapshot {
			// The first batch was the whole conversation.
			return nil
		}
		if direction == Backward && added == 0 {
			// Local history already covers everything older than here.
			return nil
		}
		next := bounds.newest
		if direction == Backward {
			next = bounds.oldest
		}
		if next == "" || next == cursor {
			return nil
		}
		cursor = next
	}
}

// initialCursor resumes paging from the boundary of the locally stored
// messages: the oldest known message for backward imports, the newest for
// forward ones. An empty cursor starts from the conversation's edge.
func (r *accountRun) initialCursor(ctx context.Context, conversation *models.Conversation, direction Direction) (string, error) {
	var message *models.Message
	var err error
	if direction == Backward {
		message, err = r.session.OldestMessage(ctx, conversation.ID)
	} else {
		message, err = r.session.NewestMessage(ctx, conversation.ID)
	}
	if errors.Is(err, database.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if message.ExternalID.Valid {
		return message.ExternalID.String, nil
	}
	return "", nil
}

type batchBounds struct {
	oldest string
	newest string
}

// applyBatch resolves the participants of every message in the batch and
// stores the messages in ascending timestamp order, so an interruption
// leaves a contiguous prefix rather than holes.
func (r *accountRun) applyBatch(ctx context.Context, conversation *models.Conversation, batch []MessageInfo) (int, batchBounds, error) {
	sorted := sortByTimestamp(batch)
	bounds := batchBounds{
		oldest: sorted[0].ExternalID,
		newest: sorted[len(sorted)-1].ExternalID,
	}
	added := 0
	for _, m := range sorted {
		sender, err := r.resolveParticipant(ctx, m.Sender)
		if err != nil {
			return added, bounds, err
		}
		recipient, err := r.resolveParticipant(ctx, m.Recipient)
		if err != nil {
			return added, bounds, err
		}
		created, _, err := r.resolver.GetOrCreateMessage(ctx, conversation, MessageAttrs{
			ExternalID: m.ExternalID,
			Sender:     sender,
			Recipient:  recipient,
			Timestamp:  m.Timestamp,
			Text:       m.Text,
			HTML:       m.HTML,
			Raw:        m.Raw,
		})
		if err != nil {
			return added, bounds, err
		}
		if created {
			added++
		}
	}
	return added, bounds, nil
}

// resolveParticipant maps a participant descriptor to a contact. Descriptors
// with identifying attributes may create a contact; bare external IDs and
// keyword hints only look one up, and an unresolvable participant stays
// absent rather than failing the message.
func (r *accountRun) resolveParticipant(ctx context.Context, info *ContactInfo) (*models.Contact, error) {
	switch {
	case info == nil:
		return nil, nil
	case info.identifying():
		return r.resolver.GetOrCreateContact(ctx, *info)
	case info.ExternalID != "":
		return r.resolver.FindContactByExternalID(ctx, info.ExternalID)
	case len(info.Keywords) > 0:
		return r.resolver.FindContactByKeywords(ctx, info.Keywords)
	default:
		return nil, nil
	}
}

// syncUnidentified imports a conversation the service assigns no identifier
// to. The messages are fetched first, then the conversation is matched to an
// existing one by its exact participant set.
func (r *accountRun) syncUnidentified(ctx context.Context, info ConversationInfo) error {
	logger := r.logger
	if info.Name != "" {
		logger = logger.With("conversation", info.Name)
	}
	r.stats.Push()
	defer r.stats.Pop()

	err := r.importUnidentified(ctx, logger, info)
	if err != nil {
		if IsFatal(err) || ctx.Err() != nil {
			return err
		}
		logger.Error("failed to import conversation", "error", err)
		if cerr := r.session.Close(); cerr != nil {
			return cerr
		}
		r.resolver.InvalidateCaches()
		r.stats.Add(StatFailedConversations, 1)
		return nil
	}
	if summary := r.stats.Summary(); summary != "" {
		logger.Info("imported conversation data", "imported", summary)
	}
	return nil
}

func (r *accountRun) importUnidentified(ctx context.Context, logger *slog.Logger, info ConversationInfo) error {
	batch, err := r.engine.backoff.FetchBatch(ctx, logger, r.driver, info, "", Backward)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	sorted := sortByTimestamp(batch)
	senders := make([]*models.Contact, len(sorted))
	recipients := make([]*models.Contact, len(sorted))
	participants := make(map[int64]struct{})
	for i, m := range sorted {
		if senders[i], err = r.resolveParticipant(ctx, m.Sender); err != nil {
			return err
		}
		if recipients[i], err = r.resolveParticipant(ctx, m.Recipient); err != nil {
			return err
		}
		if senders[i] != nil {
			participants[senders[i].ID] = struct{}{}
		}
		if recipients[i] != nil {
			participants[recipients[i].ID] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(participants))
	for id := range participants {
		ids = append(ids, id)
	}

	attrs := ConversationAttrs{Name: info.Name, IsGroup: info.IsGroup, LastModified: info.LastModified}
	conversation, err := r.resolver.GetOrCreateConversationByParticipants(ctx, ids, attrs)
	if err != nil {
		return err
	}
	for i, m := range sorted {
		_, _, err := r.resolver.GetOrCreateMessage(ctx, conversation, MessageAttrs{
			ExternalID: m.ExternalID,
			Sender:     senders[i],
			Recipient:  recipients[i],
			Timestamp:  m.Timestamp,
			Text:       m.Text,
			HTML:       m.HTML,
			Raw:        m.Raw,
		})
		if err != nil {
			return err
		}
	}
	if err := r.session.UpdateConversationSyncState(ctx, conversation.ID, true, conversation.ImportErrors); err != nil {
		return err
	}
	if !info.LastModified.IsZero() {
		if err := r.session.UpdateConversationLastModified(ctx, conversation.ID, info.LastModified.UTC()); err != nil {
			return err
		}
	}
	return r.session.Commit()
}

func sortByTimestamp(batch []MessageInfo) []MessageInfo {
	sorted := make([]MessageInfo, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}
