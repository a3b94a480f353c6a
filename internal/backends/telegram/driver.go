// Package telegram synchronizes messages delivered to a Telegram bot. The
// Bot API exposes no conversation history, so each run drains the pending
// updates and archives whatever messages arrived since the previous run.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/chatsync/internal/archive"
)

// Name is the backend name this driver registers under
const Name = "telegram"

const (
	updatesBufferSize = 100

	// drainIdleTimeout decides when the pending update queue is empty: once
	// no update has arrived for this long, the drain stops.
	drainIdleTimeout = 2 * time.Second
)

// Driver archives messages from pending bot updates. Updates are drained
// once during discovery and grouped by chat; FetchBatch serves each chat's
// buffered messages exactly once.
type Driver struct {
	bot     *bot.Bot
	logger  *slog.Logger
	updates chan *models.Update

	buffered map[string][]archive.MessageInfo
}

// New creates a Telegram driver and validates the bot token
func New(ctx context.Context, run *archive.RunContext) (archive.Driver, error) {
	if run.Config.TelegramToken == "" {
		return nil, archive.Fatalf("TELEGRAM_BOT_TOKEN must be set for the %s backend", Name)
	}
	d := &Driver{
		logger:  run.Logger,
		updates: make(chan *models.Update, updatesBufferSize),
	}
	b, err := bot.New(run.Config.TelegramToken, bot.WithDefaultHandler(d.collect))
	if err != nil {
		return nil, archive.Permanent(fmt.Errorf("failed to create telegram client: %w", err))
	}
	d.bot = b
	return d, nil
}

func (d *Driver) collect(ctx context.Context, b *bot.Bot, update *models.Update) {
	select {
	case d.updates <- update:
	case <-ctx.Done():
	}
}

// Discover drains the pending updates and groups them into conversations.
// The bot runs its long-polling loop until the queue idles.
func (d *Driver) Discover(ctx context.Context) ([]archive.ConversationInfo, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.bot.Start(runCtx)
	}()

	updates := drainUpdates(runCtx, d.updates, drainIdleTimeout)
	cancel()
	<-done
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations, buffered := groupUpdates(updates)
	d.buffered = buffered
	d.logger.Info("drained pending updates", "updates", len(updates), "chats", len(conversations))
	return conversations, nil
}

// drainUpdates collects updates until none arrive for idle, or the context
// is cancelled.
func drainUpdates(ctx context.Context, updates <-chan *models.Update, idle time.Duration) []*models.Update {
	var drained []*models.Update
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case update := <-updates:
			drained = append(drained, update)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		case <-timer.C:
			return drained
		case <-ctx.Done():
			return drained
		}
	}
}

// FetchBatch serves the buffered messages of a conversation. Every chat is
// delivered in one batch per run; subsequent calls return an empty batch.
func (d *Driver) FetchBatch(ctx context.Context, conversation archive.ConversationInfo, cursor string, direction archive.Direction) ([]archive.MessageInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buffered, ok := d.buffered[conversation.ExternalID]
	if !ok {
		return nil, nil
	}
	delete(d.buffered, conversation.ExternalID)
	return filterByCursor(buffered, cursor, direction), nil
}

// Close releases nothing; the Bot API client is stateless
func (d *Driver) Close() error {
	return nil
}

// groupUpdates turns a stream of bot updates into per-chat conversation
// descriptors and message buffers. Updates without a text message are
// ignored.
func groupUpdates(updates []*models.Update) ([]archive.ConversationInfo, map[string][]archive.MessageInfo) {
	var order []string
	conversations := make(map[string]*archive.ConversationInfo)
	buffered := make(map[string][]archive.MessageInfo)

	for _, update := range updates {
		msg := update.Message
		if msg == nil {
			continue
		}
		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		if text == "" {
			continue
		}

		chatID := strconv.FormatInt(msg.Chat.ID, 10)
		timestamp := time.Unix(int64(msg.Date), 0).UTC()

		info, ok := conversations[chatID]
		if !ok {
			info = &archive.ConversationInfo{
				ExternalID: chatID,
				Name:       chatName(msg.Chat),
				IsGroup:    msg.Chat.Type != models.ChatTypePrivate,
			}
			conversations[chatID] = info
			order = append(order, chatID)
		}
		if timestamp.After(info.LastModified) {
			info.LastModified = timestamp
		}

		buffered[chatID] = append(buffered[chatID], archive.MessageInfo{
			ExternalID: strconv.Itoa(msg.ID),
			Sender:     contactFromUser(msg.From),
			Timestamp:  timestamp,
			Text:       text,
		})
	}

	result := make([]archive.ConversationInfo, 0, len(order))
	for _, chatID := range order {
		result = append(result, *conversations[chatID])
	}
	return result, buffered
}

// filterByCursor keeps the messages strictly beyond the cursor in the
// requested direction. Message IDs within a chat increase monotonically.
func filterByCursor(messages []archive.MessageInfo, cursor string, direction archive.Direction) []archive.MessageInfo {
	if cursor == "" {
		return messages
	}
	boundary, err := strconv.Atoi(cursor)
	if err != nil {
		return messages
	}
	var filtered []archive.MessageInfo
	for _, m := range messages {
		id, err := strconv.Atoi(m.ExternalID)
		if err != nil {
			continue
		}
		if direction == archive.Forward && id > boundary {
			filtered = append(filtered, m)
		}
		if direction == archive.Backward && id < boundary {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

func chatName(chat models.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	name := strings.TrimSpace(strings.Join([]string{chat.FirstName, chat.LastName}, " "))
	if name != "" {
		return name
	}
	return chat.Username
}

func contactFromUser(user *models.User) *archive.ContactInfo {
	if user == nil {
		return nil
	}
	return &archive.ContactInfo{
		ExternalID: strconv.FormatInt(user.ID, 10),
		FirstName:  user.FirstName,
		LastName:   user.LastName,
	}
}
