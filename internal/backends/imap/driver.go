// Package imap synchronizes Google Talk conversations archived in an IMAP
// folder of a Google Mail account. Each email in the folder holds one
// conversation: multipart emails embed the full chat log as text/xml,
// single-part emails hold one lone message identified only by its From and
// To headers.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/mixelka/chatsync/internal/archive"
	"github.com/mixelka/chatsync/internal/textutil"
)

// Name is the backend name this driver registers under
const Name = "gtalk"

// Driver is an IMAP backed snapshot driver. Message UIDs are assumed to be
// stable across sessions, which holds for the Google Mail servers and is
// what makes discovery of new conversations possible.
type Driver struct {
	folder string
	client *client.Client
	logger *slog.Logger
}

// New connects to the configured IMAP server and selects the chats folder
func New(ctx context.Context, run *archive.RunContext) (archive.Driver, error) {
	cfg := run.Config
	if cfg.IMAPServer == "" || cfg.IMAPEmail == "" || cfg.IMAPPassword == "" {
		return nil, archive.Fatalf("IMAP_SERVER, IMAP_EMAIL and IMAP_PASSWORD must be set for the %s backend", Name)
	}

	timeout := cfg.IMAPDialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	run.Logger.Info("connecting to IMAP server", "server", cfg.IMAPServer)
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", cfg.IMAPServer, nil)
	if err != nil {
		return nil, archive.Transient(fmt.Errorf("failed to connect: %w", err))
	}
	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, archive.Transient(fmt.Errorf("failed to create IMAP client: %w", err))
	}
	if err := imapClient.Login(cfg.IMAPEmail, cfg.IMAPPassword); err != nil {
		imapClient.Logout()
		return nil, archive.Permanent(fmt.Errorf("failed to login: %w", err))
	}
	if _, err := imapClient.Select(cfg.IMAPFolder, true); err != nil {
		imapClient.Logout()
		return nil, archive.Permanent(fmt.Errorf("failed to select folder %q: %w", cfg.IMAPFolder, err))
	}

	return &Driver{
		folder: cfg.IMAPFolder,
		client: imapClient,
		logger: run.Logger,
	}, nil
}

// Snapshot reports that every conversation arrives whole in one batch
func (d *Driver) Snapshot() bool {
	return true
}

// Discover lists the emails in the chats folder. Multipart emails are
// conversations identified by their UID; single-part emails carry no
// conversation identifier and are matched by participant set instead, so
// only their Ref is set.
func (d *Driver) Discover(ctx context.Context) ([]archive.ConversationInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	uids, err := d.client.UidSearch(criteria)
	if err != nil {
		return nil, archive.Transient(fmt.Errorf("failed to search folder %q: %w", d.folder, err))
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchBodyStructure}

	messages := make(chan *imap.Message, 100)
	done := make(chan error, 1)
	go func() {
		done <- d.client.UidFetch(seqSet, items, messages)
	}()

	var conversations []archive.ConversationInfo
	for msg := range messages {
		info := archive.ConversationInfo{
			Ref: strconv.FormatUint(uint64(msg.Uid), 10),
		}
		if msg.Envelope != nil {
			info.Name = msg.Envelope.Subject
			info.LastModified = msg.Envelope.Date
			info.IsGroup = strings.HasPrefix(msg.Envelope.Subject, "Group chat")
		}
		if msg.BodyStructure != nil && strings.EqualFold(msg.BodyStructure.MIMEType, "multipart") {
			info.ExternalID = info.Ref
		}
		conversations = append(conversations, info)
	}
	if err := <-done; err != nil {
		return nil, archive.Transient(fmt.Errorf("failed to fetch envelopes: %w", err))
	}

	sort.Slice(conversations, func(i, j int) bool {
		a, _ := strconv.ParseUint(conversations[i].Ref, 10, 32)
		b, _ := strconv.ParseUint(conversations[j].Ref, 10, 32)
		return a < b
	})
	return conversations, nil
}

// FetchBatch downloads and parses the conversation email. The cursor and
// direction are irrelevant for a snapshot source and ignored.
func (d *Driver) FetchBatch(ctx context.Context, conversation archive.ConversationInfo, cursor string, direction archive.Direction) ([]archive.MessageInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uid, err := strconv.ParseUint(conversation.Ref, 10, 32)
	if err != nil {
		return nil, archive.Permanent(fmt.Errorf("invalid conversation reference %q: %w", conversation.Ref, err))
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- d.client.UidFetch(seqSet, items, messages)
	}()

	var batch []archive.MessageInfo
	var parseErr error
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			d.logger.Warn("skipping email with empty body", "uid", msg.Uid)
			continue
		}
		parsed, err := parseEmail(conversation, body)
		if err != nil {
			parseErr = err
			continue
		}
		batch = append(batch, parsed...)
	}
	if err := <-done; err != nil {
		return nil, archive.Transient(fmt.Errorf("failed to fetch email: %w", err))
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return batch, nil
}

// Close logs out from the IMAP server
func (d *Driver) Close() error {
	if err := d.client.Logout(); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// parseEmail extracts chat messages from an RFC822 conversation email.
// Conversations with an external ID are multipart emails with the chat log
// embedded as text/xml; the rest are single-part emails holding one message.
func parseEmail(conversation archive.ConversationInfo, r io.Reader) ([]archive.MessageInfo, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, archive.Permanent(fmt.Errorf("failed to read email: %w", err))
	}
	if conversation.ExternalID != "" {
		return parseChatParts(mr)
	}
	return parseSinglepart(conversation.Ref, mr)
}

func parseChatParts(mr *mail.Reader) ([]archive.MessageInfo, error) {
	var batch []archive.MessageInfo
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, archive.Permanent(fmt.Errorf("failed to read email part: %w", err))
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		if contentType != "text/xml" {
			continue
		}
		payload, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, archive.Permanent(fmt.Errorf("failed to read email part: %w", err))
		}
		messages, err := parseChat(payload)
		if err != nil {
			return nil, err
		}
		batch = append(batch, messages...)
	}
	return batch, nil
}

func parseSinglepart(uid string, mr *mail.Reader) ([]archive.MessageInfo, error) {
	date, err := mr.Header.Date()
	if err != nil {
		return nil, archive.Permanent(fmt.Errorf("failed to parse email date: %w", err))
	}
	sender, err := contactFromAddressHeader(mr.Header, "From")
	if err != nil {
		return nil, err
	}
	recipient, err := contactFromAddressHeader(mr.Header, "To")
	if err != nil {
		return nil, err
	}

	var html, plain string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, archive.Permanent(fmt.Errorf("failed to read email part: %w", err))
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		if strings.HasPrefix(contentType, "text/html") {
			html = string(body)
		} else if strings.HasPrefix(contentType, "text/plain") {
			plain = string(body)
		}
	}

	text := plain
	if html != "" {
		if rendered, err := textutil.HTMLToText(html); err == nil {
			text = rendered
		}
	}
	return []archive.MessageInfo{{
		ExternalID: uid,
		Sender:     sender,
		Recipient:  recipient,
		Timestamp:  date,
		Text:       text,
		HTML:       html,
	}}, nil
}

func contactFromAddressHeader(header mail.Header, key string) (*archive.ContactInfo, error) {
	addresses, err := header.AddressList(key)
	if err != nil || len(addresses) == 0 {
		return nil, archive.Permanent(fmt.Errorf("failed to parse %s header: %w", key, err))
	}
	address := addresses[0]
	return &archive.ContactInfo{
		FullName:       address.Name,
		EmailAddresses: []string{address.Address},
	}, nil
}
