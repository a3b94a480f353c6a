package imap

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mixelka/chatsync/internal/archive"
)

var (
	// Placeholder addresses used for private messages inside group
	// conversations; the nickname after the slash is the only hint about
	// who the participant is.
	bogusEmailRegex   = regexp.MustCompile(`(?i)^private-chat(-[0-9a-f]+)+@groupchat\.google\.com$`)
	keywordSplitRegex = regexp.MustCompile(`\W+`)
)

// chatMessage is one <message> node in the jabber:client chat log
type chatMessage struct {
	Type string `xml:"type,attr"`
	From string `xml:"from,attr"`
	To   string `xml:"to,attr"`
	JID  string `xml:"jid,attr"`
	Body string `xml:"body"`
	Time struct {
		Ms string `xml:"ms,attr"`
	} `xml:"time"`
	HTML struct {
		Inner string `xml:",innerxml"`
	} `xml:"html"`
}

type chatLog struct {
	Messages []chatMessage `xml:"message"`
}

// parseChat extracts the chat messages embedded in the text/xml payload of
// a conversation email. Messages with a blank body are dropped.
func parseChat(payload []byte) ([]archive.MessageInfo, error) {
	var log chatLog
	if err := xml.Unmarshal(payload, &log); err != nil {
		return nil, archive.Permanent(fmt.Errorf("failed to parse chat log: %w", err))
	}

	group := false
	var batch []archive.MessageInfo
	for _, node := range log.Messages {
		text := strings.TrimRight(node.Body, " \t\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		timestamp, err := parseChatTimestamp(node.Time.Ms)
		if err != nil {
			return nil, err
		}
		info := archive.MessageInfo{
			Text:      text,
			HTML:      strings.TrimSpace(node.HTML.Inner),
			Timestamp: timestamp,
		}
		switch {
		case node.Type == "groupchat":
			group = true
			if node.JID != "" {
				info.Sender = contactFromJID(node.JID)
			} else if node.From != "" {
				info.Sender = contactFromJID(node.From)
			}
		case group && node.JID != "":
			// Private message sent inside a group conversation.
			info.Sender = contactFromJID(node.JID)
			info.Recipient = contactFromJID(node.To)
		default:
			info.Sender = contactFromJID(node.From)
			info.Recipient = contactFromJID(node.To)
		}
		batch = append(batch, info)
	}
	return batch, nil
}

// parseChatTimestamp converts the ms attribute of a <time> node (epoch
// milliseconds) to a UTC time
func parseChatTimestamp(ms string) (time.Time, error) {
	value, err := strconv.ParseFloat(ms, 64)
	if err != nil {
		return time.Time{}, archive.Permanent(fmt.Errorf("failed to parse message timestamp %q: %w", ms, err))
	}
	return time.UnixMilli(int64(value)).UTC(), nil
}

// contactFromJID converts a Jabber ID to a participant descriptor. Regular
// JIDs resolve through the email address before the slash; placeholder
// group-chat addresses fall back to keyword lookup on the nickname after
// the slash.
func contactFromJID(value string) *archive.ContactInfo {
	if value == "" {
		return nil
	}
	if address, nickname, found := strings.Cut(value, "/"); found {
		if bogusEmailRegex.MatchString(address) {
			var keywords []string
			for _, token := range keywordSplitRegex.Split(nickname, -1) {
				if token != "" {
					keywords = append(keywords, token)
				}
			}
			return &archive.ContactInfo{Keywords: keywords}
		}
		value = address
	}
	return &archive.ContactInfo{EmailAddresses: []string{value}}
}
