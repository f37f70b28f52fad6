package duochat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Timings & Keys
// ============================================================================

const (
	// TypingTimeout is how long a typing timestamp counts as "currently typing".
	TypingTimeout = 3000 * time.Millisecond
	// TypingDebounce clears the local typing state after this much inactivity.
	TypingDebounce = 2000 * time.Millisecond
	// TypingSweepInterval is the period of the stale-typing sweep.
	TypingSweepInterval = 3000 * time.Millisecond
	// IncomingWindow bounds how old a partner message may be to count as "incoming".
	IncomingWindow = 5 * time.Second
)

// Local store document keys.
const (
	KeyMessages = "duochat_messages"
	KeyPresence = "duochat_presence"
	KeyTyping   = "duochat_typing"
	KeyUser     = "duochat_user"
)

// DefaultMessagesPath is the mirror path the messages mapping lives under.
const DefaultMessagesPath = "chat/messages"

// DeletedPlaceholder replaces the body of a message deleted for everyone.
const DeletedPlaceholder = "🚫 This message was deleted"

// ============================================================================
// Status
// ============================================================================

// Status is the delivery state of a message. It only moves forward:
// sent < delivered < read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown values rank 0, below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.Rank() > 0 }

// ============================================================================
// Message
// ============================================================================

// Message is a single chat message. ID is the key of the mapping the
// message is stored under and is not part of the document body.
type Message struct {
	ID         string   `json:"-"`
	Text       string   `json:"text"`
	Sender     string   `json:"sender"`
	Status     Status   `json:"status"`
	Timestamp  int64    `json:"timestamp"`
	ReplyTo    *string  `json:"replyTo"`
	Deleted    bool     `json:"deleted"`
	DeletedFor []string `json:"deletedFor"`
}

// MarshalJSON keeps deletedFor an array even when no one has hidden the message.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	p := plain(m)
	if p.DeletedFor == nil {
		p.DeletedFor = []string{}
	}
	return json.Marshal(p)
}

// HiddenFor reports whether participant has deleted the message for themselves.
func (m *Message) HiddenFor(participant string) bool {
	for _, p := range m.DeletedFor {
		if p == participant {
			return true
		}
	}
	return false
}

// Body is the readable text of the message.
func (m *Message) Body() string {
	if m.Deleted {
		return DeletedPlaceholder
	}
	return m.Text
}

// Time returns the creation time.
func (m *Message) Time() time.Time { return time.UnixMilli(m.Timestamp) }

func (m Message) clone() Message {
	c := m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	if m.DeletedFor != nil {
		c.DeletedFor = make([]string, len(m.DeletedFor))
		copy(c.DeletedFor, m.DeletedFor)
	}
	return c
}

// NewMessageID returns a fresh id: a millisecond timestamp plus random bits.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "msg_" + uuid.NewString()
	}
	return "msg_" + id.String()
}

// ============================================================================
// Messages
// ============================================================================

// Messages maps message id to message.
type Messages map[string]Message

// UnmarshalJSON binds each message's ID to its key.
func (ms *Messages) UnmarshalJSON(data []byte) error {
	var raw map[string]Message
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Messages, len(raw))
	for id, m := range raw {
		m.ID = id
		out[id] = m
	}
	*ms = out
	return nil
}

// Clone returns a deep copy.
func (ms Messages) Clone() Messages {
	out := make(Messages, len(ms))
	for id, m := range ms {
		out[id] = m.clone()
	}
	return out
}

// Sorted returns the messages in display order (timestamp, then id).
func (ms Messages) Sorted() []Message {
	out := make([]Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ============================================================================
// Documents
// ============================================================================

// Document is a JSON object keyed by field; the unit the mirror stores.
type Document map[string]json.RawMessage

// EncodeMessages turns a messages mapping into a mirror document.
func EncodeMessages(ms Messages) (Document, error) {
	doc := make(Document, len(ms))
	for id, m := range ms {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode message %s: %w", id, err)
		}
		doc[id] = b
	}
	return doc, nil
}

// DecodeMessages reads a mirror document. Entries that are not valid
// messages are skipped and their keys returned so the caller can log them.
func DecodeMessages(doc Document) (Messages, []string) {
	out := make(Messages, len(doc))
	var bad []string
	for id, raw := range doc {
		if strings.TrimSpace(id) == "" {
			bad = append(bad, id)
			continue
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil || string(raw) == "null" {
			bad = append(bad, id)
			continue
		}
		m.ID = id
		out[id] = m
	}
	return out, bad
}

// ============================================================================
// Presence & Typing
// ============================================================================

// Presence is a participant's online state as last written by its owner.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"`
}

// PresenceBook maps participant to presence.
type PresenceBook map[string]Presence

// TypingBook maps participant to the unix-ms time of their last keystroke, or 0.
type TypingBook map[string]int64

// Active reports whether participant counts as typing at now.
func (t TypingBook) Active(participant string, now time.Time) bool {
	ts := t[participant]
	return ts != 0 && now.UnixMilli()-ts < TypingTimeout.Milliseconds()
}

// ============================================================================
// View
// ============================================================================

// Quote is the resolved reply target shown above a message.
type Quote struct {
	ID          string `json:"id"`
	Sender      string `json:"sender,omitempty"`
	Text        string `json:"text"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// VisibleMessage is one entry of a participant's rendered view.
type VisibleMessage struct {
	Message
	Mine  bool   `json:"mine"`
	Quote *Quote `json:"quote,omitempty"`
}

// MarshalJSON includes the id, which the embedded Message leaves out.
func (v VisibleMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string  `json:"id"`
		Text      string  `json:"text"`
		Sender    string  `json:"sender"`
		Status    Status  `json:"status"`
		Timestamp int64   `json:"timestamp"`
		Deleted   bool    `json:"deleted"`
		Mine      bool    `json:"mine"`
		Quote     *Quote  `json:"quote,omitempty"`
		ReplyTo   *string `json:"replyTo,omitempty"`
	}{v.ID, v.Body(), v.Sender, v.Status, v.Timestamp, v.Deleted, v.Mine, v.Quote, v.ReplyTo})
}
