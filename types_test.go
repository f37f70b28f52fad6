package duochat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRank(t *testing.T) {
	assert.Less(t, StatusSent.Rank(), StatusDelivered.Rank())
	assert.Less(t, StatusDelivered.Rank(), StatusRead.Rank())
	assert.Equal(t, 0, Status("bogus").Rank())
	assert.False(t, Status("").Valid())
	assert.True(t, StatusRead.Valid())
}

func TestNewMessageID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		require.True(t, strings.HasPrefix(id, "msg_"), id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestMessageJSON(t *testing.T) {
	t.Run("document shape", func(t *testing.T) {
		m := Message{ID: "m1", Text: "hi", Sender: "user1", Status: StatusSent, Timestamp: 1700000000000}
		b, err := json.Marshal(m)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"text": "hi",
			"sender": "user1",
			"status": "sent",
			"timestamp": 1700000000000,
			"replyTo": null,
			"deleted": false,
			"deletedFor": []
		}`, string(b))
	})

	t.Run("mapping binds ids", func(t *testing.T) {
		var ms Messages
		require.NoError(t, json.Unmarshal([]byte(`{"a":{"text":"x","sender":"user1","status":"read","timestamp":5}}`), &ms))
		assert.Equal(t, "a", ms["a"].ID)
		assert.Equal(t, StatusRead, ms["a"].Status)
	})
}

func TestDecodeMessages(t *testing.T) {
	doc := Document{
		"ok":     json.RawMessage(`{"text":"hello","sender":"user2","status":"sent","timestamp":1,"replyTo":null,"deleted":false,"deletedFor":[]}`),
		"broken": json.RawMessage(`"not a message"`),
		"null":   json.RawMessage(`null`),
		"":       json.RawMessage(`{"text":"no key"}`),
	}

	ms, bad := DecodeMessages(doc)

	require.Len(t, ms, 1)
	assert.Equal(t, "hello", ms["ok"].Text)
	assert.Equal(t, "ok", ms["ok"].ID)
	assert.ElementsMatch(t, []string{"broken", "null", ""}, bad)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	reply := "m1"
	in := messagesOf(msg("m1", "user1", StatusRead, 1))
	m2 := msg("m2", "user2", StatusSent, 2)
	m2.ReplyTo = &reply
	m2.DeletedFor = []string{"user1"}
	in["m2"] = m2

	doc, err := EncodeMessages(in)
	require.NoError(t, err)
	out, bad := DecodeMessages(doc)

	assert.Empty(t, bad)
	assert.Equal(t, in, out)
}

func TestMessagesSorted(t *testing.T) {
	ms := messagesOf(
		msg("b", "user1", StatusSent, 2),
		msg("a", "user1", StatusSent, 2),
		msg("c", "user1", StatusSent, 1),
	)
	var ids []string
	for _, m := range ms.Sorted() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestTypingBookActive(t *testing.T) {
	now := time.UnixMilli(10_000)
	book := TypingBook{"user1": 8_000, "user2": 6_000, "user3": 0}

	assert.True(t, book.Active("user1", now))
	assert.False(t, book.Active("user2", now), "older than the timeout")
	assert.False(t, book.Active("user3", now))
	assert.False(t, book.Active("nobody", now))
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("test", 0)
	assert.Equal(t, "9:05 PM", FormatTime(time.Date(2026, 1, 2, 21, 5, 0, 0, loc)))
	assert.Equal(t, "12:00 AM", FormatTime(time.Date(2026, 1, 2, 0, 0, 0, 0, loc)))
	assert.Equal(t, "12:30 PM", FormatTime(time.Date(2026, 1, 2, 12, 30, 0, 0, loc)))
}
