package duochat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replyMsg(id, sender, to string, ts int64) Message {
	m := msg(id, sender, StatusSent, ts)
	m.ReplyTo = &to
	return m
}

func viewIDs(view []VisibleMessage) []string {
	ids := make([]string, 0, len(view))
	for _, v := range view {
		ids = append(ids, v.ID)
	}
	return ids
}

func TestBuildViewVisibility(t *testing.T) {
	hidden := msg("m2", "user2", StatusRead, 2)
	hidden.DeletedFor = []string{"user1"}
	ms := messagesOf(
		msg("m3", "user1", StatusSent, 3),
		msg("m1", "user1", StatusRead, 1),
		hidden,
	)

	assert.Equal(t, []string{"m1", "m3"}, viewIDs(BuildView(ms, "user1")))
	assert.Equal(t, []string{"m1", "m2", "m3"}, viewIDs(BuildView(ms, "user2")))
}

func TestBuildViewMine(t *testing.T) {
	ms := messagesOf(msg("m1", "user1", StatusSent, 1), msg("m2", "user2", StatusSent, 2))
	view := BuildView(ms, "user1")
	require.Len(t, view, 2)
	assert.True(t, view[0].Mine)
	assert.False(t, view[1].Mine)
}

func TestBuildViewDeleted(t *testing.T) {
	d := replyMsg("m2", "user1", "m1", 2)
	d.Deleted, d.Text = true, ""
	ms := messagesOf(msg("m1", "user2", StatusSent, 1), d)

	view := BuildView(ms, "user2")
	require.Len(t, view, 2)
	assert.Equal(t, DeletedPlaceholder, view[1].Body())
	assert.Nil(t, view[1].Quote, "deleted messages lose their quote")
}

func TestBuildViewQuotes(t *testing.T) {
	target := msg("m1", "user2", StatusRead, 1)
	gone := msg("m2", "user2", StatusRead, 2)
	gone.Deleted, gone.Text = true, ""
	hidden := msg("m3", "user2", StatusRead, 3)
	hidden.DeletedFor = []string{"user1"}

	ms := messagesOf(
		target, gone, hidden,
		replyMsg("r1", "user1", "m1", 10),
		replyMsg("r2", "user1", "m2", 11),
		replyMsg("r3", "user1", "m3", 12),
		replyMsg("r4", "user1", "missing", 13),
	)
	quotes := map[string]*Quote{}
	for _, v := range BuildView(ms, "user1") {
		quotes[v.ID] = v.Quote
	}

	t.Run("live target", func(t *testing.T) {
		require.NotNil(t, quotes["r1"])
		assert.Equal(t, Quote{ID: "m1", Sender: "user2", Text: "text of m1"}, *quotes["r1"])
	})

	t.Run("deleted for everyone", func(t *testing.T) {
		require.NotNil(t, quotes["r2"])
		assert.Equal(t, "user2", quotes["r2"].Sender)
		assert.Equal(t, DeletedPlaceholder, quotes["r2"].Text)
		assert.False(t, quotes["r2"].Unavailable)
	})

	t.Run("hidden for viewer", func(t *testing.T) {
		require.NotNil(t, quotes["r3"])
		assert.True(t, quotes["r3"].Unavailable)
		assert.Empty(t, quotes["r3"].Sender)
		assert.NotContains(t, quotes["r3"].Text, "text of m3")
	})

	t.Run("missing target", func(t *testing.T) {
		require.NotNil(t, quotes["r4"])
		assert.True(t, quotes["r4"].Unavailable)
	})
}

func TestVisibleMessageJSON(t *testing.T) {
	d := msg("m1", "user1", StatusRead, 7)
	d.Deleted, d.Text = true, ""
	view := BuildView(messagesOf(d), "user1")

	b, err := json.Marshal(view[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "m1",
		"text": "🚫 This message was deleted",
		"sender": "user1",
		"status": "read",
		"timestamp": 7,
		"deleted": true,
		"mine": true
	}`, string(b))
}
