package duochat

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func msg(id, sender string, status Status, ts int64) Message {
	return Message{
		ID:         id,
		Text:       "text of " + id,
		Sender:     sender,
		Status:     status,
		Timestamp:  ts,
		DeletedFor: []string{},
	}
}

func messagesOf(ms ...Message) Messages {
	out := Messages{}
	for _, m := range ms {
		out[m.ID] = m
	}
	return out
}

// ============================================================================
// Merge
// ============================================================================

func TestMergeAdoptsRemoteOnly(t *testing.T) {
	local := messagesOf(msg("m1", "user1", StatusSent, 1))
	remote := messagesOf(msg("m2", "user2", StatusSent, 2))

	merged, changed := Merge(local, remote)

	require.True(t, changed)
	require.Len(t, merged, 2)
	assert.Equal(t, "m2", merged["m2"].ID)
	assert.Equal(t, "text of m2", merged["m2"].Text)
	assert.Len(t, local, 1, "local input must not be modified")
}

func TestMergeKeepsLocalOnly(t *testing.T) {
	local := messagesOf(msg("m1", "user1", StatusSent, 1))
	merged, changed := Merge(local, Messages{})
	assert.False(t, changed)
	assert.Equal(t, local, merged)
}

func TestMergeEmptyRemote(t *testing.T) {
	t.Run("nil remote", func(t *testing.T) {
		merged, changed := Merge(Messages{}, nil)
		assert.False(t, changed)
		assert.Empty(t, merged)
	})

	t.Run("both empty", func(t *testing.T) {
		merged, changed := Merge(nil, nil)
		assert.False(t, changed)
		assert.NotNil(t, merged)
	})
}

func TestMergeStatus(t *testing.T) {
	cases := []struct {
		name    string
		rule    StatusRule
		local   Status
		remote  Status
		want    Status
		changed bool
	}{
		{"forward adopts higher", StatusForwardOnly, StatusSent, StatusRead, StatusRead, true},
		{"forward keeps higher local", StatusForwardOnly, StatusRead, StatusDelivered, StatusRead, false},
		{"forward equal", StatusForwardOnly, StatusDelivered, StatusDelivered, StatusDelivered, false},
		{"forward ignores unknown", StatusForwardOnly, StatusSent, Status("seen"), StatusSent, false},
		{"forward ignores empty", StatusForwardOnly, StatusSent, Status(""), StatusSent, false},
		{"adopt-remote adopts higher", StatusAdoptRemote, StatusSent, StatusRead, StatusRead, true},
		{"adopt-remote adopts lower", StatusAdoptRemote, StatusRead, StatusDelivered, StatusDelivered, true},
		{"adopt-remote ignores empty", StatusAdoptRemote, StatusRead, Status(""), StatusRead, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local := messagesOf(msg("m1", "user1", tc.local, 1))
			remote := messagesOf(msg("m1", "user1", tc.remote, 1))

			merged, stats := MergeWith(local, remote, MergeOptions{Status: tc.rule})

			assert.Equal(t, tc.want, merged["m1"].Status)
			assert.Equal(t, tc.changed, stats.Changed())
		})
	}
}

func TestMergeDeleted(t *testing.T) {
	t.Run("remote delete clears local text", func(t *testing.T) {
		local := messagesOf(msg("m1", "user1", StatusSent, 1))
		r := msg("m1", "user1", StatusSent, 1)
		r.Deleted, r.Text = true, ""

		merged, stats := MergeWith(local, messagesOf(r), MergeOptions{})

		assert.True(t, merged["m1"].Deleted)
		assert.Empty(t, merged["m1"].Text)
		assert.Equal(t, 1, stats.Deletes)
	})

	t.Run("remote undelete is ignored", func(t *testing.T) {
		l := msg("m1", "user1", StatusSent, 1)
		l.Deleted, l.Text = true, ""

		merged, changed := Merge(messagesOf(l), messagesOf(msg("m1", "user1", StatusSent, 1)))

		assert.False(t, changed)
		assert.True(t, merged["m1"].Deleted)
		assert.Empty(t, merged["m1"].Text)
	})
}

func TestMergeDeletedForUnion(t *testing.T) {
	l := msg("m1", "user1", StatusSent, 1)
	l.DeletedFor = []string{"user1"}
	r := msg("m1", "user1", StatusSent, 1)
	r.DeletedFor = []string{"user2", "user1"}

	merged, stats := MergeWith(messagesOf(l), messagesOf(r), MergeOptions{})

	assert.Equal(t, []string{"user1", "user2"}, merged["m1"].DeletedFor)
	assert.Equal(t, 1, stats.Hides)
	assert.Equal(t, []string{"user1"}, l.DeletedFor, "local input must not be modified")
}

func TestMergeImmutableFields(t *testing.T) {
	reply := "m0"
	l := msg("m1", "user1", StatusSent, 1)
	r := Message{ID: "m1", Text: "rewritten", Sender: "user2", Status: StatusSent, Timestamp: 99, ReplyTo: &reply}

	merged, changed := Merge(messagesOf(l), messagesOf(r))

	assert.False(t, changed)
	assert.Equal(t, l.Text, merged["m1"].Text)
	assert.Equal(t, l.Sender, merged["m1"].Sender)
	assert.Equal(t, l.Timestamp, merged["m1"].Timestamp)
	assert.Nil(t, merged["m1"].ReplyTo)
}

func TestMergeIdempotent(t *testing.T) {
	local := messagesOf(
		msg("m1", "user1", StatusSent, 1),
		msg("m2", "user2", StatusDelivered, 2),
	)
	r1 := msg("m1", "user1", StatusRead, 1)
	r1.DeletedFor = []string{"user2"}
	r3 := msg("m3", "user2", StatusSent, 3)
	r3.Deleted, r3.Text = true, ""
	remote := messagesOf(r1, r3)

	once, changed := Merge(local, remote)
	require.True(t, changed)

	twice, changed := Merge(once, remote)
	assert.False(t, changed)
	assert.Equal(t, once, twice)
}

// Random histories: whatever order remote snapshots arrive in, status never
// moves backwards, deleted never clears, and deletedFor never shrinks.
func TestMergeMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []Status{StatusSent, StatusDelivered, StatusRead}
	people := []string{"user1", "user2"}

	randomSnapshot := func() Messages {
		out := Messages{}
		for i := 0; i < 5; i++ {
			if rng.Intn(3) == 0 {
				continue
			}
			id := fmt.Sprintf("m%d", i)
			m := msg(id, people[i%2], statuses[rng.Intn(3)], int64(i))
			if rng.Intn(4) == 0 {
				m.Deleted, m.Text = true, ""
			}
			for _, p := range people {
				if rng.Intn(3) == 0 {
					m.DeletedFor = append(m.DeletedFor, p)
				}
			}
			out[id] = m
		}
		return out
	}

	for round := 0; round < 200; round++ {
		local := Messages{}
		for step := 0; step < 10; step++ {
			next, _ := Merge(local, randomSnapshot())
			for id, before := range local {
				after, ok := next[id]
				require.True(t, ok, "message %s disappeared", id)
				require.GreaterOrEqual(t, after.Status.Rank(), before.Status.Rank(), "status regressed on %s", id)
				if before.Deleted {
					require.True(t, after.Deleted, "deleted cleared on %s", id)
					require.Empty(t, after.Text)
				}
				for _, p := range before.DeletedFor {
					require.True(t, after.HiddenFor(p), "deletedFor lost %s on %s", p, id)
				}
			}
			local = next
		}
	}
}

func TestMergeConcurrentDeleteForMe(t *testing.T) {
	base := msg("m1", "user1", StatusRead, 1)

	a := base.clone()
	a.DeletedFor = []string{"user1"}
	b := base.clone()
	b.DeletedFor = []string{"user2"}

	// user1 learns of user2's hide, and the other way round.
	onA, _ := Merge(messagesOf(a), messagesOf(b))
	onB, _ := Merge(messagesOf(b), messagesOf(a))

	assert.ElementsMatch(t, []string{"user1", "user2"}, onA["m1"].DeletedFor)
	assert.ElementsMatch(t, onA["m1"].DeletedFor, onB["m1"].DeletedFor)
}

func TestStatusRuleString(t *testing.T) {
	assert.Equal(t, "forward-only", StatusForwardOnly.String())
	assert.Equal(t, "adopt-remote", StatusAdoptRemote.String())
	assert.Equal(t, "unknown", StatusRule(9).String())
}
