//go:build integration

package duochat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helpers ---------------------------------------------------------------

func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("DUOCHAT_REDIS_ADDR")
	if addr == "" {
		t.Skip("DUOCHAT_REDIS_ADDR not set")
	}
	return addr
}

func openRedisMirror(t *testing.T) *RedisMirror {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := NewRedisMirror(ctx, RedisOptions{Addr: redisAddr(t)}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testPath(t *testing.T) string {
	return fmt.Sprintf("test/%s/%d", t.Name(), time.Now().UnixNano())
}

// tests -----------------------------------------------------------------

func TestRedisMirrorPatchAndSnapshot(t *testing.T) {
	m := openRedisMirror(t)
	ctx := context.Background()
	path := testPath(t)

	require.NoError(t, m.Patch(ctx, path, Document{"a": json.RawMessage(`1`), "b": json.RawMessage(`{"x":true}`)}))
	require.NoError(t, m.Patch(ctx, path, Document{"a": json.RawMessage(`2`)}))

	doc, err := m.Snapshot(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(doc["a"]))
	assert.JSONEq(t, `{"x":true}`, string(doc["b"]))
}

func TestRedisMirrorSubscribe(t *testing.T) {
	writer := openRedisMirror(t)
	reader := openRedisMirror(t)
	path := testPath(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &docRecorder{}
	require.NoError(t, reader.Subscribe(ctx, path, rec.record))
	require.Equal(t, 1, rec.count(), "initial snapshot is delivered synchronously")
	assert.Empty(t, rec.last())

	require.NoError(t, writer.Patch(context.Background(), path, Document{"m": json.RawMessage(`"hi"`)}))
	eventually(t, func() bool {
		doc := rec.last()
		return doc != nil && string(doc["m"]) == `"hi"`
	})
}

func TestSessionsOverRedis(t *testing.T) {
	path := testPath(t)
	a := startSession(t, NewMemoryStore(), openRedisMirror(t), "user1", WithMessagesPath(path))
	b := startSession(t, NewMemoryStore(), openRedisMirror(t), "user2", WithMessagesPath(path))

	sent, err := a.Send("via redis", "")
	require.NoError(t, err)

	eventually(t, func() bool { _, ok := lookup(b, sent.ID); return ok })
	eventually(t, func() bool { return statusOf(a, sent.ID) == StatusRead })
}
