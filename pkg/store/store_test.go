package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/parley/pkg/chat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "parley.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createSession(t *testing.T, s *Store, id, persona string) {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), Session{
		ID:           id,
		PersonaID:    persona,
		ApprovalMode: chat.ApprovalPrompt,
		Tools:        []chat.ToolSpec{{Name: "echo"}},
		MaxTokens:    8000,
	}))
}

func TestOpen(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "nested", "dir", "parley.db")
	s, err := Open(Config{DBPath: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// reopening keeps the schema
	s, err = Open(Config{DBPath: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_SessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1", "p1")

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.PersonaID)
	assert.Equal(t, chat.ApprovalPrompt, got.ApprovalMode)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, 8000, got.MaxTokens)
	assert.Empty(t, got.Macros)

	require.NoError(t, s.SetApprovalMode(ctx, "s1", chat.ApprovalAuto))
	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, chat.ApprovalAuto, got.ApprovalMode)

	_, err = s.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.SetApprovalMode(ctx, "missing", chat.ApprovalAuto), ErrNotFound))
}

func TestStore_Messages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1", "p1")

	user := chat.NewMessage(chat.RoleUser, "What is   the weather like today?")
	reply := chat.NewMessage(chat.RoleAssistant, "")
	reply.ToolCalls = []chat.ToolCallRequest{chat.NewToolCall("c1", "weather", map[string]string{"city": "Oslo"})}
	require.NoError(t, s.AppendMessage(ctx, "s1", user))
	require.NoError(t, s.AppendMessage(ctx, "s1", reply))
	require.NoError(t, s.AppendMessage(ctx, "s1", chat.NewMessage(chat.RoleUser, "second question")))

	msgs, err := s.Messages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, user.ID, msgs[0].ID)
	assert.Equal(t, "s1", msgs[0].SessionID)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "weather", msgs[1].ToolCalls[0].Function.Name)

	list, err := s.ListSessions(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "What is the weather like today?", list[0].Title, "first user message is the title")
	assert.Equal(t, 3, list[0].MessageCount)

	err = s.AppendMessage(ctx, "missing", chat.NewMessage(chat.RoleUser, "x"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ListSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createSession(t, s, "a", "p1")
	createSession(t, s, "b", "p2")
	createSession(t, s, "c", "p1")
	require.NoError(t, s.AppendMessage(ctx, "c", chat.NewMessage(chat.RoleUser, "talk about penguins")))

	t.Run("should filter by persona", func(t *testing.T) {
		list, err := s.ListSessions(ctx, ListFilter{PersonaID: "p1"})
		require.NoError(t, err)
		assert.Len(t, list, 2)
		assert.Equal(t, "c", list[0].ID, "most recently updated first")
	})

	t.Run("should search content", func(t *testing.T) {
		list, err := s.ListSessions(ctx, ListFilter{Query: "penguin"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "c", list[0].ID)
	})

	t.Run("should limit", func(t *testing.T) {
		list, err := s.ListSessions(ctx, ListFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestStore_DeleteSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		createSession(t, s, id, "p1")
	}
	require.NoError(t, s.AppendMessage(ctx, "a", chat.NewMessage(chat.RoleUser, "hi")))
	require.NoError(t, s.AddFile(ctx, File{ID: "f1", SessionID: "a", Name: "x.txt", Data: []byte("abc")}))

	n, err := s.DeleteSessions(ctx, []string{"a", "missing"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := s.Messages(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages cascade")
	files, err := s.Files(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, files, "files cascade")

	n, err = s.DeleteSessions(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.CountSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStore_Files(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1", "p1")

	require.NoError(t, s.AddFile(ctx, File{ID: "f1", SessionID: "s1", Name: "notes.md", MimeType: "text/markdown", Data: []byte("# hi")}))
	files, err := s.Files(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(4), files[0].Size)
	assert.Equal(t, "text/markdown", files[0].MimeType)

	assert.Error(t, s.AddFile(ctx, File{ID: "f2", SessionID: "missing", Name: "x"}), "foreign key enforced")
}

func TestJanitor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.CreateSession(ctx, Session{ID: "old", PersonaID: "p", ApprovalMode: chat.ApprovalPrompt, Created: old, Updated: old}))
	createSession(t, s, "fresh", "p")

	j := NewJanitor(s, 24*time.Hour, time.Hour)
	n, err := j.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetSession(ctx, "fresh")
	assert.NoError(t, err)

	require.NoError(t, j.Start())
	assert.True(t, j.IsRunning())
	assert.Error(t, j.Start())
	require.NoError(t, j.Stop())
	assert.False(t, j.IsRunning())
	assert.Error(t, j.Stop())
}
