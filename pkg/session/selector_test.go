package session

import (
	"context"
	"testing"

	"github.com/harun/parley/pkg/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	t.Run("should honor the preference when nothing is live", func(t *testing.T) {
		buffered := newBuffered(t, &MockBackend{}, "user")
		streaming := newStreaming(t, &MockBackend{}, &fakeStreamer{})

		assert.Same(t, buffered, Select(buffered, streaming, false))
		assert.Same(t, streaming, Select(buffered, streaming, true))
	})

	t.Run("should keep a live buffered session", func(t *testing.T) {
		b := &MockBackend{}
		expectStart(b, "s1")
		b.On("SendMessage", mock.Anything, mock.Anything).Return(reply("hi"), nil).Once()
		buffered := newBuffered(t, b, "user")
		streaming := newStreaming(t, &MockBackend{}, &fakeStreamer{})

		require.NoError(t, buffered.SendMessage(context.Background(), "hello"))
		assert.Same(t, buffered, Select(buffered, streaming, true))
	})
}

func TestSwitcher_PreferenceFlipKeepsLiveSession(t *testing.T) {
	b := &MockBackend{}
	expectStart(b, "s1")
	b.On("SendMessage", mock.Anything, mock.Anything).Return(reply("hi"), nil).Once()
	buffered := newBuffered(t, b, "user")
	streaming := newStreaming(t, &MockBackend{}, &fakeStreamer{})

	sw := NewSwitcher(buffered, streaming, false)
	require.NoError(t, sw.Active().SendMessage(context.Background(), "hello"))

	sw.SetPreferStreaming(true)
	assert.True(t, sw.PreferStreaming())
	assert.Same(t, buffered, sw.Active(), "live buffered session is not abandoned")

	sw.NewChat()
	assert.Same(t, streaming, sw.Active())
}

func TestSwitcher_LoadChatUsesPreference(t *testing.T) {
	loader := &MockBackend{}
	loader.On("LoadSession", mock.Anything, "s7").Return(&backend.SessionSnapshot{ID: "s7", PersonaID: testPersona.ID}, nil).Once()
	buffered := newBuffered(t, &MockBackend{}, "user")
	streaming := newStreaming(t, loader, &fakeStreamer{})

	sw := NewSwitcher(buffered, streaming, true)
	require.NoError(t, sw.LoadChat(context.Background(), "s7"))
	assert.Same(t, streaming, sw.Active())
	assert.Equal(t, "s7", sw.Active().State().ID)

	require.NoError(t, sw.Close())
	assert.Equal(t, StatusTerminated, buffered.Status())
	assert.Equal(t, StatusTerminated, streaming.Status())
}
