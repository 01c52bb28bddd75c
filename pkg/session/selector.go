package session

import (
	"context"
	"sync"
)

// Select returns the engine that holds a live session. When neither or both
// do, the preference decides.
func Select(buffered, streaming Engine, preferStreaming bool) Engine {
	bufferedLive := buffered != nil && buffered.Live()
	streamingLive := streaming != nil && streaming.Live()

	switch {
	case bufferedLive && !streamingLive:
		return buffered
	case streamingLive && !bufferedLive:
		return streaming
	case preferStreaming && streaming != nil:
		return streaming
	case buffered != nil:
		return buffered
	default:
		return streaming
	}
}

// Switcher owns a buffered and a streaming engine for the same persona
type Switcher struct {
	buffered  Engine
	streaming Engine

	mu              sync.RWMutex
	preferStreaming bool
}

// NewSwitcher creates a switcher over both engines
func NewSwitcher(buffered, streaming Engine, preferStreaming bool) *Switcher {
	return &Switcher{
		buffered:        buffered,
		streaming:       streaming,
		preferStreaming: preferStreaming,
	}
}

// Active returns the engine to use for the next operation
func (s *Switcher) Active() Engine {
	return Select(s.buffered, s.streaming, s.PreferStreaming())
}

// SetPreferStreaming changes the preference. A live session keeps its
// transport until it is closed or a new chat starts.
func (s *Switcher) SetPreferStreaming(prefer bool) {
	s.mu.Lock()
	s.preferStreaming = prefer
	s.mu.Unlock()
}

func (s *Switcher) PreferStreaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preferStreaming
}

// NewChat resets both engines
func (s *Switcher) NewChat() {
	s.buffered.NewChat()
	s.streaming.NewChat()
}

// LoadChat loads a session into the preferred engine
func (s *Switcher) LoadChat(ctx context.Context, id string) error {
	s.NewChat()
	return s.Active().LoadChat(ctx, id)
}

// Close terminates both engines
func (s *Switcher) Close() error {
	errB := s.buffered.Close()
	errS := s.streaming.Close()
	if errB != nil {
		return errB
	}
	return errS
}
