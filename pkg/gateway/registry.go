package gateway

import (
	"sync"
	"time"

	"github.com/harun/parley/pkg/backend"
)

// pendingStream is a reply being produced for one stream token. Events are
// buffered until a client claims the token.
type pendingStream struct {
	sessionID string
	token     string
	expiry    time.Time
	events    chan backend.StreamEvent

	client      ClientInfo
	claimed     bool
	abandonOnce sync.Once
	abandoned   chan struct{}
}

// publish hands one event to the consumer. It returns false when the
// stream was abandoned before the event could be delivered.
func (p *pendingStream) publish(evt backend.StreamEvent) bool {
	select {
	case <-p.abandoned:
		return false
	default:
	}
	select {
	case p.events <- evt:
		return true
	case <-p.abandoned:
		return false
	}
}

// finish closes the event channel; only the producer calls it
func (p *pendingStream) finish() {
	close(p.events)
}

func (p *pendingStream) abandon() {
	p.abandonOnce.Do(func() { close(p.abandoned) })
}

// StreamRegistry tracks issued stream tokens and the clients reading them
type StreamRegistry struct {
	mu      sync.RWMutex
	streams map[string]*pendingStream
}

// NewStreamRegistry creates a new stream registry
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[string]*pendingStream),
	}
}

// Add registers a stream for a token
func (r *StreamRegistry) Add(sessionID, token string, expiry time.Time, buffer int) *pendingStream {
	if buffer <= 0 {
		buffer = 256
	}
	ps := &pendingStream{
		sessionID: sessionID,
		token:     token,
		expiry:    expiry,
		events:    make(chan backend.StreamEvent, buffer),
		abandoned: make(chan struct{}),
	}

	r.mu.Lock()
	r.streams[token] = ps
	r.mu.Unlock()
	return ps
}

// SessionFor returns the session a token was issued for
func (r *StreamRegistry) SessionFor(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps, ok := r.streams[token]
	if !ok {
		return "", false
	}
	return ps.sessionID, true
}

// Claim hands the stream to a client. A token can be claimed once.
func (r *StreamRegistry) Claim(token string, client ClientInfo) (*pendingStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.streams[token]
	if !ok || ps.claimed {
		return nil, false
	}
	ps.claimed = true
	client.SessionID = ps.sessionID
	ps.client = client
	return ps, true
}

// Remove forgets a stream and abandons it
func (r *StreamRegistry) Remove(token string) {
	r.mu.Lock()
	ps, ok := r.streams[token]
	delete(r.streams, token)
	r.mu.Unlock()

	if ok {
		ps.abandon()
	}
}

// Sweep abandons unclaimed streams whose token expired before now
func (r *StreamRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []*pendingStream
	for token, ps := range r.streams {
		if !ps.claimed && now.After(ps.expiry) {
			expired = append(expired, ps)
			delete(r.streams, token)
		}
	}
	r.mu.Unlock()

	for _, ps := range expired {
		ps.abandon()
	}
	return len(expired)
}

// AbandonAll abandons every stream, used at shutdown
func (r *StreamRegistry) AbandonAll() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*pendingStream)
	r.mu.Unlock()

	for _, ps := range streams {
		ps.abandon()
	}
}

// Count returns the number of tracked streams
func (r *StreamRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.streams)
}

// Clients returns the clients currently reading a stream
func (r *StreamRegistry) Clients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(r.streams))
	for _, ps := range r.streams {
		if ps.claimed {
			infos = append(infos, ps.client)
		}
	}
	return infos
}
