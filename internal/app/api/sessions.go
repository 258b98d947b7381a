package api

import (
	"context"
	"sync"

	"github.com/nats-io/nuid"
	"github.com/whereto/project/internal/app/todos"
	"github.com/whereto/project/internal/platform/metrics"
)

type session struct {
	id    string
	store *todos.Store
	refs  int
	ready chan struct{}
	err   error
}

// SessionRegistry keeps one connected item store per user while any request
// or stream holds a lease on it. The last release disconnects the store.
type SessionRegistry struct {
	NewStore func() *todos.Store

	mu     sync.Mutex
	byUser map[string]*session
}

func NewSessionRegistry(newStore func() *todos.Store) *SessionRegistry {
	return &SessionRegistry{NewStore: newStore, byUser: map[string]*session{}}
}

// Acquire returns the user's live store and the function that releases the
// lease. The first lease connects the store; later ones wait for that
// connect to finish.
func (r *SessionRegistry) Acquire(ctx context.Context, userID string) (*todos.Store, func(), error) {
	r.mu.Lock()
	s, ok := r.byUser[userID]
	if ok {
		s.refs++
		r.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			r.release(userID, s)
			return nil, nil, ctx.Err()
		}
	} else {
		s = &session{id: nuid.Next(), store: r.NewStore(), refs: 1, ready: make(chan struct{})}
		r.byUser[userID] = s
		r.mu.Unlock()
		metrics.APISessions.Inc()

		s.err = s.store.Connect(ctx, userID)
		close(s.ready)
	}

	if s.err != nil {
		r.release(userID, s)
		return nil, nil, s.err
	}
	var once sync.Once
	return s.store, func() { once.Do(func() { r.release(userID, s) }) }, nil
}

func (r *SessionRegistry) release(userID string, s *session) {
	r.mu.Lock()
	s.refs--
	last := s.refs == 0
	if last {
		if current, ok := r.byUser[userID]; ok && current == s {
			delete(r.byUser, userID)
		}
	}
	r.mu.Unlock()

	if last {
		s.store.Close()
		metrics.APISessions.Dec()
	}
}

// Len reports how many users currently have a connected store.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

type userStreamLease struct {
	id     string
	cancel context.CancelFunc
}

// userStreamRegistry allows one snapshot stream per user. A new stream
// replaces and cancels the previous one.
type userStreamRegistry struct {
	mu     sync.Mutex
	byUser map[string]userStreamLease
}

func newUserStreamRegistry() *userStreamRegistry {
	return &userStreamRegistry{byUser: make(map[string]userStreamLease)}
}

func (r *userStreamRegistry) Replace(userID, streamID string, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prevCancel context.CancelFunc
	if current, ok := r.byUser[userID]; ok {
		prevCancel = current.cancel
	}
	r.byUser[userID] = userStreamLease{id: streamID, cancel: cancel}
	return prevCancel
}

func (r *userStreamRegistry) Release(userID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byUser[userID]
	if !ok || current.id != streamID {
		return
	}
	delete(r.byUser, userID)
}

// Cancel ends the user's stream, if any, and reports whether one was open.
func (r *userStreamRegistry) Cancel(userID string) bool {
	r.mu.Lock()
	lease, ok := r.byUser[userID]
	if ok {
		delete(r.byUser, userID)
	}
	r.mu.Unlock()

	if ok && lease.cancel != nil {
		lease.cancel()
	}
	return ok
}
