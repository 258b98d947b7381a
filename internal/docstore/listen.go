package docstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

const defaultFetchTimeout = 5 * time.Second

// FetchFunc reads the full current result set of a live query.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type Options struct {
	// Debounce coalesces bursts of notices into one re-read. Zero re-reads on
	// every notice, synchronously on the notifying goroutine.
	Debounce time.Duration
	// Refresh re-reads periodically even without notices, for queries whose
	// result depends on the clock.
	Refresh time.Duration
	// FetchTimeout bounds each re-read.
	FetchTimeout time.Duration
}

// Subscription is a live query. Every delivery is a complete snapshot that
// replaces the previous one; there are no diffs, so a missed notice is healed
// by the next one. Deliveries for one subscription never overlap and none
// happen after Cancel returns.
type Subscription[T any] struct {
	fetch    FetchFunc[T]
	onUpdate func(T)
	onError  func(error)
	opts     Options

	deliverMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	latest      T
	hasLatest   bool
	timer       *time.Timer
	stopRefresh chan struct{}
	unsubscribe func()
}

// Listen attaches to topic and delivers the first snapshot before returning.
// A failed read is reported through onError and the subscription stays open.
func Listen[T any](feed Feed, topic Topic, fetch FetchFunc[T], onUpdate func(T), onError func(error), opts Options) (*Subscription[T], error) {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	s := &Subscription[T]{
		fetch:       fetch,
		onUpdate:    onUpdate,
		onError:     onError,
		opts:        opts,
		stopRefresh: make(chan struct{}),
	}

	unsubscribe, err := feed.Subscribe(topic, s.notify)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.refresh()

	if opts.Refresh > 0 {
		go s.refreshLoop(opts.Refresh)
	}
	return s, nil
}

// Latest returns the most recently delivered snapshot.
func (s *Subscription[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}

// Closed reports whether Cancel has been called.
func (s *Subscription[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Cancel detaches from the feed and waits for an in-flight delivery to finish.
// It must not be called from inside onUpdate or onError of the same
// subscription. Calling it more than once is a no-op.
func (s *Subscription[T]) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.stopRefresh)
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

// Refresh forces a re-read outside the notice flow.
func (s *Subscription[T]) Refresh() error {
	if s.Closed() {
		return ErrSubscriptionClosed
	}
	s.refresh()
	return nil
}

func (s *Subscription[T]) notify() {
	if s.opts.Debounce <= 0 {
		s.refresh()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.opts.Debounce, s.fireDebounced)
		return
	}
	s.timer.Reset(s.opts.Debounce)
}

func (s *Subscription[T]) fireDebounced() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	s.refresh()
}

func (s *Subscription[T]) refreshLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.refresh()
		case <-s.stopRefresh:
			return
		}
	}
}

func (s *Subscription[T]) refresh() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.Closed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FetchTimeout)
	value, err := s.fetch(ctx)
	cancel()

	// Cancelled while reading: the result belongs to a torn-down listener.
	if s.Closed() {
		return
	}
	if err != nil {
		if s.onError != nil {
			s.onError(err)
		}
		return
	}

	s.mu.Lock()
	s.latest = value
	s.hasLatest = true
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(value)
	}
}
