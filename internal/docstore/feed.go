package docstore

import (
	"context"
	"errors"
	"sync"

	"github.com/whereto/project/internal/sharding"
)

// Topic names one partition of a collection, e.g. ("todos", userID) or
// ("events", cityKey).
type Topic struct {
	Collection string
	Partition  string
}

func (t Topic) subject() string {
	return sharding.ChangeSubject(t.Collection, t.Partition)
}

// Feed carries change notices. Publish is called after a write commits.
// Subscribe registers fn for every notice on the topic and returns the
// function that removes it.
type Feed interface {
	Publish(ctx context.Context, topic Topic) error
	Subscribe(topic Topic, fn func()) (func(), error)
}

// PublishAll publishes every topic and joins the failures. A nil feed is a
// no-op.
func PublishAll(ctx context.Context, feed Feed, topics ...Topic) error {
	if feed == nil {
		return nil
	}
	var errs []error
	for _, topic := range topics {
		if err := feed.Publish(ctx, topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LocalFeed is an in-process Feed. Publish invokes subscribers synchronously
// on the publishing goroutine, which makes single-process runs and tests
// deterministic: a write has been observed by every listener once it returns.
type LocalFeed struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func()
}

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: map[string]map[uint64]func(){}}
}

func (f *LocalFeed) Publish(_ context.Context, topic Topic) error {
	subject := topic.subject()

	f.mu.Lock()
	fns := make([]func(), 0, len(f.subs[subject]))
	for _, fn := range f.subs[subject] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (f *LocalFeed) Subscribe(topic Topic, fn func()) (func(), error) {
	subject := topic.subject()

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	if f.subs[subject] == nil {
		f.subs[subject] = map[uint64]func(){}
	}
	f.subs[subject][id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[subject], id)
		if len(f.subs[subject]) == 0 {
			delete(f.subs, subject)
		}
	}, nil
}

// Subscribers reports how many callbacks are registered for a topic.
func (f *LocalFeed) Subscribers(topic Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic.subject()])
}
