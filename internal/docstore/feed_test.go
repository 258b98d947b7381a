package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingFeed struct {
	err       error
	published []Topic
}

func (f *failingFeed) Publish(_ context.Context, topic Topic) error {
	f.published = append(f.published, topic)
	return f.err
}

func (f *failingFeed) Subscribe(Topic, func()) (func(), error) {
	return func() {}, nil
}

func TestLocalFeedDeliversOnlyToMatchingTopic(t *testing.T) {
	feed := NewLocalFeed()
	var user1, user2 int
	unsub1, err := feed.Subscribe(Topic{Collection: "todos", Partition: "u1"}, func() { user1++ })
	require.NoError(t, err)
	_, err = feed.Subscribe(Topic{Collection: "todos", Partition: "u2"}, func() { user2++ })
	require.NoError(t, err)

	require.NoError(t, feed.Publish(context.Background(), Topic{Collection: "todos", Partition: "u1"}))
	assert.Equal(t, 1, user1)
	assert.Equal(t, 0, user2)

	unsub1()
	require.NoError(t, feed.Publish(context.Background(), Topic{Collection: "todos", Partition: "u1"}))
	assert.Equal(t, 1, user1)
	assert.Zero(t, feed.Subscribers(Topic{Collection: "todos", Partition: "u1"}))
	assert.Equal(t, 1, feed.Subscribers(Topic{Collection: "todos", Partition: "u2"}))
}

func TestLocalFeedAllowsUnsubscribeDuringPublish(t *testing.T) {
	feed := NewLocalFeed()
	topic := Topic{Collection: "events", Partition: "boston"}
	var unsub func()
	calls := 0
	unsub, err := feed.Subscribe(topic, func() {
		calls++
		unsub()
	})
	require.NoError(t, err)

	require.NoError(t, feed.Publish(context.Background(), topic))
	require.NoError(t, feed.Publish(context.Background(), topic))
	assert.Equal(t, 1, calls)
}

func TestPublishAllJoinsErrors(t *testing.T) {
	boom := errors.New("nats down")
	feed := &failingFeed{err: boom}

	err := PublishAll(context.Background(), feed,
		Topic{Collection: "todos", Partition: "u1"},
		Topic{Collection: "trash", Partition: "u1"},
	)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, feed.published, 2)

	assert.NoError(t, PublishAll(context.Background(), nil, Topic{Collection: "todos"}))
}
