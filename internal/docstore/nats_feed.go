package docstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/whereto/project/internal/contracts"
)

const subscribeFlushTimeout = 5 * time.Second

// NATSFeed publishes notices into the CHANGES JetStream stream and listens with
// plain core subscriptions: listeners only need notices sent while they are
// attached, so no consumer state is created per listener.
type NATSFeed struct {
	Conn  *nats.Conn
	JS    nats.JetStreamContext
	Now   func() time.Time
	NewID func() string
}

func NewNATSFeed(conn *nats.Conn, js nats.JetStreamContext) *NATSFeed {
	return &NATSFeed{
		Conn:  conn,
		JS:    js,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: nuid.Next,
	}
}

func (f *NATSFeed) Publish(ctx context.Context, topic Topic) error {
	payload, err := json.Marshal(contracts.ChangeNotice{
		NoticeID:   f.NewID(),
		Collection: topic.Collection,
		Partition:  topic.Partition,
		OccurredAt: f.Now(),
	})
	if err != nil {
		return err
	}
	if f.JS == nil {
		return f.Conn.Publish(topic.subject(), payload)
	}
	_, err = f.JS.Publish(topic.subject(), payload, nats.Context(ctx))
	return err
}

func (f *NATSFeed) Subscribe(topic Topic, fn func()) (func(), error) {
	sub, err := f.Conn.Subscribe(topic.subject(), func(_ *nats.Msg) {
		fn()
	})
	if err != nil {
		return nil, err
	}
	// The server must know about the subscription before the caller's first
	// read, or a notice published in between is lost.
	if err := f.Conn.FlushTimeout(subscribeFlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
