package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/whereto/project/internal/sharding"
)

const (
	ChangesStream = "CHANGES"

	// Notices only trigger re-reads, so the log is kept for debugging, not replay.
	changesMaxAge = time.Hour
)

// EnsureStreams creates (or validates) the change-notice stream capturing
// app.change.>.
func EnsureStreams(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(ChangesStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      ChangesStream,
		Subjects:  []string{sharding.ChangeSubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    changesMaxAge,
		Replicas:  1,
	})
	return err
}
