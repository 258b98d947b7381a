package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/platform/logging"
)

var ErrInvalidNotice = errors.New("invalid change notice")

const (
	DefaultInterval = 15 * time.Minute
	defaultTimeout  = 30 * time.Second
)

type Purger interface {
	PurgeExpired(ctx context.Context, city string)
}

// Worker purges expired popularity events. Each run covers the configured
// cities plus every city whose partition changed since the previous run.
type Worker struct {
	Purger   Purger
	Interval time.Duration
	Cities   []string
	// Timeout bounds the purge of a single city.
	Timeout time.Duration

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewWorker(purger Purger, interval time.Duration, cities []string) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		Purger:   purger,
		Interval: interval,
		Cities:   cities,
		Timeout:  defaultTimeout,
		seen:     map[string]struct{}{},
	}
}

// Observe marks a city as active so the next run purges it.
func (w *Worker) Observe(city string) {
	key := contracts.CityKey(city)
	if key == "" {
		return
	}
	w.mu.Lock()
	if w.seen == nil {
		w.seen = map[string]struct{}{}
	}
	w.seen[key] = struct{}{}
	w.mu.Unlock()
}

// HandleNotice records the city of an events change notice. Notices for other
// collections are ignored.
func (w *Worker) HandleNotice(payload []byte) error {
	var notice contracts.ChangeNotice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return ErrInvalidNotice
	}
	if strings.TrimSpace(notice.Collection) == "" {
		return ErrInvalidNotice
	}
	if notice.Collection == contracts.CollectionEvents {
		w.Observe(notice.Partition)
	}
	return nil
}

// RunOnce purges every due city and returns their keys in order.
func (w *Worker) RunOnce(ctx context.Context) []string {
	w.mu.Lock()
	due := make(map[string]struct{}, len(w.seen)+len(w.Cities))
	for key := range w.seen {
		due[key] = struct{}{}
	}
	w.seen = map[string]struct{}{}
	w.mu.Unlock()
	for _, city := range w.Cities {
		if key := contracts.CityKey(city); key != "" {
			due[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(due))
	for key := range due {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		cityCtx, cancel := context.WithTimeout(ctx, timeout)
		w.Purger.PurgeExpired(cityCtx, key)
		cancel()
	}
	return keys
}

// Run purges immediately and then on every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	log := logging.Component("maintenance")
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		cities := w.RunOnce(ctx)
		log.WithField("cities", len(cities)).Debug("purge run finished")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
