package popularity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *MemoryRepository, *docstore.LocalFeed) {
	feed := docstore.NewLocalFeed()
	repo := NewMemoryRepository(feed)
	svc := NewService(repo, feed)
	svc.Now = func() time.Time { return testNow }
	return svc, repo, feed
}

func event(id, city string, date time.Time) contracts.PopularEvent {
	return contracts.PopularEvent{ID: id, Title: "Event " + id, City: city, Date: &date}
}

func ids(events []contracts.PopularEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

type rankingRecorder struct {
	mu      sync.Mutex
	updates [][]contracts.PopularEvent
	errs    []error
}

func (r *rankingRecorder) onUpdate(events []contracts.PopularEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, events)
}

func (r *rankingRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *rankingRecorder) last() []contracts.PopularEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return nil
	}
	return r.updates[len(r.updates)-1]
}

func TestUpvoteIsIdempotentPerVoter(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	e := event("E1", "Boston", testNow.Add(24*time.Hour))

	applied, err := svc.Upvote(ctx, e, "v1")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = svc.Upvote(ctx, e, "v1")
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := svc.GetEvent(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Popularity)
	count, err := svc.VoterCount(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRemoveVoteWithoutVoteIsNoOp(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	e := event("E1", "Boston", testNow.Add(24*time.Hour))
	_, err := svc.Upvote(ctx, e, "v1")
	require.NoError(t, err)
	_, err = svc.Upvote(ctx, e, "v2")
	require.NoError(t, err)

	applied, err := svc.RemoveVote(ctx, "E1", "stranger")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = svc.RemoveVote(ctx, "missing-event", "v1")
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := svc.GetEvent(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Popularity)
}

func TestRemoveVoteDecrementsThenRetiresEvent(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	e := event("E1", "Boston", testNow.Add(24*time.Hour))
	for _, voter := range []string{"v1", "v2"} {
		_, err := svc.Upvote(ctx, e, voter)
		require.NoError(t, err)
	}

	applied, err := svc.RemoveVote(ctx, "E1", "v1")
	require.NoError(t, err)
	assert.True(t, applied)
	stored, err := svc.GetEvent(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Popularity)

	_, err = svc.RemoveVote(ctx, "E1", "v2")
	require.NoError(t, err)
	_, err = svc.GetEvent(ctx, "E1")
	assert.ErrorIs(t, err, ErrEventNotFound)
	count, err := svc.VoterCount(ctx, "E1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestVoteValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Upvote(ctx, contracts.PopularEvent{ID: "  "}, "v1")
	assert.ErrorIs(t, err, ErrEventIDRequired)
	_, err = svc.Upvote(ctx, contracts.PopularEvent{ID: "E1"}, "")
	assert.ErrorIs(t, err, ErrVoterRequired)
	_, err = svc.RemoveVote(ctx, "", "v1")
	assert.ErrorIs(t, err, ErrEventIDRequired)
	_, err = svc.RemoveVote(ctx, "E1", " ")
	assert.ErrorIs(t, err, ErrVoterRequired)
	_, err = svc.GetEvent(ctx, "")
	assert.ErrorIs(t, err, ErrEventIDRequired)
}

func TestCityKeyNormalizationSharesPartition(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Upvote(ctx, event("E1", " Boston ", testNow.Add(time.Hour)), "v1")
	require.NoError(t, err)

	rec := &rankingRecorder{}
	sub, err := svc.SubscribeTopEvents("boston", 0, rec.onUpdate, rec.onError)
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Equal(t, []string{"E1"}, ids(rec.last()))
	assert.Equal(t, "boston", rec.last()[0].CityKey)
	assert.Equal(t, " Boston ", rec.last()[0].City)
	assert.Equal(t, DefaultTopLimit, sub.Limit)
}

func TestTopEventsOrderingAndPastEventsExcluded(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	day := testNow.Add(48 * time.Hour)

	votes := map[string]int{"E1": 3, "E2": 5, "E3": 100, "PAST": 50}
	dates := map[string]time.Time{
		"E1":   day,
		"E2":   day,
		"E3":   day.Add(24 * time.Hour),
		"PAST": testNow.Add(-time.Hour),
	}

	rec := &rankingRecorder{}
	sub, err := svc.SubscribeTopEvents("Boston", 10, rec.onUpdate, rec.onError)
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Empty(t, rec.last())

	for id, n := range votes {
		for i := 0; i < n; i++ {
			_, err := svc.Upvote(ctx, event(id, "Boston", dates[id]), voterName(i))
			require.NoError(t, err)
		}
	}
	_, err = svc.Upvote(ctx, contracts.PopularEvent{ID: "UNDATED", City: "Boston"}, "v1")
	require.NoError(t, err)
	undated, err := svc.GetEvent(ctx, "UNDATED")
	require.NoError(t, err)
	require.Nil(t, undated.Date)

	assert.Equal(t, []string{"E2", "E1", "E3"}, ids(rec.last()))
	latest, ok := sub.Latest()
	require.True(t, ok)
	assert.Equal(t, []string{"E2", "E1", "E3"}, ids(latest))
	assert.Empty(t, rec.errs)
}

func TestTopEventsRespectsLimitAndOtherCities(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	for i, id := range []string{"A", "B", "C", "D", "E", "F"} {
		_, err := svc.Upvote(ctx, event(id, "Chicago", testNow.Add(time.Duration(i+1)*time.Hour)), "v1")
		require.NoError(t, err)
	}
	_, err := svc.Upvote(ctx, event("Z", "Denver", testNow.Add(time.Minute)), "v1")
	require.NoError(t, err)

	rec := &rankingRecorder{}
	sub, err := svc.SubscribeTopEvents("chicago", 0, rec.onUpdate, rec.onError)
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, ids(rec.last()))

	before := len(rec.updates)
	_, err = svc.Upvote(ctx, event("Y", "Denver", testNow.Add(time.Minute)), "v1")
	require.NoError(t, err)
	assert.Len(t, rec.updates, before)
}

func TestRankingMovesEventWhenCityChanges(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.Upvote(ctx, event("E1", "Boston", testNow.Add(time.Hour)), "v1")
	require.NoError(t, err)

	boston := &rankingRecorder{}
	sub, err := svc.SubscribeTopEvents("boston", 5, boston.onUpdate, nil)
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = svc.Upvote(ctx, event("E1", "Cambridge", testNow.Add(time.Hour)), "v2")
	require.NoError(t, err)
	assert.Empty(t, boston.last())
}

func TestUpvoteWithoutOptionalFieldsKeepsStoredOnes(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	full := event("E1", "Boston", testNow.Add(24*time.Hour))
	full.ImageURL = "https://img.example/e1.jpg"
	full.TMID = "tm-1"

	_, err := svc.Upvote(ctx, full, "alice")
	require.NoError(t, err)
	_, err = svc.Upvote(ctx, contracts.PopularEvent{ID: "E1", City: "Boston"}, "bob")
	require.NoError(t, err)

	stored, err := svc.GetEvent(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Popularity)
	require.NotNil(t, stored.Date)
	assert.True(t, stored.Date.Equal(*full.Date))
	assert.Equal(t, "Event E1", stored.Title)
	assert.Equal(t, full.ImageURL, stored.ImageURL)
	assert.Equal(t, "tm-1", stored.TMID)

	rec := &rankingRecorder{}
	sub, err := svc.SubscribeTopEvents("boston", 5, rec.onUpdate, nil)
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Equal(t, []string{"E1"}, ids(rec.last()))
}

func TestUpvoteWithoutCityKeepsPartition(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.Upvote(ctx, event("E1", "Boston", testNow.Add(time.Hour)), "v1")
	require.NoError(t, err)
	_, err = svc.Upvote(ctx, contracts.PopularEvent{ID: "E1"}, "v2")
	require.NoError(t, err)

	stored, err := svc.GetEvent(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "boston", stored.CityKey)
	assert.Equal(t, "Boston", stored.City)
}

func TestCancelledSubscriptionStopsReceiving(t *testing.T) {
	svc, _, feed := newTestService()
	ctx := context.Background()

	rec := &rankingRecorder{}
	sub, err := svc.SubscribeTopEvents("Austin", 5, rec.onUpdate, rec.onError)
	require.NoError(t, err)
	sub.Cancel()
	sub.Cancel()
	assert.Zero(t, feed.Subscribers(CityTopic("austin")))

	_, err = svc.Upvote(ctx, event("E1", "Austin", testNow.Add(time.Hour)), "v1")
	require.NoError(t, err)
	assert.Len(t, rec.updates, 1)
	assert.ErrorIs(t, sub.Refresh(), docstore.ErrSubscriptionClosed)
}

func TestConcurrentVotersBothCount(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	e := event("NEW", "Seattle", testNow.Add(time.Hour))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, voter := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(voter string) {
			defer wg.Done()
			_, err := svc.Upvote(ctx, e, voter)
			errs <- err
		}(voter)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := svc.GetEvent(ctx, "NEW")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Popularity)
	count, err := svc.VoterCount(ctx, "NEW")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestPurgeExpiredDeletesPastEventsAndVotes(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	_, err := svc.Upvote(ctx, event("OLD", "Boston", testNow.Add(-time.Hour)), "v1")
	require.NoError(t, err)
	_, err = svc.Upvote(ctx, event("SOON", "Boston", testNow.Add(time.Hour)), "v1")
	require.NoError(t, err)
	_, err = svc.Upvote(ctx, event("ELSEWHERE", "Denver", testNow.Add(-time.Hour)), "v1")
	require.NoError(t, err)

	svc.PurgeExpired(ctx, " BOSTON")

	_, err = repo.GetEvent(ctx, "OLD")
	assert.ErrorIs(t, err, ErrEventNotFound)
	count, err := repo.VoterCount(ctx, "OLD")
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = repo.GetEvent(ctx, "SOON")
	assert.NoError(t, err)
	_, err = repo.GetEvent(ctx, "ELSEWHERE")
	assert.NoError(t, err)
}

type brokenRepo struct {
	*MemoryRepository
	err error
}

func (r *brokenRepo) ExpiredEventIDs(context.Context, string, time.Time) ([]string, error) {
	return nil, r.err
}

func (r *brokenRepo) RunInTx(context.Context, func(Tx) error) error {
	return r.err
}

func TestPurgeExpiredSwallowsErrors(t *testing.T) {
	feed := docstore.NewLocalFeed()
	repo := &brokenRepo{MemoryRepository: NewMemoryRepository(feed), err: errors.New("backend down")}
	svc := NewService(repo, feed)

	assert.NotPanics(t, func() { svc.PurgeExpired(context.Background(), "Boston") })
}

func TestTransactionErrorsReachCaller(t *testing.T) {
	feed := docstore.NewLocalFeed()
	conflict := errors.Join(docstore.ErrTransactionConflict, errors.New("40001"))
	repo := &brokenRepo{MemoryRepository: NewMemoryRepository(feed), err: conflict}
	svc := NewService(repo, feed)

	_, err := svc.Upvote(context.Background(), event("E1", "Boston", testNow), "v1")
	assert.ErrorIs(t, err, docstore.ErrTransactionConflict)
	_, err = svc.RemoveVote(context.Background(), "E1", "v1")
	assert.ErrorIs(t, err, docstore.ErrTransactionConflict)
}

func TestFailedTransactionLeavesNoTrace(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	boom := errors.New("write failed")

	err := repo.RunInTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.IncrementEvent(ctx, event("E1", "Boston", testNow.Add(time.Hour))))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = svc.GetEvent(ctx, "E1")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func voterName(i int) string {
	return fmt.Sprintf("voter-%d", i)
}

func TestPeriodicRefreshAgesOutPastEvents(t *testing.T) {
	svc, _, _ := newTestService()
	var clockMu sync.Mutex
	now := testNow
	svc.Now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	svc.TopEventsRefresh = 10 * time.Millisecond

	_, err := svc.Upvote(context.Background(), event("E1", "Boston", testNow.Add(time.Hour)), "v1")
	require.NoError(t, err)

	rec := &rankingRecorder{}
	sub, err := svc.SubscribeTopEvents("Boston", 5, rec.onUpdate, rec.onError)
	require.NoError(t, err)
	defer sub.Cancel()
	require.Equal(t, []string{"E1"}, ids(rec.last()))

	clockMu.Lock()
	now = testNow.Add(2 * time.Hour)
	clockMu.Unlock()

	require.Eventually(t, func() bool {
		return len(rec.last()) == 0
	}, time.Second, 5*time.Millisecond)
}
