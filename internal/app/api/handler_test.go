package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whereto/project/internal/app/popularity"
	"github.com/whereto/project/internal/app/todos"
	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
	platformauth "github.com/whereto/project/internal/platform/auth"
	"github.com/whereto/project/internal/platform/metrics"
)

var apiNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type testAPI struct {
	handler *Handler
	router  http.Handler
	votes   *popularity.Service
	tokens  platformauth.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	feed := docstore.NewLocalFeed()
	itemRepo := todos.NewMemoryRepository(feed)
	sessions := NewSessionRegistry(func() *todos.Store {
		return todos.NewStore(itemRepo, feed)
	})
	votes := popularity.NewService(popularity.NewMemoryRepository(feed), feed)
	votes.Now = func() time.Time { return apiNow }
	tokens := platformauth.NewManager("test-secret", time.Hour)

	h := NewHandler(sessions, votes, tokens, "http://localhost:8081")
	h.Heartbeat = 0
	return &testAPI{handler: h, router: h.Router(), votes: votes, tokens: tokens}
}

func (a *testAPI) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := a.tokens.Sign(userID, "")
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(t, userID))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/todos", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/todos", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/todos?token="+api.token(t, "u1"), nil)
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestItemLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	date := time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC)

	rec := api.do(t, http.MethodPost, "/api/v1/todos", "u1", contracts.Item{Title: "Museum", Date: &date})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[contracts.Item](t, rec)
	require.NotEmpty(t, created.ID)

	rec = api.do(t, http.MethodPost, "/api/v1/todos/"+created.ID+"/toggle", "u1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	snap := decode[todos.Snapshot](t, api.do(t, http.MethodGet, "/api/v1/todos", "u1", nil))
	require.Len(t, snap.Active, 1)
	assert.True(t, snap.Active[0].IsDone)

	rec = api.do(t, http.MethodPost, "/api/v1/todos/"+created.ID+"/trash", "u1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	snap = decode[todos.Snapshot](t, api.do(t, http.MethodGet, "/api/v1/todos", "u1", nil))
	assert.Empty(t, snap.Active)
	require.Len(t, snap.Trash, 1)
	assert.NotNil(t, snap.Trash[0].DeletedAt)

	rec = api.do(t, http.MethodPost, "/api/v1/todos/"+created.ID+"/restore", "u1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	snap = decode[todos.Snapshot](t, api.do(t, http.MethodGet, "/api/v1/todos", "u1", nil))
	require.Len(t, snap.Active, 1)
	assert.Empty(t, snap.Trash)

	rec = api.do(t, http.MethodPut, "/api/v1/todos/"+created.ID, "u1", contracts.Item{Title: "Museum of Science", Date: &date})
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decode[todos.Snapshot](t, api.do(t, http.MethodGet, "/api/v1/todos", "u1", nil))
	assert.Equal(t, "Museum of Science", snap.Active[0].Title)

	other := decode[todos.Snapshot](t, api.do(t, http.MethodGet, "/api/v1/todos", "u2", nil))
	assert.Empty(t, other.Active)
	assert.Zero(t, api.handler.Sessions.Len())
}

func TestTrashDeletionRoutes(t *testing.T) {
	api := newTestAPI(t)
	var ids []string
	for _, title := range []string{"A", "B", "C"} {
		created := decode[contracts.Item](t, api.do(t, http.MethodPost, "/api/v1/todos", "u1", contracts.Item{Title: title}))
		ids = append(ids, created.ID)
		require.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, "/api/v1/todos/"+created.ID+"/trash", "u1", nil).Code)
	}

	require.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, "/api/v1/trash/"+ids[0], "u1", nil).Code)
	snap := decode[todos.Snapshot](t, api.do(t, http.MethodGet, "/api/v1/todos", "u1", nil))
	assert.Len(t, snap.Trash, 2)

	require.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, "/api/v1/trash", "u1", nil).Code)
	snap = decode[todos.Snapshot](t, api.do(t, http.MethodGet, "/api/v1/todos", "u1", nil))
	assert.Empty(t, snap.Trash)
}

func TestAddRejectsEmptyTitle(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/v1/todos", "u1", contracts.Item{Title: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/todos", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+api.token(t, "u1"))
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVotingRoutes(t *testing.T) {
	api := newTestAPI(t)
	date := apiNow.Add(24 * time.Hour)
	body := voteRequest{Title: "Jazz Night", City: " Boston ", Date: &date}

	first := decode[voteResponse](t, api.do(t, http.MethodPost, "/api/v1/events/E1/vote", "v1", body))
	assert.True(t, first.Applied)
	again := decode[voteResponse](t, api.do(t, http.MethodPost, "/api/v1/events/E1/vote", "v1", body))
	assert.False(t, again.Applied)

	got := decode[eventResponse](t, api.do(t, http.MethodGet, "/api/v1/events/E1", "v1", nil))
	assert.Equal(t, int64(1), got.Event.Popularity)
	assert.Equal(t, int64(1), got.Voters)
	assert.Equal(t, "boston", got.Event.CityKey)

	removed := decode[voteResponse](t, api.do(t, http.MethodDelete, "/api/v1/events/E1/vote", "v1", nil))
	assert.True(t, removed.Applied)
	rec := api.do(t, http.MethodGet, "/api/v1/events/E1", "v1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	noop := decode[voteResponse](t, api.do(t, http.MethodDelete, "/api/v1/events/E1/vote", "v1", nil))
	assert.False(t, noop.Applied)
}

func TestPurgeRouteAccepts(t *testing.T) {
	api := newTestAPI(t)
	past := apiNow.Add(-time.Hour)
	_, err := api.votes.Upvote(context.Background(), contracts.PopularEvent{ID: "OLD", City: "Boston", Date: &past}, "v1")
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost, "/api/v1/cities/BOSTON/purge", "ops", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "boston", decode[map[string]string](t, rec)["cityKey"])

	_, err = api.votes.GetEvent(context.Background(), "OLD")
	assert.ErrorIs(t, err, popularity.ErrEventNotFound)
}

func TestTopEventsRejectsBadLimit(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/cities/boston/top-events?limit=abc", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) (sseEvent, error) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, ctx context.Context, url, token string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func TestTodoStreamPushesSnapshots(t *testing.T) {
	api := newTestAPI(t)
	server := httptest.NewServer(api.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream := openStream(t, ctx, server.URL+"/api/v1/todos/stream", api.token(t, "u1"))

	ev, err := readSSE(t, stream)
	require.NoError(t, err)
	require.Equal(t, "snapshot", ev.name)

	rec := api.do(t, http.MethodPost, "/api/v1/todos", "u1", contracts.Item{Title: "Harbor cruise"})
	require.Equal(t, http.StatusCreated, rec.Code)

	for {
		ev, err = readSSE(t, stream)
		require.NoError(t, err)
		var snap todos.Snapshot
		require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
		if len(snap.Active) == 1 {
			assert.Equal(t, "Harbor cruise", snap.Active[0].Title)
			break
		}
	}
	assert.Equal(t, 1, api.handler.Sessions.Len())
}

func TestSecondTodoStreamReplacesFirst(t *testing.T) {
	api := newTestAPI(t)
	server := httptest.NewServer(api.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := api.token(t, "u1")

	first := openStream(t, ctx, server.URL+"/api/v1/todos/stream", token)
	_, err := readSSE(t, first)
	require.NoError(t, err)

	second := openStream(t, ctx, server.URL+"/api/v1/todos/stream", token)
	_, err = readSSE(t, second)
	require.NoError(t, err)

	for {
		if _, err = readSSE(t, first); err != nil {
			break
		}
	}
	require.NoError(t, ctx.Err(), "first stream should end before the deadline")

	rec := api.do(t, http.MethodDelete, "/api/v1/todos/stream", "u1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	for {
		if _, err = readSSE(t, second); err != nil {
			break
		}
	}
	require.NoError(t, ctx.Err())
}

func TestTopEventsStreamFollowsVotes(t *testing.T) {
	api := newTestAPI(t)
	server := httptest.NewServer(api.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream := openStream(t, ctx, server.URL+"/api/v1/cities/Boston/top-events?limit=3", api.token(t, "u1"))

	ev, err := readSSE(t, stream)
	require.NoError(t, err)
	require.Equal(t, "ranking", ev.name)
	assert.Equal(t, "[]", ev.data)

	date := apiNow.Add(time.Hour)
	_, err = api.votes.Upvote(context.Background(), contracts.PopularEvent{ID: "E1", City: "boston", Date: &date}, "v1")
	require.NoError(t, err)

	ev, err = readSSE(t, stream)
	require.NoError(t, err)
	var ranking []contracts.PopularEvent
	require.NoError(t, json.Unmarshal([]byte(ev.data), &ranking))
	require.Len(t, ranking, 1)
	assert.Equal(t, "E1", ranking[0].ID)
	assert.Equal(t, 1, api.handler.rankings.Len())
}

func TestRankingHubSharesSubscriptions(t *testing.T) {
	api := newTestAPI(t)
	hub := api.handler.rankings

	a, unsubA, err := hub.Subscribe("Boston", 5)
	require.NoError(t, err)
	b, unsubB, err := hub.Subscribe(" boston", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Len())
	<-a
	<-b

	unsubA()
	assert.Equal(t, 1, hub.Len())
	unsubB()
	unsubB()
	assert.Zero(t, hub.Len())
}

func TestSessionRegistrySharesStoreUntilLastRelease(t *testing.T) {
	api := newTestAPI(t)
	sessions := api.handler.Sessions
	ctx := context.Background()

	first, releaseFirst, err := sessions.Acquire(ctx, "u1")
	require.NoError(t, err)
	second, releaseSecond, err := sessions.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.True(t, first.Connected())

	releaseFirst()
	releaseFirst()
	assert.True(t, first.Connected())
	releaseSecond()
	assert.False(t, first.Connected())
	assert.Zero(t, sessions.Len())
}

func TestAllowedOriginForRequest(t *testing.T) {
	h := &Handler{AllowedOrigin: "http://localhost:8081"}
	assert.Equal(t, "http://127.0.0.1:8081", h.allowedOriginForRequest("http://127.0.0.1:8081"))
	assert.Equal(t, "http://localhost:8081", h.allowedOriginForRequest("http://evil.example"))
	assert.Equal(t, "http://localhost:8081", h.allowedOriginForRequest(""))

	h.AllowedOrigin = ""
	assert.Equal(t, "*", h.allowedOriginForRequest("http://anything"))
}

func TestMetricsRouteOnlyWhenEnabled(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	api.handler.Metrics = metrics.DefaultHandler()
	router := api.handler.Router()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "process_uptime_seconds")
}
