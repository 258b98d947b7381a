package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nuid"
	"github.com/sirupsen/logrus"
	"github.com/whereto/project/internal/app/popularity"
	"github.com/whereto/project/internal/app/todos"
	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
	platformauth "github.com/whereto/project/internal/platform/auth"
	"github.com/whereto/project/internal/platform/logging"
)

const defaultHeartbeat = 20 * time.Second

type Handler struct {
	Sessions      *SessionRegistry
	Votes         *popularity.Service
	Tokens        platformauth.Manager
	AllowedOrigin string
	// Heartbeat is the interval of SSE keepalive comments.
	Heartbeat time.Duration
	Ready     func(ctx context.Context) error
	Metrics   http.Handler

	streams  *userStreamRegistry
	rankings *rankingHub
}

func NewHandler(sessions *SessionRegistry, votes *popularity.Service, tokens platformauth.Manager, allowedOrigin string) *Handler {
	return &Handler{
		Sessions:      sessions,
		Votes:         votes,
		Tokens:        tokens,
		AllowedOrigin: allowedOrigin,
		Heartbeat:     defaultHeartbeat,
		streams:       newUserStreamRegistry(),
		rankings:      newRankingHub(votes),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestLogMiddleware)
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)

		authR.Get("/api/v1/todos", h.handleSnapshot)
		authR.Post("/api/v1/todos", h.handleAdd)
		authR.Get("/api/v1/todos/stream", h.handleTodoStream)
		authR.Delete("/api/v1/todos/stream", h.handleTodoStreamDisconnect)
		authR.Put("/api/v1/todos/{id}", h.handleUpdate)
		authR.Post("/api/v1/todos/{id}/toggle", h.handleToggle)
		authR.Post("/api/v1/todos/{id}/trash", h.handleTrash)
		authR.Post("/api/v1/todos/{id}/restore", h.handleRestore)
		authR.Delete("/api/v1/trash", h.handleEmptyTrash)
		authR.Delete("/api/v1/trash/{id}", h.handleDeletePermanently)

		authR.Get("/api/v1/events/{eventID}", h.handleGetEvent)
		authR.Post("/api/v1/events/{eventID}/vote", h.handleUpvote)
		authR.Delete("/api/v1/events/{eventID}/vote", h.handleRemoveVote)
		authR.Get("/api/v1/cities/{city}/top-events", h.handleTopEvents)
		authR.Post("/api/v1/cities/{city}/purge", h.handlePurge)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	h.handleHealth(w, r)
}

// withStore runs fn against the caller's live store for the duration of the
// request.
func (h *Handler) withStore(w http.ResponseWriter, r *http.Request, fn func(*todos.Store) error) bool {
	claims := claimsFromContext(r.Context())
	store, release, err := h.Sessions.Acquire(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return false
	}
	defer release()

	if err := fn(store); err != nil {
		h.writeServiceError(w, err)
		return false
	}
	return true
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap todos.Snapshot
	if h.withStore(w, r, func(store *todos.Store) error {
		snap = store.Snapshot()
		return nil
	}) {
		h.writeJSON(w, http.StatusOK, snap)
	}
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var item contracts.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if h.withStore(w, r, func(store *todos.Store) (err error) {
		item, err = store.Add(r.Context(), item)
		return err
	}) {
		h.writeJSON(w, http.StatusCreated, item)
	}
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var item contracts.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	item.ID = chi.URLParam(r, "id")
	if h.withStore(w, r, func(store *todos.Store) (err error) {
		item, err = store.Update(r.Context(), item)
		return err
	}) {
		h.writeJSON(w, http.StatusOK, item)
	}
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	h.runItemOp(w, r, (*todos.Store).ToggleDone)
}

func (h *Handler) handleTrash(w http.ResponseWriter, r *http.Request) {
	h.runItemOp(w, r, (*todos.Store).Trash)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	h.runItemOp(w, r, (*todos.Store).Restore)
}

func (h *Handler) handleDeletePermanently(w http.ResponseWriter, r *http.Request) {
	h.runItemOp(w, r, (*todos.Store).DeletePermanently)
}

func (h *Handler) runItemOp(w http.ResponseWriter, r *http.Request, op func(*todos.Store, context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if h.withStore(w, r, func(store *todos.Store) error {
		return op(store, r.Context(), id)
	}) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	if h.withStore(w, r, func(store *todos.Store) error {
		return store.EmptyTrash(r.Context())
	}) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleTodoStream(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	store, release, err := h.Sessions.Acquire(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	defer release()

	sse, ok := newSSEWriter(w)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	streamCtx, cancelStream := context.WithCancel(r.Context())
	streamID := nuid.Next()
	if cancelPrev := h.streams.Replace(claims.Subject, streamID, cancelStream); cancelPrev != nil {
		cancelPrev()
	}
	defer h.streams.Release(claims.Subject, streamID)
	defer cancelStream()

	updates, stopWatching := store.Watch()
	defer stopWatching()

	heartbeat, stopHeartbeat := h.heartbeat()
	defer stopHeartbeat()

	for {
		select {
		case <-streamCtx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := sse.Event("snapshot", snap); err != nil {
				return
			}
		case <-heartbeat:
			if err := sse.Comment("keepalive"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleTodoStreamDisconnect(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	h.streams.Cancel(claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

type voteRequest struct {
	Title    string     `json:"title"`
	City     string     `json:"city"`
	Date     *time.Time `json:"date,omitempty"`
	ImageURL string     `json:"imageURL,omitempty"`
	TMID     string     `json:"tmId,omitempty"`
}

type voteResponse struct {
	EventID string `json:"eventId"`
	Applied bool   `json:"applied"`
}

func (h *Handler) handleUpvote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	eventID := chi.URLParam(r, "eventID")
	claims := claimsFromContext(r.Context())

	applied, err := h.Votes.Upvote(r.Context(), contracts.PopularEvent{
		ID:       eventID,
		Title:    req.Title,
		City:     req.City,
		Date:     req.Date,
		ImageURL: req.ImageURL,
		TMID:     req.TMID,
	}, claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, voteResponse{EventID: eventID, Applied: applied})
}

func (h *Handler) handleRemoveVote(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	claims := claimsFromContext(r.Context())

	applied, err := h.Votes.RemoveVote(r.Context(), eventID, claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, voteResponse{EventID: eventID, Applied: applied})
}

type eventResponse struct {
	Event  contracts.PopularEvent `json:"event"`
	Voters int64                  `json:"voters"`
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	event, err := h.Votes.GetEvent(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	voters, err := h.Votes.VoterCount(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, eventResponse{Event: event, Voters: voters})
}

func (h *Handler) handleTopEvents(w http.ResponseWriter, r *http.Request) {
	city := chi.URLParam(r, "city")
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > 100 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 0 and 100")
			return
		}
		limit = parsed
	}

	rankings, unsubscribe, err := h.rankings.Subscribe(city, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	defer unsubscribe()

	sse, ok := newSSEWriter(w)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	heartbeat, stopHeartbeat := h.heartbeat()
	defer stopHeartbeat()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-rankings:
			var err error
			if msg.Err != nil {
				err = sse.Event("error", map[string]string{"error": msg.Err.Error()})
			} else {
				err = sse.Event("ranking", msg.Events)
			}
			if err != nil {
				return
			}
		case <-heartbeat:
			if err := sse.Comment("keepalive"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	city := chi.URLParam(r, "city")
	h.Votes.PurgeExpired(r.Context(), city)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"cityKey": contracts.CityKey(city)})
}

func (h *Handler) heartbeat() (<-chan time.Time, func()) {
	if h.Heartbeat <= 0 {
		return nil, func() {}
	}
	ticker := time.NewTicker(h.Heartbeat)
	return ticker.C, ticker.Stop
}

func (h *Handler) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		logging.Component("api").WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(started).String(),
		}).Debug("request served")
	})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	return a.Port() == b.Port() && strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

// authMiddleware accepts the bearer header or, for EventSource clients that
// cannot set headers, a token query parameter.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, todos.ErrTitleRequired),
		errors.Is(err, popularity.ErrEventIDRequired),
		errors.Is(err, popularity.ErrVoterRequired):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, popularity.ErrEventNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, docstore.ErrTransactionConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
