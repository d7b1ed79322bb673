package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/retry"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	d.urlValidator = noopValidator
	return d
}

func milestoneApproved(accountID string) events.Event {
	return events.Event{
		ID:        "evt_1",
		Entity:    events.EntityMilestone,
		Action:    "approved",
		EntityID:  "ms_1",
		AccountID: accountID,
		At:        time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestSubscriptionWants(t *testing.T) {
	e := milestoneApproved("esc_1")
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"exact type", Subscription{Active: true, Events: []string{"milestone.approved"}}, true},
		{"wildcard", Subscription{Active: true, Events: []string{AllEvents}}, true},
		{"other type", Subscription{Active: true, Events: []string{"dispute.opened"}}, false},
		{"inactive", Subscription{Active: false, Events: []string{AllEvents}}, false},
		{"same account", Subscription{Active: true, AccountID: "esc_1", Events: []string{AllEvents}}, true},
		{"other account", Subscription{Active: true, AccountID: "esc_2", Events: []string{AllEvents}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Wants(e))
		})
	}
}

func TestSign(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	a := Sign(payload, "secret-a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Sign(payload, "secret-a"))
	assert.NotEqual(t, a, Sign(payload, "secret-b"))
}

func TestPublishDeliversSignedPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_1", OwnerID: "platform", URL: srv.URL, Secret: "s3cret",
		Events: []string{"milestone.approved"}, Active: true,
	}))

	require.NoError(t, newTestDispatcher(store).Publish(ctx, milestoneApproved("esc_1")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "milestone.approved", headers.Get("X-Escrowd-Event"))
	assert.Equal(t, Sign(body, "s3cret"), headers.Get("X-Escrowd-Signature"))

	var d Delivery
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, "evt_1", d.ID)
	assert.Equal(t, "esc_1", d.Event.AccountID)

	sub, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestPublishRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_1", URL: srv.URL, Events: []string{AllEvents}, Active: true}))

	require.NoError(t, newTestDispatcher(store).Publish(ctx, milestoneApproved("esc_1")))
	assert.EqualValues(t, 2, calls.Load())
}

func TestPublishDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_1", URL: srv.URL, Events: []string{AllEvents}, Active: true}))

	err := newTestDispatcher(store).Publish(ctx, milestoneApproved("esc_1"))
	assert.ErrorContains(t, err, "status 410")
	assert.EqualValues(t, 1, calls.Load())

	sub, _ := store.Get(ctx, "wh_1")
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.Contains(t, sub.LastError, "410")
}

func TestPublishDisablesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_1", URL: srv.URL, Events: []string{AllEvents}, Active: true,
		ConsecutiveFailures: maxConsecutiveFailures - 1,
	}))

	_ = newTestDispatcher(store).Publish(ctx, milestoneApproved("esc_1"))
	sub, _ := store.Get(ctx, "wh_1")
	assert.False(t, sub.Active)

	active, err := store.ListActive(ctx, "milestone.approved")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPublishSkipsOtherAccounts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_1", URL: srv.URL, AccountID: "esc_2", Events: []string{AllEvents}, Active: true,
	}))

	require.NoError(t, newTestDispatcher(store).Publish(ctx, milestoneApproved("esc_1")))
	assert.Zero(t, calls.Load())
}

func TestBlockedURLIsNotCalled(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_1", URL: "http://127.0.0.1:1/hook", Events: []string{AllEvents}, Active: true,
	}))
	d := NewDispatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := d.Publish(ctx, milestoneApproved("esc_1"))
	assert.ErrorContains(t, err, "loopback")
}

func TestHandlerLifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	h := NewHandler(store)
	h.urlValidator = noopValidator
	r := gin.New()
	h.RegisterAdminRoutes(r.Group("/v1"))

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			_ = json.NewEncoder(&buf).Encode(body)
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/v1/admin/webhooks", map[string]any{
		"ownerId": "platform", "url": "https://hooks.example.com/escrow", "events": []string{"approved"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPost, "/v1/admin/webhooks", map[string]any{
		"ownerId": "platform", "url": "https://hooks.example.com/escrow", "events": []string{"dispute.opened"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Webhook map[string]any `json:"webhook"`
		Secret  string         `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.NotContains(t, created.Webhook, "secret")
	id := created.Webhook["id"].(string)

	w = do(http.MethodGet, "/v1/admin/webhooks?ownerId=platform", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = do(http.MethodDelete, "/v1/admin/webhooks/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(http.MethodDelete, "/v1/admin/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostgresListActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now()
	mock.ExpectQuery(`FROM webhooks\s+WHERE active = TRUE`).
		WithArgs(`["dispute.opened"]`, `["*"]`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "account_id", "url", "secret", "events",
			"active", "created_at", "last_success", "last_error", "consecutive_failures"}).
			AddRow("wh_1", "platform", nil, "https://hooks.example.com", "s", []byte(`["dispute.opened"]`),
				true, now, nil, nil, 0))

	subs, err := NewPostgresStore(db).ListActive(context.Background(), "dispute.opened")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Empty(t, subs[0].AccountID)
	assert.Equal(t, []string{"dispute.opened"}, subs[0].Events)
	assert.NoError(t, mock.ExpectationsWereMet())
}
