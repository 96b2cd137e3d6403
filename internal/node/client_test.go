package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"nefrit/internal/config"
	"nefrit/internal/metrics"
	"nefrit/internal/model"
)

// fakeWorker implements just enough of the worker user API.
type fakeWorker struct {
	mu     sync.Mutex
	secret string
	users  map[string]string
	hits   map[string]int
}

func newFakeWorker(t *testing.T, secret string) (*fakeWorker, *httptest.Server) {
	w := &fakeWorker{secret: secret, users: map[string]string{}, hits: map[string]int{}}
	srv := httptest.NewServer(w)
	t.Cleanup(srv.Close)
	return w, srv
}

func (f *fakeWorker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	f.hits[r.URL.Path]++

	if r.URL.Path == "/health" {
		_ = json.NewEncoder(w).Encode(model.NodeHealth{Status: "ok", Server: "fake", Users: len(f.users), Xray: true})
		return
	}

	var req struct {
		UserRequest
		Users []SyncUser `json:"users"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Secret != f.secret {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"request_id":"x","error":{"code":"UNAUTHORIZED","message":"Unauthorized"}}`))
		return
	}
	switch r.URL.Path {
	case "/api/add_user":
		f.users[req.UUID] = req.Path
	case "/api/sync_users":
		f.users = map[string]string{}
		for _, u := range req.Users {
			f.users[u.UUID] = u.Path
		}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(UserResponse{Success: true, Message: "ok", TotalUsers: len(f.users)})
}

func (f *fakeWorker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

func (f *fakeWorker) requests(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func TestClient_AddAndSync(t *testing.T) {
	ctx := context.Background()
	fw, srv := newFakeWorker(t, "s3cret")
	c := NewClient(config.WorkerNode{Name: "de-1", URL: srv.URL}, "s3cret", 5*time.Second)

	resp, err := c.AddUser(ctx, "uuid-1", "u1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.TotalUsers)
	assert.Equal(t, "u1", fw.users["uuid-1"])

	resp, err = c.SyncUsers(ctx, []model.User{{UUID: "uuid-2", Path: "u2"}, {UUID: "uuid-3", Path: "u3"}})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalUsers)
	assert.Equal(t, map[string]string{"uuid-2": "u2", "uuid-3": "u3"}, fw.users)
}

func TestClient_Unauthorized(t *testing.T) {
	_, srv := newFakeWorker(t, "right")
	c := NewClient(config.WorkerNode{Name: "de-1", URL: srv.URL}, "wrong", 5*time.Second)

	_, err := c.AddUser(context.Background(), "uuid-1", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401: Unauthorized")
}

func TestClient_Health(t *testing.T) {
	_, srv := newFakeWorker(t, "s")
	c := NewClient(config.WorkerNode{Name: "de-1", URL: srv.URL}, "s", 5*time.Second)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.Xray)
}

func TestPool_FanOut(t *testing.T) {
	ctx := context.Background()
	fw1, srv1 := newFakeWorker(t, "s")
	fw2, srv2 := newFakeWorker(t, "s")
	m := metrics.New(prometheus.NewRegistry())
	p := NewPool([]config.WorkerNode{{Name: "a", URL: srv1.URL}, {Name: "b", URL: srv2.URL}}, "s", 5*time.Second, m, zaptest.NewLogger(t))

	require.NoError(t, p.AddUser(ctx, "uuid-1", "u1"))
	assert.Equal(t, 1, fw1.count())
	assert.Equal(t, 1, fw2.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkerPushes.WithLabelValues("a", "add", "ok")))

	health := p.Health(ctx)
	assert.Equal(t, 1, health["a"].Users)
}

func TestPool_SyncSendsOneRequestPerWorker(t *testing.T) {
	ctx := context.Background()
	fw1, srv1 := newFakeWorker(t, "s")
	fw2, srv2 := newFakeWorker(t, "s")
	m := metrics.New(prometheus.NewRegistry())
	p := NewPool([]config.WorkerNode{{Name: "a", URL: srv1.URL}, {Name: "b", URL: srv2.URL}}, "s", 5*time.Second, m, nil)

	users := make([]model.User, 50)
	for i := range users {
		users[i] = model.User{UUID: fmt.Sprintf("uuid-%d", i), Path: fmt.Sprintf("u%d", i)}
	}
	require.NoError(t, p.Sync(ctx, users))

	for _, fw := range []*fakeWorker{fw1, fw2} {
		assert.Equal(t, 50, fw.count())
		assert.Equal(t, 1, fw.requests("/api/sync_users"))
		assert.Zero(t, fw.requests("/api/add_user"))
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkerPushes.WithLabelValues("b", "sync", "ok")))
}

func TestPool_PartialFailure(t *testing.T) {
	ctx := context.Background()
	fw, srv := newFakeWorker(t, "s")
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	m := metrics.New(prometheus.NewRegistry())
	p := NewPool([]config.WorkerNode{{Name: "up", URL: srv.URL}, {Name: "down", URL: down.URL}}, "s", time.Second, m, nil)

	err := p.AddUser(ctx, "uuid-1", "u1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "worker down"))
	assert.Equal(t, 1, fw.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkerPushes.WithLabelValues("down", "add", "error")))

	health := p.Health(ctx)
	assert.Equal(t, "down", health["down"].Status)
	assert.Equal(t, "ok", health["up"].Status)
}

func TestPool_Empty(t *testing.T) {
	p := NewPool(nil, "s", time.Second, nil, nil)
	assert.Zero(t, p.Len())
	assert.NoError(t, p.AddUser(context.Background(), "u", "p"))
	assert.NoError(t, p.Sync(context.Background(), []model.User{{UUID: "u"}}))
}
