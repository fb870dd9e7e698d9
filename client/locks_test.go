package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radpeer/radpeer/wire"
)

// lockTestServer answers the lock REST routes with an in-memory lock table
// keyed by bearer token, which stands in for the authenticated user.
type lockTestServer struct {
	ts *httptest.Server

	mu      sync.Mutex
	holders map[string]string // image/annotation -> holder token
}

func newLockTestServer(t *testing.T) *lockTestServer {
	t.Helper()
	s := &lockTestServer{holders: make(map[string]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("/images/", func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if auth == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		key := r.URL.Path
		holder, held := s.holders[key]
		switch r.Method {
		case http.MethodPost:
			if held && holder != auth {
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(wire.LockStatus{Locked: true, HolderID: holder})
				return
			}
			s.holders[key] = auth
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(wire.LockStatus{Locked: true, HolderID: auth, AcquiredAt: time.Now().UTC()})
		case http.MethodDelete:
			if held && holder == auth {
				delete(s.holders, key)
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(wire.LockStatus{Locked: held, HolderID: holder})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	s.ts = httptest.NewServer(mux)
	t.Cleanup(s.ts.Close)
	return s
}

func newTestLockClient(t *testing.T, srv *lockTestServer, token string) *LockClient {
	t.Helper()
	lc, err := NewLockClient(srv.ts.URL, StaticTokenProvider(token), srv.ts.Client())
	require.NoError(t, err)
	return lc
}

func TestNewLockClientValidation(t *testing.T) {
	_, err := NewLockClient("", StaticTokenProvider("x"), nil)
	assert.Error(t, err)

	_, err = NewLockClient("http://localhost:1", nil, nil)
	assert.Error(t, err)
}

func TestLockClientAcquireReleaseHandoff(t *testing.T) {
	srv := newLockTestServer(t)
	alice := newTestLockClient(t, srv, "token-alice")
	bob := newTestLockClient(t, srv, "token-bob")
	ctx := context.Background()

	got, err := alice.Acquire(ctx, "img-17", "ann-1")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = bob.Acquire(ctx, "img-17", "ann-1")
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, alice.Release(ctx, "img-17", "ann-1"))

	got, err = bob.Acquire(ctx, "img-17", "ann-1")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestLockClientStatus(t *testing.T) {
	srv := newLockTestServer(t)
	alice := newTestLockClient(t, srv, "token-alice")
	ctx := context.Background()

	status, err := alice.Status(ctx, "img-17", "ann-1")
	require.NoError(t, err)
	assert.False(t, status.Locked)

	_, err = alice.Acquire(ctx, "img-17", "ann-1")
	require.NoError(t, err)

	status, err = alice.Status(ctx, "img-17", "ann-1")
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, "token-alice", status.HolderID)
}

func TestLockClientRequiresToken(t *testing.T) {
	srv := newLockTestServer(t)
	lc, err := NewLockClient(srv.ts.URL, StaticTokenProvider(""), nil)
	require.NoError(t, err)

	_, err = lc.Acquire(context.Background(), "img-17", "ann-1")
	assert.Error(t, err)
}

func TestLockClientReportsTransportErrors(t *testing.T) {
	lc, err := NewLockClient(closedPortURL(t), StaticTokenProvider("token"), nil)
	require.NoError(t, err)

	_, err = lc.Acquire(context.Background(), "img-17", "ann-1")
	assert.Error(t, err)
	assert.Error(t, lc.Release(context.Background(), "img-17", "ann-1"))
	_, err = lc.Status(context.Background(), "img-17", "ann-1")
	assert.Error(t, err)
}
