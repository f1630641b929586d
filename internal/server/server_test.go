package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/dispatch"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/metrics"
	"bountyline/internal/migrate"
	"bountyline/internal/rail"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := metrics.New()
	e := engine.New(conn, config.Default(), nil)
	e.Metrics = m
	policy := config.DispatchConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      2,
		RailTimeout:     time.Second,
		Concurrency:     2,
	}
	d := dispatch.New(e, rail.NewRegistry(rail.NewSandbox("sandbox")), policy, nil)
	handler, err := New(Config{
		Engine:     e,
		Dispatcher: d,
		Metrics:    m,
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var organizer = map[string]string{"X-Actor-Id": "org-1"}

// call issues a request as the organizer and requires the given status.
func call(t *testing.T, srv *testServer, method, path string, body any, want int, out any) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), method, srv.URL+path, body, organizer)
	require.Equal(t, want, res.StatusCode, "%s %s: %s", method, path, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestPoolLifecycleThroughDispatch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var pool domain.Pool
	call(t, srv, http.MethodPost, "/v0/pools", map[string]any{
		"id":           "hack-1",
		"organizer_id": "org-1",
		"currency":     "USD",
		"rules":        map[string]any{"mode": "tiered", "tiers": []int64{600, 400}},
	}, http.StatusCreated, &pool)
	require.Equal(t, "hack-1", pool.ID)

	call(t, srv, http.MethodPost, "/v0/pools/hack-1/deposits", map[string]any{"amount": 1000, "source": "wire"}, http.StatusCreated, nil)
	for _, name := range []string{"alice", "bob"} {
		call(t, srv, http.MethodPost, "/v0/participants", map[string]any{
			"id": name, "rail": "sandbox", "destination": "acct-" + name,
		}, http.StatusOK, nil)
	}
	var recorded RecordScoresResponse
	call(t, srv, http.MethodPost, "/v0/pools/hack-1/scores", map[string]any{"scores": []map[string]any{
		{"participant_id": "alice", "criterion": "overall", "score": 95, "submitted_at": "2024-03-01T10:00:00Z"},
		{"participant_id": "bob", "criterion": "overall", "score": 80, "submitted_at": "2024-03-01T10:05:00Z"},
	}}, http.StatusOK, &recorded)
	require.Equal(t, 2, recorded.Recorded)

	call(t, srv, http.MethodPost, "/v0/pools/hack-1/transitions", map[string]any{"status": "locked"}, http.StatusOK, &pool)
	require.Equal(t, domain.PoolLocked, pool.Status)
	var allocs []domain.Allocation
	call(t, srv, http.MethodPost, "/v0/pools/hack-1/distribution", nil, http.StatusOK, &allocs)
	require.Len(t, allocs, 2)
	require.Equal(t, "alice", allocs[0].ParticipantID)
	require.EqualValues(t, 600, allocs[0].Amount)

	var report dispatch.PoolReport
	call(t, srv, http.MethodPost, "/v0/pools/hack-1/dispatch", nil, http.StatusOK, &report)
	require.True(t, report.Closed)
	require.Len(t, report.Attempts, 2)

	var bal domain.Balance
	call(t, srv, http.MethodGet, "/v0/pools/hack-1/verify", nil, http.StatusOK, &bal)
	require.EqualValues(t, 1000, bal.Paid)
	require.EqualValues(t, 1000, bal.Deposited)

	// Dispatching a confirmed allocation again returns the same attempt.
	var again domain.PayoutAttempt
	call(t, srv, http.MethodPost, "/v0/allocations/"+allocs[0].ID+"/dispatch", nil, http.StatusOK, &again)
	require.Equal(t, domain.AttemptConfirmed, again.Status)
	var attempts []domain.PayoutAttempt
	call(t, srv, http.MethodGet, "/v0/pools/hack-1/attempts?allocation_id="+allocs[0].ID, nil, http.StatusOK, &attempts)
	require.Len(t, attempts, 1)
	require.Equal(t, attempts[0].ID, again.ID)

	var events paginatedEvents
	call(t, srv, http.MethodGet, "/v0/pools/hack-1/events?limit=2", nil, http.StatusOK, &events)
	require.Len(t, events.Items, 2)
	require.NotEmpty(t, events.NextCursor)
	var older paginatedEvents
	call(t, srv, http.MethodGet, "/v0/pools/hack-1/events?limit=2&cursor="+events.NextCursor, nil, http.StatusOK, &older)
	require.Less(t, older.Items[0].ID, events.Items[1].ID)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/pools/hack-1/audit?format=yaml", nil, organizer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Equal(t, "application/yaml", res.Header.Get("Content-Type"))
	require.Contains(t, string(data), "hack-1")
}

func TestInvalidPoolConfigListsFields(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pools", map[string]any{
		"organizer_id": "org-1",
		"currency":     "USD",
		"rules":        map[string]any{"mode": "tiered"},
	}, organizer)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	body := decodeError(t, data)
	require.Equal(t, "invalid_config", body.Code)
	require.NotEmpty(t, body.Details["fields"])

	var pools []domain.Pool
	call(t, srv, http.MethodGet, "/v0/pools", nil, http.StatusOK, &pools)
	require.Empty(t, pools)
}

func TestIllegalTransitionIsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	call(t, srv, http.MethodPost, "/v0/pools", map[string]any{
		"id": "p1", "organizer_id": "org-1", "currency": "USD",
		"rules": map[string]any{"mode": "tiered", "tiers": []int64{100}},
	}, http.StatusCreated, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pools/p1/transitions", map[string]any{"status": "closed"}, organizer)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	require.Equal(t, string(domain.ReasonInvalidTransition), decodeError(t, data).Code)
}

func TestUnknownPoolIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/pools/nope", nil, organizer)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	require.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestRequestsNeedAnActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/pools", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/pools", nil, map[string]string{"Authorization": "Bearer junk"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestBearerTokenAttributesActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "org-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	principal, err := authenticateJWT(token, testSecret)
	require.NoError(t, err)
	require.Equal(t, Principal{ActorID: "org-7"}, principal)
	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = authenticateJWT(anonymous, testSecret)
	require.Error(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pools", map[string]any{
		"id": "p1", "organizer_id": "org-7", "currency": "USD",
		"rules": map[string]any{"mode": "tiered", "tiers": []int64{100}},
	}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/pools/p1/events?type=pool.created", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 1)
	require.Equal(t, "org-7", events.Items[0].ActorID)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	call(t, srv, http.MethodPost, "/v0/pools", map[string]any{
		"id": "p1", "organizer_id": "org-1", "currency": "USD",
		"rules": map[string]any{"mode": "tiered", "tiers": []int64{100}},
	}, http.StatusCreated, nil)
	call(t, srv, http.MethodPost, "/v0/pools/p1/deposits", map[string]any{"amount": 100}, http.StatusCreated, nil)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, strings.Contains(string(data), "bountyline_ledger_entries_total"), string(data))
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, organizer)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, paths, "/v0/pools/{pool_id}/dispatch")
}
