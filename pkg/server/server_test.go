package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/orneryd/dqgraph/pkg/dq"
	"github.com/orneryd/dqgraph/pkg/pool"
	"github.com/orneryd/dqgraph/pkg/storage"
)

// =============================================================================
// Test Helpers
// =============================================================================

type testEnv struct {
	server *Server
	engine *storage.BadgerEngine
	pool   *pool.Pool
}

func setupTestServer(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()

	engine, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)

	p := pool.New(&pool.Config{MaxWorkers: 2, CoreWorkers: 1, QueueSize: 4})
	require.NoError(t, p.Start())

	t.Cleanup(func() {
		p.Stop(context.Background())
		engine.Close()
	})

	config := DefaultConfig()
	config.Port = 0
	if configure != nil {
		configure(config)
	}

	svc := dq.NewService(engine, p, &dq.Config{MaxDepth: dq.DefaultMaxDepth, LockClassLabels: true})
	server, err := New(svc, config)
	require.NoError(t, err)
	server.SetCounter(engine)
	server.SetPool(p)

	return &testEnv{server: server, engine: engine, pool: p}
}

func makeRequest(t *testing.T, server *Server, method, path string, body interface{}, configure ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reqBody = strings.NewReader(b)
	default:
		jsonBody, err := json.Marshal(b)
		require.NoError(t, err)
		reqBody = bytes.NewReader(jsonBody)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	for _, fn := range configure {
		fn(req)
	}

	recorder := httptest.NewRecorder()
	server.buildRouter().ServeHTTP(recorder, req)

	return recorder
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// createEntity creates a plain node through the API and returns its id.
func createEntity(t *testing.T, s *Server) string {
	t.Helper()
	rec := makeRequest(t, s, "POST", "/db/nodes", map[string]interface{}{
		"labels":     []string{"Person"},
		"properties": map[string]interface{}{"name": "Ada"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["id"].(string)
}

func createFlag(t *testing.T, s *Server, entity, label string) string {
	t.Helper()
	rec := makeRequest(t, s, "POST", "/dq/flags", map[string]interface{}{
		"entity": entity,
		"label":  label,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["id"].(string)
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(context.Context, pool.Task) (*pool.Future, error) {
	return nil, pool.ErrRejected
}

// =============================================================================
// Server Creation Tests
// =============================================================================

func TestNew(t *testing.T) {
	engine, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer engine.Close()
	svc := dq.NewService(engine, rejectingExecutor{}, nil)

	t.Run("nil service", func(t *testing.T) {
		_, err := New(nil, nil)
		assert.Error(t, err)
	})

	t.Run("default config", func(t *testing.T) {
		s, err := New(svc, nil)
		require.NoError(t, err)
		assert.Equal(t, 7480, s.config.Port)
		assert.Equal(t, int64(10*1024*1024), s.config.MaxRequestSize)
	})

	t.Run("username without hash", func(t *testing.T) {
		_, err := New(svc, &Config{Username: "admin"})
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := makeRequest(t, env.server, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestHandleStatus(t *testing.T) {
	env := setupTestServer(t, nil)
	createEntity(t, env.server)

	rec := makeRequest(t, env.server, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "running", body["status"])
	db := body["database"].(map[string]interface{})
	assert.Equal(t, float64(1), db["nodes"])
	assert.Equal(t, float64(0), db["edges"])
	p := body["pool"].(map[string]interface{})
	assert.Equal(t, true, p["running"])
}

// =============================================================================
// Flag Tests
// =============================================================================

func TestFlagWorkflow(t *testing.T) {
	env := setupTestServer(t, nil)
	s := env.server

	entity := createEntity(t, s)
	doc := createEntity(t, s)
	flag := createFlag(t, s, entity, "BadName")
	createFlag(t, s, entity, "")

	rec := makeRequest(t, s, "GET", "/dq/flags?label=BadName", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = makeRequest(t, s, "GET", "/dq/flags", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["count"])

	rec = makeRequest(t, s, "GET", "/dq/entities/"+entity+"/flags", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["count"])

	rec = makeRequest(t, s, "POST", "/dq/flags/"+flag+"/attachments", map[string]interface{}{
		"target":      doc,
		"description": "evidence",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "evidence", decode(t, rec)["description"])

	rec = makeRequest(t, s, "GET", "/dq/flags/"+flag+"/attachments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = makeRequest(t, s, "GET", "/dq/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.Equal(t, "all", stats["class"])
	assert.Equal(t, float64(2), stats["total"])

	rec = makeRequest(t, s, "POST", "/dq/flags/delete", map[string]interface{}{
		"ids":       []string{flag},
		"batchSize": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = makeRequest(t, s, "POST", "/dq/entities/flags/delete", map[string]interface{}{
		"ids": []string{entity},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = makeRequest(t, s, "GET", "/dq/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["total"])
}

func TestCreateFlagErrors(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := makeRequest(t, env.server, "POST", "/dq/flags", map[string]interface{}{"label": "BadName"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = makeRequest(t, env.server, "POST", "/dq/flags", map[string]interface{}{"entity": "999"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = makeRequest(t, env.server, "POST", "/dq/flags/999/attachments", map[string]interface{}{"target": "1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteFlagsRawIDs(t *testing.T) {
	env := setupTestServer(t, nil)
	entity := createEntity(t, env.server)
	flag := createFlag(t, env.server, entity, "BadName")

	var raw int64
	require.NoError(t, json.Unmarshal([]byte(flag), &raw))

	rec := makeRequest(t, env.server, "POST", "/dq/flags/delete", map[string]interface{}{
		"rawIds":    []int64{raw},
		"batchSize": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestDeleteFlagsInvalid(t *testing.T) {
	env := setupTestServer(t, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"both id kinds", map[string]interface{}{"ids": []string{"1"}, "rawIds": []int64{1}}},
		{"negative batch size", map[string]interface{}{"ids": []string{"1"}, "batchSize": -1}},
		{"raw id out of range", map[string]interface{}{"rawIds": []int64{0}}},
		{"unknown field", map[string]interface{}{"nodes": []string{"1"}}},
		{"malformed json", "{not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := makeRequest(t, env.server, "POST", "/dq/flags/delete", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestDeleteFlagsBatchFailure(t *testing.T) {
	engine, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer engine.Close()

	s, err := New(dq.NewService(engine, rejectingExecutor{}, nil), nil)
	require.NoError(t, err)

	rec := makeRequest(t, s, "POST", "/dq/flags/delete", map[string]interface{}{
		"ids": []string{"1", "2"},
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["committed"])
	assert.Contains(t, body["detail"], "rejected")
}

// =============================================================================
// Class Tests
// =============================================================================

func TestClassWorkflow(t *testing.T) {
	env := setupTestServer(t, nil)
	s := env.server

	rec := makeRequest(t, s, "POST", "/dq/classes", map[string]interface{}{
		"label":             "SomeClass",
		"parent":            "ParentClass",
		"alertTriggerLimit": 10,
		"description":       "names that look wrong",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	class := decode(t, rec)
	assert.Equal(t, "SomeClass", class["label"])
	assert.Equal(t, "ParentClass", class["parent"])
	assert.Equal(t, float64(10), class["alertTriggerLimit"])

	rec = makeRequest(t, s, "GET", "/dq/classes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["count"], "root, parent and child")

	rec = makeRequest(t, s, "GET", "/dq/classes?label=ParentClass", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	entity := createEntity(t, s)
	createFlag(t, s, entity, "SomeClass")
	createFlag(t, s, entity, "SomeClass")

	rec = makeRequest(t, s, "GET", "/dq/statistics?class=ParentClass", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.Equal(t, float64(0), stats["direct"])
	assert.Equal(t, float64(2), stats["indirect"])

	rec = makeRequest(t, s, "DELETE", "/dq/classes/SomeClass", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), decode(t, rec)["flagsDeleted"])

	rec = makeRequest(t, s, "DELETE", "/dq/classes/SomeClass", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = makeRequest(t, s, "GET", "/dq/statistics?class=SomeClass", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateClassInvalid(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := makeRequest(t, env.server, "POST", "/dq/classes", map[string]interface{}{"label": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = makeRequest(t, env.server, "POST", "/dq/classes", map[string]interface{}{"label": "DQ_Flag"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuplicateClassConflict(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := makeRequest(t, env.server, "POST", "/dq/classes", map[string]interface{}{"label": "Dup"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, env.engine.Update(func(tx storage.Transaction) error {
		_, err := tx.CreateNode([]string{dq.ClassLabel}, map[string]any{dq.PropClass: "Dup"})
		return err
	}))

	rec = makeRequest(t, env.server, "GET", "/dq/statistics?class=Dup", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = makeRequest(t, env.server, "POST", "/dq/classes", map[string]interface{}{"label": "Dup"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatisticsEmptyGraph(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := makeRequest(t, env.server, "GET", "/dq/statistics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Entity Tests
// =============================================================================

func TestCreateNodeReservedLabel(t *testing.T) {
	env := setupTestServer(t, nil)

	for _, label := range []string{"DQ_Flag", "dq_class", ""} {
		rec := makeRequest(t, env.server, "POST", "/db/nodes", map[string]interface{}{
			"labels": []string{label},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, label)
	}
}

// =============================================================================
// Auth / Middleware Tests
// =============================================================================

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)

	env := setupTestServer(t, func(c *Config) {
		c.Username = "admin"
		c.PasswordHash = string(hash)
	})

	rec := makeRequest(t, env.server, "GET", "/dq/classes", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = makeRequest(t, env.server, "GET", "/dq/classes", nil, func(r *http.Request) {
		r.SetBasicAuth("admin", "wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = makeRequest(t, env.server, "GET", "/dq/classes", nil, func(r *http.Request) {
		r.SetBasicAuth("root", "password123")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = makeRequest(t, env.server, "GET", "/dq/classes", nil, func(r *http.Request) {
		r.SetBasicAuth("admin", "password123")
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = makeRequest(t, env.server, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health needs no auth")
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	makeRequest(t, env.server, "GET", "/dq/classes", nil)
	rec := makeRequest(t, env.server, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dqgraph_http_requests_total")
}

func TestNotFound(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := makeRequest(t, env.server, "GET", "/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = makeRequest(t, env.server, "PUT", "/dq/flags", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	env := setupTestServer(t, nil)

	handler := env.server.recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int64(1), env.server.Stats().ErrorCount)
}

func TestServerStartStop(t *testing.T) {
	env := setupTestServer(t, nil)

	require.NoError(t, env.server.Start())
	addr := env.server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))
	require.NoError(t, env.server.Stop(ctx), "second stop is a no-op")
	assert.ErrorIs(t, env.server.Start(), ErrServerClosed)
}
