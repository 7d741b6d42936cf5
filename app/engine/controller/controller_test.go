package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trustnet/unlx/app/engine/types"
	"github.com/trustnet/unlx/pkg/events"
	"github.com/trustnet/unlx/pkg/fetch"
	"github.com/trustnet/unlx/pkg/unl"
	"github.com/trustnet/unlx/pkg/unl/store"
)

func newTestController(t *testing.T) (*Controller, *mux.Router) {
	t.Helper()
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("ADMIN_USER", "admin")
	t.Setenv("ADMIN_PASSWORD", "hunter2")

	logger := zaptest.NewLogger(t)
	logic := unl.NewLogic(store.NewMemory(), logger, unl.LogicConfig{
		TargetSize: 4,
		Seed:       func() int64 { return 1 },
	})
	app := &types.App{
		Manager: unl.NewManager(logic, fetch.New(fetch.Opts{}), time.Hour, logger),
		Hub:     events.NewHub(logger),
		Logger:  logger,
	}

	ctler := NewController(app)
	router, err := ctler.NewRouter()
	require.NoError(t, err)
	return ctler, router
}

func doJSON(t *testing.T, router *mux.Router, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	_, router := newTestController(t)
	rec := doJSON(t, router, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	_, router := newTestController(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/chosen"},
		{http.MethodGet, "/api/validators"},
		{http.MethodGet, "/api/sources"},
		{http.MethodPost, "/api/sources"},
		{http.MethodDelete, "/api/sources?name=x"},
		{http.MethodPost, "/api/rebuild"},
		{http.MethodPost, "/api/validations"},
		{http.MethodPost, "/api/ledgers"},
	} {
		rec := doJSON(t, router, tc.method, tc.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)

		rec = doJSON(t, router, tc.method, tc.path, "wrong-token", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s with bad token", tc.method, tc.path)
	}
}

func TestLoginIssuesSession(t *testing.T) {
	_, router := newTestController(t)

	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", "",
		`{"username":"admin","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessionCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "unl_session" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie, "login sets the session cookie")

	// The cookie authenticates follow-up requests.
	req := httptest.NewRequest(http.MethodGet, "/api/validators", nil)
	req.AddCookie(sessionCookie)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, router := newTestController(t)

	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", "",
		`{"username":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/login", "",
		`{"username":"ghost","password":"hunter2"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChosenUnavailableBeforeFirstBuild(t *testing.T) {
	ctler, router := newTestController(t)

	rec := doJSON(t, router, http.MethodGet, "/api/chosen", "secret", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The worker is not running in this test; drive the build directly.
	ctler.App.Manager.Logic().BuildChosen(context.Background())

	rec = doJSON(t, router, http.MethodGet, "/api/chosen", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Seq    uint64 `json:"seq"`
		Size   int    `json:"size"`
		Target int    `json:"target"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, uint64(1), out.Seq)
	assert.Equal(t, 0, out.Size)
	assert.Equal(t, 4, out.Target)
}

func TestRebuildAccepted(t *testing.T) {
	_, router := newTestController(t)

	rec := doJSON(t, router, http.MethodPost, "/api/rebuild", "secret", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "rebuilding", out["chosen_list"])
}

func TestSourceAddValidation(t *testing.T) {
	_, router := newTestController(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"url source", `{"kind":"url","url":"https://example.com/unl"}`, http.StatusAccepted},
		{"file source", `{"kind":"file","path":"/etc/unlx/validators.txt"}`, http.StatusAccepted},
		{"strings source", `{"kind":"strings","name":"ops","validators":["` + strings.Repeat("ab", 32) + `"]}`, http.StatusAccepted},
		{"url missing", `{"kind":"url"}`, http.StatusBadRequest},
		{"file missing path", `{"kind":"file"}`, http.StatusBadRequest},
		{"strings missing validators", `{"kind":"strings","name":"ops"}`, http.StatusBadRequest},
		{"unknown kind", `{"kind":"carrier-pigeon"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/sources", "secret", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestSourceRemoveRequiresName(t *testing.T) {
	_, router := newTestController(t)

	rec := doJSON(t, router, http.MethodDelete, "/api/sources", "secret", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/sources?name=https://example.com/unl", "secret", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestIngestValidation(t *testing.T) {
	_, router := newTestController(t)

	valid := strings.Repeat("cd", 32)
	rec := doJSON(t, router, http.MethodPost, "/api/validations", "secret",
		`{"validator":"`+valid+`","ledgerHash":"L1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/validations", "secret", `{"validator":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/ledgers", "secret", `{"hash":"L1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/ledgers", "secret", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	_, router := newTestController(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chosen", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	WithCORS(router).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
