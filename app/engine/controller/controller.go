package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"

	"github.com/trustnet/unlx/app/engine/types"
	"github.com/trustnet/unlx/pkg/utils"
)

type Controller struct {
	App        *types.App
	AdminToken string
	AuthUser   string
	Users      map[string]types.User
	AuthHash   []byte
	JWTSecret  []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	adminToken := utils.Env("ADMIN_TOKEN", "devtoken")
	adminUser := utils.Env("ADMIN_USER", "admin")
	adminUsersJSON := utils.Env("ADMIN_USERS", "")
	adminPass := utils.Env("ADMIN_PASSWORD", "admin")
	jwtSecret := []byte(utils.Env("SESSION_SECRET", "change-me-please"))

	phash, _ := utils.HashOrRead(adminPass)
	users := map[string]types.User{}
	users[adminUser] = types.User{Username: adminUser, Hash: phash, Role: "admin"}
	if adminUsersJSON != "" {
		_ = json.Unmarshal([]byte(adminUsersJSON), &users)
	}

	return &Controller{
		App:        app,
		AdminToken: adminToken,
		AuthUser:   adminUser,
		Users:      users,
		AuthHash:   phash,
		JWTSecret:  jwtSecret,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Development: Echo back the origin to allow credentials with any origin
		// TODO: Restrict this in production to specific domains
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodDelete+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	// basically it's ok, could even be a public endpoint
	r.Handle("/api/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)

	// Login/Logout (normalized to /api prefix)
	r.HandleFunc("/api/auth/login", c.HandleAdminLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleAdminLogout).Methods(http.MethodPost)

	// Read surface: the published snapshots, never the worker's state
	r.Handle("/api/chosen", c.RequireAuth(http.HandlerFunc(c.HandleChosen))).Methods(http.MethodGet)
	r.Handle("/api/validators", c.RequireAuth(http.HandlerFunc(c.HandleValidators))).Methods(http.MethodGet)
	r.Handle("/api/sources", c.RequireAuth(http.HandlerFunc(c.HandleSources))).Methods(http.MethodGet)

	// Mutations: each enqueues one task for the worker and returns 202.
	// Source names can be URLs, so removal takes ?name= instead of a path var.
	r.Handle("/api/sources", c.RequireAuth(http.HandlerFunc(c.HandleSourceAdd))).Methods(http.MethodPost)
	r.Handle("/api/sources", c.RequireAuth(http.HandlerFunc(c.HandleSourceRemove))).Methods(http.MethodDelete)
	r.Handle("/api/rebuild", c.RequireAuth(http.HandlerFunc(c.HandleRebuild))).Methods(http.MethodPost)

	// Consensus-side ingest
	r.Handle("/api/validations", c.RequireAuth(http.HandlerFunc(c.HandleValidation))).Methods(http.MethodPost)
	r.Handle("/api/ledgers", c.RequireAuth(http.HandlerFunc(c.HandleLedgerClosed))).Methods(http.MethodPost)

	// WebSocket endpoint for real-time engine events
	r.HandleFunc("/api/ws", c.HandleWebSocket).Methods(http.MethodGet)

	return r, nil
}
