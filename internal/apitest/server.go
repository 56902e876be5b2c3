// Package apitest is an in-process stand-in for the planning API. It issues
// signed access and refresh credentials, serves the authenticated routes the
// client talks to, and lets tests force credential expiry, reject renewals
// and count what reached it.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	httptransport "github.com/porthorian/planauth/pkg/transport/http"
)

type Config struct {
	Secret string
	// AccessTTL and RefreshTTL default to one hour and thirty days.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// ExpiredStatus is returned for an expired or invalid access credential.
	ExpiredStatus int
	// RotateRefresh makes every renewal return a new refresh credential and
	// the user record.
	RotateRefresh bool
	Logger        logr.Logger
}

type user struct {
	passwordHash string
	profile      map[string]any
}

type API struct {
	mu     sync.Mutex
	issuer *hmacTokenIssuer
	logger logr.Logger
	mux    *http.ServeMux

	accessTTL     time.Duration
	refreshTTL    time.Duration
	rotateRefresh bool

	generation      uint64
	validFrom       uint64
	rejectAllAccess bool
	refreshReject   int
	beforeRefresh   func()

	refreshCalls int
	logoutCalls  int
	requests     map[string]int
	protected    int

	users     map[string]*user
	byID      map[string]string
	subjects  []map[string]any
	tasks     []map[string]any
	plannings []map[string]any
	uploads   []string
}

func NewAPI(config Config) *API {
	if config.Secret == "" {
		config.Secret = "apitest-secret"
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = time.Hour
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = 30 * 24 * time.Hour
	}
	if config.ExpiredStatus == 0 {
		config.ExpiredStatus = http.StatusUnauthorized
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}

	a := &API{
		issuer:        &hmacTokenIssuer{secret: []byte(config.Secret), now: time.Now},
		logger:        config.Logger,
		mux:           http.NewServeMux(),
		accessTTL:     config.AccessTTL,
		refreshTTL:    config.RefreshTTL,
		rotateRefresh: config.RotateRefresh,
		requests:      map[string]int{},
		users:         map[string]*user{},
		byID:          map[string]string{},
	}

	protect := httptransport.Middleware(accessValidator{api: a}, httptransport.MiddlewareConfig{
		FailureStatusCode: config.ExpiredStatus,
	})
	handle := func(pattern string, h http.HandlerFunc) {
		a.mux.Handle(pattern, protect(h))
	}

	a.mux.HandleFunc("POST /api/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /api/auth/refresh", a.handleRefresh)
	handle("POST /api/auth/logout", a.handleLogout)
	handle("GET /api/auth/me", a.handleMe)
	handle("PUT /api/auth/me", a.handleUpdateMe)
	handle("GET /api/subjects", a.listHandler(func() []map[string]any { return a.subjects }))
	handle("POST /api/subjects", a.createHandler("subject", func(item map[string]any) { a.subjects = append(a.subjects, item) }))
	handle("GET /api/tasks", a.listHandler(func() []map[string]any { return a.tasks }))
	handle("POST /api/tasks", a.createHandler("task", func(item map[string]any) { a.tasks = append(a.tasks, item) }))
	handle("POST /api/schedules/upload", a.handleUpload)
	handle("POST /api/planning/generate", a.createHandler("planning", func(item map[string]any) { a.plannings = append(a.plannings, item) }))
	handle("GET /api/planning", a.listHandler(func() []map[string]any { return a.plannings }))
	handle("GET /api/statistics", a.handleStatistics)

	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get(httptransport.HeaderRequestID); id != "" {
		a.mu.Lock()
		a.requests[id]++
		a.mu.Unlock()
	}
	a.logger.V(1).Info("request", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

// Server runs an API on a loopback httptest server.
type Server struct {
	*API
	HTTP *httptest.Server
}

func NewServer(config Config) *Server {
	api := NewAPI(config)
	return &Server{API: api, HTTP: httptest.NewServer(api)}
}

func (s *Server) URL() string { return s.HTTP.URL }

func (s *Server) Close() { s.HTTP.Close() }

// AddUser registers a user directly and returns its id. It panics on an empty
// password.
func (a *API) AddUser(email, password string, profile map[string]any) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, err := a.addUserLocked(email, password, profile)
	if err != nil {
		panic(err)
	}
	return id
}

func (a *API) addUserLocked(email, password string, profile map[string]any) (string, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	record := map[string]any{}
	for k, v := range profile {
		record[k] = v
	}
	record["id"] = id
	record["email"] = email
	a.users[email] = &user{passwordHash: hash, profile: record}
	a.byID[id] = email
	return id, nil
}

// IssueCredentials mints an access and refresh credential for email as if
// the user had just logged in.
func (a *API) IssueCredentials(email string) (access, refresh string, profile map[string]any, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.users[email]
	if !ok {
		return "", "", nil, fmt.Errorf("apitest: unknown user %q", email)
	}
	access, refresh, err = a.issuePairLocked(u.profile["id"].(string))
	return access, refresh, copyMap(u.profile), err
}

// ExpireAccessTokens invalidates every access credential issued so far.
// Credentials issued by later renewals are valid again.
func (a *API) ExpireAccessTokens() {
	a.mu.Lock()
	a.validFrom = a.generation + 1
	a.mu.Unlock()
}

// RejectAllAccess makes every protected route answer with the expired
// status, renewed credentials included.
func (a *API) RejectAllAccess(reject bool) {
	a.mu.Lock()
	a.rejectAllAccess = reject
	a.mu.Unlock()
}

// RejectRefresh makes the refresh endpoint answer with status. Zero restores
// normal behavior.
func (a *API) RejectRefresh(status int) {
	a.mu.Lock()
	a.refreshReject = status
	a.mu.Unlock()
}

// BeforeRefresh installs a hook run at the start of every refresh call,
// before the lock is taken. Tests use it to hold a renewal in flight.
func (a *API) BeforeRefresh(hook func()) {
	a.mu.Lock()
	a.beforeRefresh = hook
	a.mu.Unlock()
}

func (a *API) RefreshCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshCalls
}

func (a *API) LogoutCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logoutCalls
}

// ProtectedRequests counts requests that passed credential validation.
func (a *API) ProtectedRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.protected
}

// RequestsFor reports how many requests carried the given X-Request-ID.
func (a *API) RequestsFor(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[id]
}

// RequestIDs returns the per-call request counts.
func (a *API) RequestIDs() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyCounts(a.requests)
}

func (a *API) Uploads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.uploads...)
}

func (a *API) validateAccess(token string) (any, error) {
	c, err := a.issuer.parse(token, tokenTypeAccess)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejectAllAccess || c.Generation < a.validFrom {
		return nil, errTokenExpired
	}
	if _, ok := a.byID[c.Subject]; !ok {
		return nil, errUnknownSubject
	}
	a.protected++
	return c.Subject, nil
}

func (a *API) issuePairLocked(subject string) (string, string, error) {
	access, err := a.issueAccessLocked(subject)
	if err != nil {
		return "", "", err
	}
	refresh, err := a.issuer.issue(subject, tokenTypeRefresh, a.generation, a.refreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (a *API) issueAccessLocked(subject string) (string, error) {
	a.generation++
	return a.issuer.issue(subject, tokenTypeAccess, a.generation, a.accessTTL)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	email, _ := body["email"].(string)
	password, _ := body["password"].(string)
	nom, _ := body["nom"].(string)
	if email == "" || password == "" || nom == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "nom, email and password are required"})
		return
	}

	a.mu.Lock()
	if _, exists := a.users[email]; exists {
		a.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{"error": "email already registered"})
		return
	}
	delete(body, "password")
	delete(body, "confirm_password")
	id, err := a.addUserLocked(email, password, body)
	if err != nil {
		a.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	access, refresh, err := a.issuePairLocked(id)
	profile := copyMap(a.users[email].profile)
	a.mu.Unlock()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":       "registered",
		"user":          profile,
		"access_token":  access,
		"refresh_token": refresh,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	a.mu.Lock()
	u, ok := a.users[body.Email]
	if ok {
		ok, _ = verifyPassword(body.Password, u.passwordHash)
	}
	if !ok {
		a.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid email or password"})
		return
	}
	access, refresh, err := a.issuePairLocked(u.profile["id"].(string))
	profile := copyMap(u.profile)
	a.mu.Unlock()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "logged in",
		"user":          profile,
		"access_token":  access,
		"refresh_token": refresh,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.refreshCalls++
	hook := a.beforeRefresh
	a.mu.Unlock()

	if hook != nil {
		hook()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refreshReject != 0 {
		writeJSON(w, a.refreshReject, map[string]any{"error": "refresh token rejected"})
		return
	}

	token, ok := httptransport.BearerToken(r.Header.Get(httptransport.HeaderAuthorization))
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing refresh token"})
		return
	}
	c, err := a.issuer.parse(token, tokenTypeRefresh)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}
	email, known := a.byID[c.Subject]
	if !known {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unknown subject"})
		return
	}

	access, err := a.issueAccessLocked(c.Subject)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	resp := map[string]any{"access_token": access}
	if a.rotateRefresh {
		refresh, err := a.issuer.issue(c.Subject, tokenTypeRefresh, a.generation, a.refreshTTL)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		resp["refresh_token"] = refresh
		resp["user"] = copyMap(a.users[email].profile)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.logoutCalls++
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"message": "logged out"})
}

func (a *API) currentUserLocked(r *http.Request) *user {
	subject, _ := httptransport.PrincipalFromContext(r.Context())
	id, _ := subject.(string)
	return a.users[a.byID[id]]
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	u := a.currentUserLocked(r)
	if u == nil {
		a.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "user not found"})
		return
	}
	profile := copyMap(u.profile)
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"user": profile})
}

func (a *API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	a.mu.Lock()
	u := a.currentUserLocked(r)
	if u == nil {
		a.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "user not found"})
		return
	}
	for k, v := range body {
		if k == "id" || k == "email" || k == "password" {
			continue
		}
		u.profile[k] = v
	}
	profile := copyMap(u.profile)
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"user": profile})
}

func (a *API) listHandler(items func() []map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		out := make([]map[string]any, 0, len(items()))
		for _, item := range items() {
			out = append(out, copyMap(item))
		}
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, out)
	}
}

func (a *API) createHandler(kind string, add func(map[string]any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
		body["id"] = uuid.NewString()
		body["kind"] = kind

		a.mu.Lock()
		add(body)
		out := copyMap(body)
		a.mu.Unlock()
		writeJSON(w, http.StatusCreated, out)
	}
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get(httptransport.HeaderContentType), "multipart/form-data") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "multipart body required"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "file field required"})
		return
	}
	defer file.Close()
	size, err := io.Copy(io.Discard, file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	a.mu.Lock()
	a.uploads = append(a.uploads, header.Filename)
	a.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       uuid.NewString(),
		"filename": header.Filename,
		"size":     size,
	})
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	stats := map[string]any{
		"subjects":  len(a.subjects),
		"tasks":     len(a.tasks),
		"plannings": len(a.plannings),
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set(httptransport.HeaderContentType, httptransport.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
