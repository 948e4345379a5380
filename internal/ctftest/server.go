// Package ctftest runs an in-process fake of the platform API for tests.
package ctftest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	APIPrefix   = "/api/v1"
	refreshPath = APIPrefix + "/users/auth/refresh"
)

// User is an account known to the fake.
type User struct {
	ID       int64
	Username string
	Email    string
	Password string
	Role     string
	// MFACode, when set, enables MFA and is the only accepted code.
	MFACode        string
	MFAMisconfig   bool
	RecoverySignIn bool
}

type session struct {
	userID int64
	mfv    bool
}

// Server is the fake platform. Knobs are safe to flip while requests run.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	users         map[int64]*User
	access        map[string]session
	refresh       map[string]session
	active        bool
	endsAt        *time.Time
	statusLimited bool
	refreshFails  bool
	refreshDelay  time.Duration
	logoutFails   bool
	requireCSRF   bool
	rejectAccess  bool
	calls         map[string]int
	csrfSeen      map[string][]string
	deleted       []int64
	events        []chan string
	streamStatus  int
}

// New starts a fake with an active event. It is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		users:    make(map[int64]*User),
		access:   make(map[string]session),
		refresh:  make(map[string]session),
		active:   true,
		calls:    make(map[string]int),
		csrfSeen: make(map[string][]string),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// APIURL is the API base the gateway should use.
func (s *Server) APIURL() string {
	return s.URL + APIPrefix
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count)
	r.Route(APIPrefix, func(r chi.Router) {
		r.Post("/users/login", s.handleLogin)
		r.Post("/mfa/verify", s.handleMFAVerify)
		r.Post("/users/auth/refresh", s.handleRefresh)
		r.Post("/users/logout", s.handleLogout)
		r.Get("/ctf-status", s.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.csrf)
			r.Use(s.gate)
			r.Get("/users/me", s.handleMe)
			r.Post("/users/me/delete", s.handleSelfDelete)
			r.Get("/ctf-events", s.handleEvents)
			r.Get("/challenges", s.handleChallenges)
			r.Post("/challenges/{id}/submit", s.handleSubmit)
			r.Get("/admin/ctf", s.handleAdmin)
		})
	})
	return r
}

// AddUser registers u and returns it.
func (s *Server) AddUser(u User) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = int64(len(s.users) + 1)
	}
	if u.Role == "" {
		u.Role = "user"
	}
	s.users[u.ID] = &u
	return &u
}

// ExpireAccessTokens invalidates every access token so the next call 401s.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]session)
}

// EndEvent closes the event. Non-admin calls are answered with CTF_ENDED.
func (s *Server) EndEvent() {
	s.mu.Lock()
	s.active = false
	s.endsAt = nil
	s.mu.Unlock()
	s.Broadcast("ctf_changed")
}

// SetEndsAt sets the event end time reported by the status endpoint.
func (s *Server) SetEndsAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endsAt = &t
}

// SetStatusRateLimited makes the status endpoint answer 429.
func (s *Server) SetStatusRateLimited(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusLimited = v
}

// SetRefreshFails makes the refresh endpoint answer 500.
func (s *Server) SetRefreshFails(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFails = v
}

// SetRefreshDelay slows the refresh endpoint down.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// SetLogoutFails makes plain logouts fail; the forced variant still works.
func (s *Server) SetLogoutFails(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutFails = v
}

// SetRejectAccess makes every access token invalid, including freshly
// refreshed ones.
func (s *Server) SetRejectAccess(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAccess = v
}

// SetRequireCSRF rejects unsafe authenticated calls without a matching
// CSRF header.
func (s *Server) SetRequireCSRF(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireCSRF = v
}

// SetStreamStatus makes the event stream answer with status instead of
// streaming. Zero restores streaming.
func (s *Server) SetStreamStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamStatus = status
}

// Calls returns how many requests hit "METHOD /path" (path without the API
// prefix or query).
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// CSRFHeaders returns the X-CSRF-Token values seen on route.
func (s *Server) CSRFHeaders(route string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.csrfSeen[route]...)
}

// Deleted returns the IDs of self-deleted accounts.
func (s *Server) Deleted() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.deleted...)
}

// Subscribers returns the number of open event streams.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Broadcast sends a named event to every open stream.
func (s *Server) Broadcast(event string) {
	s.mu.Lock()
	subs := append([]chan string(nil), s.events...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// DropStreams closes every open event stream from the server side.
func (s *Server) DropStreams() {
	s.mu.Lock()
	subs := s.events
	s.events = nil
	s.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + strings.TrimPrefix(r.URL.Path, APIPrefix)
		s.mu.Lock()
		s.calls[route]++
		s.csrfSeen[route] = append(s.csrfSeen[route], r.Header.Get("X-CSRF-Token"))
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		required := s.requireCSRF
		s.mu.Unlock()
		if required && r.Method != http.MethodGet {
			c, err := r.Cookie("csrf_token")
			if err != nil || c.Value != r.Header.Get("X-CSRF-Token") {
				writeJSON(w, http.StatusForbidden, map[string]any{"detail": map[string]string{"code": "CSRF_BLOCKED", "message": "CSRF check failed."}})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// gate answers CTF_ENDED for everyone but admins once the event is closed.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		open := s.active
		u, _ := s.userLocked(r)
		s.mu.Unlock()
		if !open && (u == nil || u.Role != "admin") {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"code":    "CTF_ENDED",
				"message": "CTF has ended. Only admin endpoints are available.",
				"ends_at": nil,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) userLocked(r *http.Request) (*User, session) {
	c, err := r.Cookie("access_token")
	if err != nil {
		return nil, session{}
	}
	sess, ok := s.access[c.Value]
	if !ok || s.rejectAccess {
		return nil, session{}
	}
	return s.users[sess.userID], sess
}

// authenticate resolves the caller the way the platform does: 401 without
// a valid session, 403 with X-MFA-Required for a partial one.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*User, session, bool) {
	s.mu.Lock()
	u, sess := s.userLocked(r)
	s.mu.Unlock()
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Not authenticated."})
		return nil, sess, false
	}
	if u.MFACode != "" && !sess.mfv {
		w.Header().Set("X-MFA-Required", "true")
		writeJSON(w, http.StatusForbidden, map[string]any{"detail": "MFA required."})
		return nil, sess, false
	}
	return u, sess, true
}

func (s *Server) issue(w http.ResponseWriter, userID int64, mfv bool) {
	access, refresh, csrf := uuid.NewString(), uuid.NewString(), uuid.NewString()
	s.mu.Lock()
	s.access[access] = session{userID: userID, mfv: mfv}
	s.refresh[refresh] = session{userID: userID, mfv: mfv}
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "access_token", Value: access, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
	http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: refresh, Path: refreshPath, HttpOnly: true, SameSite: http.SameSiteStrictMode})
	http.SetCookie(w, &http.Cookie{Name: "csrf_token", Value: csrf, Path: "/", SameSite: http.SameSiteLaxMode})
}

func (s *Server) clearCookies(w http.ResponseWriter) {
	for _, c := range []http.Cookie{
		{Name: "access_token", Path: "/"},
		{Name: "refresh_token", Path: refreshPath},
		{Name: "csrf_token", Path: "/"},
	} {
		c.MaxAge = -1
		http.SetCookie(w, &c)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad form"})
		return
	}
	email, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	s.mu.Lock()
	var found *User
	for _, u := range s.users {
		if u.Email == email && u.Password == password {
			found = u
		}
	}
	s.mu.Unlock()
	if found == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid credentials."})
		return
	}
	mfaRequired := found.MFACode != ""
	s.issue(w, found.ID, !mfaRequired)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Login successful", "mfa_required": mfaRequired})
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u, _ := s.userLocked(r)
	s.mu.Unlock()
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated."})
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code != u.MFACode {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": map[string]string{"code": "INVALID_MFA", "message": "Invalid MFA code."}})
		return
	}
	s.issue(w, u.ID, true)
	writeJSON(w, http.StatusOK, map[string]string{"message": "MFA verified"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fails, delay := s.refreshFails, s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fails {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "refresh backend unavailable"})
		return
	}
	c, err := r.Cookie("refresh_token")
	s.mu.Lock()
	var sess session
	ok := false
	if err == nil {
		sess, ok = s.refresh[c.Value]
		ok = ok && s.users[sess.userID] != nil
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid refresh token."})
		return
	}
	s.issue(w, sess.userID, sess.mfv)
	writeJSON(w, http.StatusOK, map[string]string{"message": "refreshed"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fails := s.logoutFails
	s.mu.Unlock()
	if fails && r.URL.Query().Get("force") != "true" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "logout failed"})
		return
	}
	if c, err := r.Cookie("access_token"); err == nil {
		s.mu.Lock()
		delete(s.access, c.Value)
		s.mu.Unlock()
	}
	s.clearCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          u.ID,
		"username":    u.Username,
		"email":       u.Email,
		"role":        u.Role,
		"status":      "active",
		"is_verified": true,
		"mfa_enabled": u.MFACode != "",
		"token_data":  map[string]bool{"mfv": sess.mfv, "mfa_recovery": u.RecoverySignIn},
	})
}

func (s *Server) handleSelfDelete(w http.ResponseWriter, r *http.Request) {
	u, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var body struct {
		Password string `json:"password"`
		MFACode  string `json:"mfa_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}
	reject := func(status int, code, msg string) {
		writeJSON(w, status, map[string]any{"detail": map[string]string{"code": code, "message": msg}})
	}
	switch {
	case body.Password != u.Password:
		reject(http.StatusUnauthorized, "INVALID_PASSWORD", "Invalid password.")
		return
	case u.MFAMisconfig:
		reject(http.StatusConflict, "MFA_MISCONFIGURED", "MFA is misconfigured.")
		return
	case u.MFACode != "" && body.MFACode == "":
		reject(http.StatusUnauthorized, "MFA_REQUIRED", "MFA code is required.")
		return
	case u.MFACode != "" && body.MFACode != u.MFACode:
		reject(http.StatusUnauthorized, "INVALID_MFA", "Invalid MFA code.")
		return
	}
	s.mu.Lock()
	delete(s.users, u.ID)
	s.deleted = append(s.deleted, u.ID)
	s.mu.Unlock()
	s.clearCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Account deleted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	limited, active, endsAt := s.statusLimited, s.active, s.endsAt
	s.mu.Unlock()
	if limited {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "Rate limit exceeded"})
		return
	}
	var remaining *int
	if active && endsAt != nil {
		left := max(0, int(time.Until(*endsAt).Seconds()))
		remaining = &left
	}
	if !active {
		zero := 0
		remaining = &zero
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "remaining_seconds": remaining, "ends_at": endsAt})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.streamStatus
	s.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]string{"detail": "Too many SSE connections"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch := make(chan string, 8)
	s.mu.Lock()
	s.events = append(s.events, ch)
	s.mu.Unlock()
	defer s.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: hello\ndata: {\"ok\":true}\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: {}\n\n", ev)
			flusher.Flush()
		}
	}
}

func (s *Server) unsubscribe(ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.events {
		if c == ch {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return
		}
	}
}

func (s *Server) handleChallenges(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, []map[string]any{{"id": 1, "name": "warmup"}})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(w, r); !ok {
		return
	}
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]any{"challenge_id": id, "correct": true})
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	u, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if u.Role != "admin" {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin only."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
