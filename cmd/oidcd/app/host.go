// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"crypto/subtle"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

const sessionCookie = "oidcd_session"

type devUser struct {
	username string
	password string
	user     storage.User
}

// devHost is the development host around the provider: a form-based login
// with in-memory cookie sessions over the seeded users. It implements the
// Authenticator, UserFinder and SessionEnder collaborators.
type devHost struct {
	mu       sync.RWMutex
	users    []devUser
	sessions map[string]sessionState
}

type sessionState struct {
	userID          string
	authenticatedAt time.Time
}

func newDevHost(users []devUser) *devHost {
	return &devHost{
		users:    users,
		sessions: make(map[string]sessionState),
	}
}

// Register mounts the login endpoints on the host router.
func (h *devHost) Register(r chi.Router) {
	r.Get("/login", h.loginForm)
	r.Post("/login", h.login)
}

func (h *devHost) IsAuthenticated(r *http.Request) bool {
	_, ok := h.session(r)
	return ok
}

func (h *devHost) CurrentUser(r *http.Request) (*storage.User, error) {
	state, ok := h.session(r)
	if !ok {
		return nil, fmt.Errorf("no session")
	}
	user, err := h.FindUser(r.Context(), state.userID)
	if err != nil {
		return nil, err
	}
	user.LastAuthenticatedAt = state.authenticatedAt
	return user, nil
}

func (h *devHost) FindUser(_ context.Context, userID string) (*storage.User, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := range h.users {
		if h.users[i].user.ID == userID {
			user := h.users[i].user
			return &user, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (h *devHost) RedirectToLogin(w http.ResponseWriter, r *http.Request, returnTo string) {
	http.Redirect(w, r, "/login?next="+url.QueryEscape(returnTo), http.StatusFound)
}

func (h *devHost) EndSession(w http.ResponseWriter, r *http.Request, postLogoutRedirectURI string) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		h.mu.Lock()
		delete(h.sessions, cookie.Value)
		h.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	if postLogoutRedirectURI != "" {
		http.Redirect(w, r, postLogoutRedirectURI, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *devHost) session(r *http.Request) (sessionState, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return sessionState{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.sessions[cookie.Value]
	return state, ok
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Failed}}<p>Invalid username or password.</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="next" value="{{.Next}}">
<label>Username <input type="text" name="username"></label>
<label>Password <input type="password" name="password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

type loginPage struct {
	Next   string
	Failed bool
}

func (h *devHost) loginForm(w http.ResponseWriter, r *http.Request) {
	h.renderLogin(w, loginPage{Next: r.URL.Query().Get("next")})
}

func (h *devHost) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	next := r.PostFormValue("next")

	user, ok := h.checkCredentials(username, password)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		h.renderLogin(w, loginPage{Next: next, Failed: true})
		return
	}

	sessionID := uuid.NewString()
	h.mu.Lock()
	h.sessions[sessionID] = sessionState{userID: user.ID, authenticatedAt: time.Now()}
	h.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	// Only allow relative redirect targets after login.
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		next = "/"
	}
	http.Redirect(w, r, next, http.StatusFound)
}

func (h *devHost) checkCredentials(username, password string) (*storage.User, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := range h.users {
		u := &h.users[i]
		if u.username != username {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(u.password), []byte(password)) == 1 {
			user := u.user
			return &user, true
		}
		return nil, false
	}
	return nil, false
}

func (h *devHost) renderLogin(w http.ResponseWriter, page loginPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTemplate.Execute(w, page)
}
