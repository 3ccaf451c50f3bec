package main

import (
	"log"
	"net/http"
	"strings"
	"time"

	"denlab/internal/auth"
	"denlab/internal/engine"
)

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// requireAuth rejects unauthenticated API requests. The resolved user is
// re-read per handler via currentUser; sessions are cheap single-row lookups.
func requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/auth/login" || path == "/healthz" || !strings.HasPrefix(path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if auth.CurrentUser(db, r) == nil {
			jsonErr(w, "unauthorized", 401)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// currentUser resolves the request's session to a user, falling back to a
// system identity for unauthenticated internal calls.
func currentUser(r *http.Request) *auth.UserInfo {
	return auth.CurrentUser(db, r)
}

func getUsername(r *http.Request) string {
	if u := currentUser(r); u != nil {
		return u.Username
	}
	return "system"
}

// actorRole maps the request's user to an engine role. Unauthenticated
// requests get an empty role, which no transition edge accepts.
func actorRole(r *http.Request) engine.Role {
	if u := currentUser(r); u != nil {
		return engine.Role(u.Role)
	}
	return ""
}
