package main

import (
	"database/sql"
	"net/http"

	"denlab/internal/auth"
	"denlab/internal/engine"
)

func handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}

	var id int
	var hash, displayName, role string
	err := db.QueryRow(`SELECT id, password_hash, COALESCE(display_name,''), role FROM users
		WHERE username = ? AND active = 1`, req.Username).Scan(&id, &hash, &displayName, &role)
	if err == sql.ErrNoRows || (err == nil && !auth.CheckPassword(hash, req.Password)) {
		jsonErr(w, "invalid credentials", 401)
		return
	}
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}

	token, err := auth.CreateSession(db, id)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: req.Username, Action: engine.ActionLogin,
		EntityType: "user", EntityID: req.Username,
		Summary: "Logged in",
	})
	jsonResp(w, map[string]interface{}{
		"username":     req.Username,
		"display_name": displayName,
		"role":         role,
	})
}

func handleLogout(w http.ResponseWriter, r *http.Request) {
	username := getUsername(r)
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		auth.DeleteSession(db, cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: auth.SessionCookie, Value: "", Path: "/", MaxAge: -1})
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: username, Action: engine.ActionLogout,
		EntityType: "user", EntityID: username,
		Summary: "Logged out",
	})
	jsonResp(w, map[string]string{"status": "ok"})
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	if u == nil {
		jsonErr(w, "unauthorized", 401)
		return
	}
	jsonResp(w, map[string]interface{}{
		"id":       u.ID,
		"username": u.Username,
		"role":     u.Role,
	})
}
