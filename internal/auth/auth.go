package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// SessionCookie is the name of the session cookie.
const SessionCookie = "denlab_session"

// SessionTTL is how long a session stays valid without re-login.
const SessionTTL = 24 * time.Hour

// UserInfo is the resolved actor for a request. The engine consumes the
// (Username, Role) pair; it never validates credentials itself.
type UserInfo struct {
	ID       int
	Username string
	Role     string
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CreateSession issues a session token for the user.
func CreateSession(db *sql.DB, userID int) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)
	expires := time.Now().Add(SessionTTL).Format("2006-01-02 15:04:05")
	if _, err := db.Exec(`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, userID, expires); err != nil {
		return "", err
	}
	return token, nil
}

// DeleteSession removes a session token.
func DeleteSession(db *sql.DB, token string) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// CurrentUser resolves the session cookie to an active user, or nil.
func CurrentUser(db *sql.DB, r *http.Request) *UserInfo {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil
	}
	var u UserInfo
	err = db.QueryRow(`SELECT u.id, u.username, u.role FROM users u
		JOIN sessions s ON u.id = s.user_id
		WHERE s.token = ? AND s.expires_at > ? AND u.active = 1`,
		cookie.Value, time.Now().Format("2006-01-02 15:04:05")).
		Scan(&u.ID, &u.Username, &u.Role)
	if err != nil {
		return nil
	}
	return &u
}
