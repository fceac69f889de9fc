package server

import "time"

// User is the identity bound to a backend session and returned to the frontend.
type User struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Sub   string `json:"sub,omitempty"`
	Mode  string `json:"mode"`
}

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID        string    `json:"id"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

const (
	modeFrontendOAuth = "frontend-oauth"
	modeDev           = "dev"
)

func devUser() User {
	return User{Name: "Dev User", Email: "dev@local", Mode: modeDev}
}
