// Package auth acquires and refreshes the OAuth bearer tokens used to
// authorize cache transfers.
package auth

import "sync"

// AccessToken holds the current bearer token and a monotonic serial that
// increments on every replacement. Requests snapshot the serial before a
// retry so a 401 can distinguish "token already refreshed by someone else"
// from "refresh still needed".
type AccessToken struct {
	mu     sync.RWMutex
	token  string
	serial uint32
}

// HeaderValue returns the value for the Authorization header, or the empty
// string when no token is held.
func (t *AccessToken) HeaderValue() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.token == "" {
		return ""
	}
	return "Bearer " + t.token
}

// SetToken installs a new token and bumps the serial.
func (t *AccessToken) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
	t.serial++
}

// Serial returns the current token serial. Zero means no token has ever been
// installed.
func (t *AccessToken) Serial() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.serial
}
