// Package auth plugs credential verification into the CONNECT path.
package auth

import (
	"crypto/subtle"
	"sync"
)

// Authenticator decides whether a CONNECT carrying clientID/username/password
// may proceed. It is consulted only when the CONNECT carries a username;
// a CONNECT with no username never reaches it.
type Authenticator interface {
	Authenticate(clientID, username string, password []byte) bool
}

// NoopAuthenticator accepts every credential. It is the broker's default,
// preserving the pre-auth behavior of accepting any CONNECT that passes the
// wire-level and protocol-version checks.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Authenticate(string, string, []byte) bool { return true }

// StaticAuthenticator checks a fixed username-to-password table using a
// constant-time comparison to avoid a timing oracle on the password check.
type StaticAuthenticator struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewStaticAuthenticator returns a StaticAuthenticator seeded with users.
func NewStaticAuthenticator(users map[string]string) *StaticAuthenticator {
	a := &StaticAuthenticator{users: make(map[string]string, len(users))}
	for u, p := range users {
		a.users[u] = p
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(_, username string, password []byte) bool {
	a.mu.RLock()
	expected, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), password) == 1
}
