package adt

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/workskong/mcp-abap-adt/config"
)

// session holds the CSRF token and session cookie for one SAP identity.
// Guarded by its own mutex so concurrent calls under the same identity
// serialize token handling without blocking other tenants.
type session struct {
	mu        sync.Mutex
	csrfToken string
	cookies   string
}

func (s *session) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrfToken
}

func (s *session) setToken(token, cookies string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfToken = token
	if cookies != "" {
		s.cookies = cookies
	}
}

func (s *session) cookie() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookies
}

// sessionStore partitions sessions by credential identity so a token
// fetched for one tenant is never replayed under another tenant's
// Basic-Auth header.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (st *sessionStore) get(creds config.Credentials) *session {
	key := credentialKey(creds)
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[key]
	if !ok {
		s = &session{}
		st.sessions[key] = s
	}
	return s
}

func credentialKey(creds config.Credentials) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		creds.BaseURL, creds.Username, creds.Password, creds.Client,
	}, "\x00")))
	return hex.EncodeToString(sum[:])
}
