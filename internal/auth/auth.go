// Package auth authenticates control-surface requests and rate-limits
// callers. Authentication accepts a bearer token or API key header; loopback
// callers may be trusted without credentials when the gateway runs in local
// mode.
package auth

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/mcpgate/mcpgate/internal/errs"
)

// Modes for the authenticator.
const (
	ModeNone  = "none"  // every request is accepted as anonymous
	ModeLocal = "local" // loopback requests pass, others need credentials
	ModeToken = "token" // all requests need credentials
)

// Principal identifies an authenticated caller.
type Principal struct {
	Name   string // key name, or "local"/"anonymous"
	Method string // "token", "apikey", "local", "none"
}

// Config holds the authenticator's credential material.
type Config struct {
	Mode    string
	Token   string            // shared bearer token, empty disables
	APIKeys map[string]string // key value → principal name
}

// Authenticator validates per-request credentials.
type Authenticator struct {
	cfg Config
}

// New builds an authenticator. An empty mode defaults to local.
func New(cfg Config) *Authenticator {
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}
	return &Authenticator{cfg: cfg}
}

// Authenticate resolves the request's principal or returns Unauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if a.cfg.Mode == ModeNone {
		return Principal{Name: "anonymous", Method: "none"}, nil
	}

	if cred := bearerToken(r); cred != "" {
		if a.cfg.Token != "" && equal(cred, a.cfg.Token) {
			return Principal{Name: "token", Method: "token"}, nil
		}
		if name, ok := a.lookupKey(cred); ok {
			return Principal{Name: name, Method: "apikey"}, nil
		}
		return Principal{}, errs.New(errs.Unauthorized, "invalid token")
	}

	if cred := apiKeyHeader(r); cred != "" {
		if name, ok := a.lookupKey(cred); ok {
			return Principal{Name: name, Method: "apikey"}, nil
		}
		if a.cfg.Token != "" && equal(cred, a.cfg.Token) {
			return Principal{Name: "token", Method: "token"}, nil
		}
		return Principal{}, errs.New(errs.Unauthorized, "invalid API key")
	}

	if a.cfg.Mode == ModeLocal && isLoopback(r.RemoteAddr) {
		return Principal{Name: "local", Method: "local"}, nil
	}

	return Principal{}, errs.New(errs.Unauthorized, "missing credentials")
}

func (a *Authenticator) lookupKey(cred string) (string, bool) {
	for key, name := range a.cfg.APIKeys {
		if equal(cred, key) {
			return name, true
		}
	}
	return "", false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// apiKeyHeader accepts the key under any of the header names clients
// commonly send.
func apiKeyHeader(r *http.Request) string {
	for _, name := range []string{"X-Api-Key", "X-Api-Token", "ApiKey"} {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// isLoopback reports whether the remote address is 127.0.0.0/8, ::1, or a
// unix socket peer (empty host).
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
