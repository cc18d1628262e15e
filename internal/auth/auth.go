// Package auth provides bearer-token authentication and role checks for the
// fnbox API, plus the CLI's saved credentials.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthenticated is returned when no valid credentials were presented.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden is returned when the caller's role does not allow the action.
	ErrForbidden = errors.New("permission denied")
)

// Role is the privilege level of a caller.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

func (r Role) valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Permission is an action guarded by role.
type Permission string

const (
	// PermRegister allows installing new functions.
	PermRegister Permission = "register"
	// PermExecute allows listing and invoking functions.
	PermExecute Permission = "execute"
)

// Token binds a bearer token to a user and role.
type Token struct {
	Token string `yaml:"token" toml:"token"`
	User  string `yaml:"user" toml:"user"`
	Role  Role   `yaml:"role" toml:"role"`
}

// Config is the authentication section of the daemon configuration.
type Config struct {
	Tokens []Token `yaml:"tokens" toml:"tokens"`
	// AnonymousRole, when set, is granted to requests without credentials.
	AnonymousRole Role `yaml:"anonymous_role" toml:"anonymous_role"`
}

// Identity is an authenticated caller.
type Identity struct {
	User string `json:"user"`
	Role Role   `json:"role"`
}

// Anonymous is the user name given to unauthenticated callers.
const Anonymous = "anonymous"

// Can reports whether the identity holds perm.
func (id Identity) Can(perm Permission) bool {
	switch perm {
	case PermRegister:
		return id.Role == RoleAdmin
	case PermExecute:
		return id.Role == RoleAdmin || id.Role == RoleUser
	}
	return false
}

// Authorizer resolves bearer tokens to identities.
type Authorizer struct {
	tokens    map[string]Identity
	anonymous Role
}

// NewAuthorizer validates cfg and builds the token table.
func NewAuthorizer(cfg Config) (*Authorizer, error) {
	a := &Authorizer{tokens: make(map[string]Identity, len(cfg.Tokens))}
	for i, t := range cfg.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			return nil, fmt.Errorf("auth token %d: empty token", i)
		}
		if !t.Role.valid() {
			return nil, fmt.Errorf("auth token %d: unknown role %q", i, t.Role)
		}
		if _, dup := a.tokens[t.Token]; dup {
			return nil, fmt.Errorf("auth token %d: duplicate token", i)
		}
		user := t.User
		if user == "" {
			user = string(t.Role)
		}
		a.tokens[t.Token] = Identity{User: user, Role: t.Role}
	}
	if cfg.AnonymousRole != "" {
		if !cfg.AnonymousRole.valid() {
			return nil, fmt.Errorf("auth: unknown anonymous role %q", cfg.AnonymousRole)
		}
		a.anonymous = cfg.AnonymousRole
	}
	return a, nil
}

// Open reports whether callers without credentials are admitted.
func (a *Authorizer) Open() bool {
	return a.anonymous != ""
}

// Authenticate resolves an Authorization header value.
func (a *Authorizer) Authenticate(header string) (Identity, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		if a.anonymous != "" {
			return Identity{User: Anonymous, Role: a.anonymous}, nil
		}
		return Identity{}, ErrUnauthenticated
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return Identity{}, fmt.Errorf("%w: expected a bearer token", ErrUnauthenticated)
	}
	id, ok := a.tokens[strings.TrimSpace(token)]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown token", ErrUnauthenticated)
	}
	return id, nil
}

// Authorize returns ErrForbidden unless id holds perm.
func (a *Authorizer) Authorize(id Identity, perm Permission) error {
	if !id.Can(perm) {
		return fmt.Errorf("%w: %s may not %s", ErrForbidden, id.User, perm)
	}
	return nil
}
