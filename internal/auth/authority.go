package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Authority errors
var (
	ErrNotAllowed   = errors.New("auth: registration not allowed")
	ErrInvalidInput = errors.New("auth: username and password are required")
	ErrAuthRejected = errors.New("auth: rejected")
)

// State is the authentication state of one session
type State int

const (
	Unauthenticated State = iota
	AwaitingRegistration
	Authenticated
)

// String returns human-readable state name
func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case AwaitingRegistration:
		return "awaiting_registration"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Status is the projection sent to controllers for UI hinting
type Status string

const (
	StatusLoginRequired        Status = "LOGIN_REQUIRED"
	StatusRegistrationRequired Status = "REGISTRATION_REQUIRED"
	StatusAuthenticated        Status = "AUTHENTICATED"
)

// session is the per-connection record. pending is the "awaiting master
// code" marker; principal is empty until authenticated.
type session struct {
	pending   bool
	principal string
}

func (s *session) state() State {
	switch {
	case s.principal != "":
		return Authenticated
	case s.pending:
		return AwaitingRegistration
	default:
		return Unauthenticated
	}
}

// AuthorityConfig wires an Authority
type AuthorityConfig struct {
	MasterCode string
	Store      CredentialStore
	Hasher     *Hasher
	Tokens     *TokenManager // nil disables resume tokens
}

// Authority is the per-connection authentication state machine:
//
//	Unauthenticated --ValidateSetupCode--> AwaitingRegistration --Register--> Authenticated
//	Unauthenticated --Authenticate/Resume--> Authenticated
//	any --Logout--> (removed)
//
// All session state lives in one map guarded by mu. Password hashing and
// store I/O run outside the lock.
type Authority struct {
	masterCode []byte
	store      CredentialStore
	hasher     *Hasher
	tokens     *TokenManager
	dummyHash  string // verified against on unknown users to even out timing

	mu       sync.Mutex
	sessions map[string]*session
}

// NewAuthority creates an authority. The master code is fixed for the
// lifetime of the process and never persisted.
func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	if cfg.MasterCode == "" {
		return nil, errors.New("auth: master code is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("auth: credential store is required")
	}
	if cfg.Hasher == nil {
		return nil, errors.New("auth: hasher is required")
	}

	dummy, err := cfg.Hasher.Hash("orion-remote-dummy")
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}

	return &Authority{
		masterCode: []byte(cfg.MasterCode),
		store:      cfg.Store,
		hasher:     cfg.Hasher,
		tokens:     cfg.Tokens,
		dummyHash:  dummy,
		sessions:   make(map[string]*session),
	}, nil
}

// Open creates the Unauthenticated record for sessionID (idempotent)
func (a *Authority) Open(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[sessionID]; !ok {
		a.sessions[sessionID] = &session{}
	}
}

// getLocked returns the record for id, creating it if needed. Caller holds mu.
func (a *Authority) getLocked(sessionID string) *session {
	s, ok := a.sessions[sessionID]
	if !ok {
		s = &session{}
		a.sessions[sessionID] = s
	}
	return s
}

// ValidateSetupCode compares code to the master code in constant time. On
// match the session is marked AwaitingRegistration. A wrong code never
// changes state. The code stays valid for any number of future sessions.
func (a *Authority) ValidateSetupCode(sessionID, code string) bool {
	if subtle.ConstantTimeCompare([]byte(code), a.masterCode) != 1 {
		slog.Debug("auth: setup code rejected", "session_id", sessionID)
		return false
	}

	a.mu.Lock()
	a.getLocked(sessionID).pending = true
	a.mu.Unlock()

	slog.Info("auth: setup code accepted", "session_id", sessionID)
	return true
}

// IsRegistrationAllowed reports whether the session holds the master code marker
func (a *Authority) IsRegistrationAllowed(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[sessionID]
	return ok && s.pending
}

// Register creates a credential for username.
//
// Algorithm:
//  1. Claim the master code marker (ErrNotAllowed if absent)
//  2. Hash the password and insert into the store (outside the lock)
//  3. On failure, hand the marker back if the session is still alive
//  4. On success, bind the principal unless one is already bound
//
// Registration auto-authenticates the new user. The marker is consumed, so a
// second registration from the same session needs the code again.
func (a *Authority) Register(ctx context.Context, sessionID, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrInvalidInput
	}

	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	if !ok || !s.pending {
		a.mu.Unlock()
		return ErrNotAllowed
	}
	s.pending = false
	a.mu.Unlock()

	err := a.insert(ctx, username, password)

	a.mu.Lock()
	defer a.mu.Unlock()

	alive := a.sessions[sessionID] == s
	if err != nil {
		if alive {
			s.pending = true
		}
		return err
	}

	if alive && s.principal == "" {
		s.principal = username
	}

	slog.Info("auth: user registered", "session_id", sessionID, "username", username)
	return nil
}

func (a *Authority) insert(ctx context.Context, username, password string) error {
	secret, err := a.hasher.Hash(password)
	if err != nil {
		return err
	}
	return a.store.Insert(ctx, Credential{Username: username, Secret: secret})
}

// Authenticate checks credentials and binds the principal on success. Failure
// leaves state untouched. A session already bound to another principal
// must log out first.
func (a *Authority) Authenticate(ctx context.Context, sessionID, username, password string) bool {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return false
	}

	cred, err := a.store.Lookup(ctx, username)
	switch {
	case errors.Is(err, ErrCredentialNotFound):
		a.hasher.Verify(password, a.dummyHash) //nolint:errcheck
		slog.Debug("auth: login for unknown user", "session_id", sessionID)
		return false
	case err != nil:
		slog.Error("auth: credential lookup failed", "session_id", sessionID, "error", err)
		return false
	}

	ok, err := a.hasher.Verify(password, cred.Secret)
	if err != nil {
		slog.Error("auth: stored secret unreadable", "username", cred.Username, "error", err)
		return false
	}
	if !ok {
		return false
	}

	return a.bind(sessionID, cred.Username)
}

// Resume authenticates the session from a resume token and returns the principal
func (a *Authority) Resume(ctx context.Context, sessionID, token string) (string, error) {
	username, err := a.tokens.Parse(token)
	if err != nil {
		return "", err
	}

	// the account must still exist
	cred, err := a.store.Lookup(ctx, username)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	if !a.bind(sessionID, cred.Username) {
		return "", ErrAuthRejected
	}
	return cred.Username, nil
}

// IssueToken returns a resume token for the session principal
func (a *Authority) IssueToken(sessionID string) (string, error) {
	principal, ok := a.Principal(sessionID)
	if !ok {
		return "", ErrAuthRejected
	}
	return a.tokens.Issue(principal)
}

// TokensEnabled reports whether resume tokens are configured
func (a *Authority) TokensEnabled() bool {
	return a.tokens != nil
}

func (a *Authority) bind(sessionID, username string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.getLocked(sessionID)
	if s.principal != "" && !strings.EqualFold(s.principal, username) {
		return false
	}
	s.principal = username
	return true
}

// IsAuthenticated reports whether the session has a principal
func (a *Authority) IsAuthenticated(sessionID string) bool {
	_, ok := a.Principal(sessionID)
	return ok
}

// Principal returns the authenticated username
func (a *Authority) Principal(sessionID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[sessionID]
	if !ok || s.principal == "" {
		return "", false
	}
	return s.principal, true
}

// State returns the current state of the session
func (a *Authority) State(sessionID string) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[sessionID]
	if !ok {
		return Unauthenticated
	}
	return s.state()
}

// CurrentStatus projects the state for the controller UI. Never mutates.
func (a *Authority) CurrentStatus(sessionID string) Status {
	switch a.State(sessionID) {
	case Authenticated:
		return StatusAuthenticated
	case AwaitingRegistration:
		return StatusRegistrationRequired
	default:
		return StatusLoginRequired
	}
}

// Logout removes every trace of the session (idempotent)
func (a *Authority) Logout(sessionID string) {
	a.mu.Lock()
	_, existed := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()

	if existed {
		slog.Debug("auth: session state removed", "session_id", sessionID)
	}
}

// AnyRegistered reports whether at least one credential exists
func (a *Authority) AnyRegistered(ctx context.Context) (bool, error) {
	return a.store.Any(ctx)
}

// SessionCount returns the number of tracked sessions
func (a *Authority) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
