// Package auth manages BoltD's user store and answers the credential
// classification pkg/bolt's ClientSession needs during LOGON: a
// principal and a bag of credentials in, a plain authenticated/not
// verdict out (ยง1 treats authentication as exactly that - a response
// classification, never a wire format this package cares about).
//
// Passwords are bcrypt-hashed at rest. Accounts lock out after
// repeated failures, matching the lockout policy BoltD's teacher used
// for its own HTTP auth layer, carried over here for the same reason:
// a stolen credential shouldn't buy unlimited guesses.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fenwickgraph/boltd/pkg/bolt"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked due to failed login attempts")
	ErrPasswordTooShort   = errors.New("password does not meet minimum length requirement")
)

// Role represents a user role with associated permissions.
type Role string

const (
	RoleAdmin  Role = "admin"  // full access including user management
	RoleEditor Role = "editor" // read/write data
	RoleViewer Role = "viewer" // read only (default)
	RoleNone   Role = "none"   // no access
)

// Permission represents an action that can be performed.
type Permission string

const (
	PermRead       Permission = "read"
	PermWrite      Permission = "write"
	PermCreate     Permission = "create"
	PermDelete     Permission = "delete"
	PermAdmin      Permission = "admin"
	PermSchema     Permission = "schema"
	PermUserManage Permission = "user_manage"
)

// RolePermissions maps roles to their allowed permissions.
var RolePermissions = map[Role][]Permission{
	RoleAdmin:  {PermRead, PermWrite, PermCreate, PermDelete, PermAdmin, PermSchema, PermUserManage},
	RoleEditor: {PermRead, PermWrite, PermCreate, PermDelete},
	RoleViewer: {PermRead},
	RoleNone:   {},
}

// User represents a registered principal.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Roles        []Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLogin    time.Time
	FailedLogins int
	LockedUntil  time.Time
	Disabled     bool
}

// HasRole checks if user has a specific role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission checks if user has a specific permission through any of their roles.
func (u *User) HasPermission(perm Permission) bool {
	for _, role := range u.Roles {
		for _, p := range RolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Config holds authentication policy.
type Config struct {
	MinPasswordLength int
	BcryptCost        int
	MaxFailedLogins   int
	LockoutDuration   time.Duration
	// SecurityEnabled, when false, makes Authenticate accept any
	// credentials - useful for local development against a demo
	// server without provisioning an account first.
	SecurityEnabled bool
}

// DefaultConfig returns a sane local-development policy.
func DefaultConfig() Config {
	return Config{
		MinPasswordLength: 8,
		BcryptCost:        bcrypt.DefaultCost,
		MaxFailedLogins:   5,
		LockoutDuration:   15 * time.Minute,
		SecurityEnabled:   true,
	}
}

// AuditEvent describes a single authentication-related occurrence, fed
// to pkg/audit by whatever wires an Authenticator's audit callback.
type AuditEvent struct {
	Timestamp time.Time
	EventType string
	Username  string
	UserID    string
	Success   bool
	Details   string
}

// Authenticator is BoltD's user store. It implements bolt.Authenticator
// so a ClientSession can call it directly during LOGON.
type Authenticator struct {
	mu     sync.RWMutex
	users  map[string]*User
	config Config

	auditLog func(AuditEvent)
}

var _ bolt.Authenticator = (*Authenticator)(nil)

// New creates an Authenticator with the given policy.
func New(config Config) *Authenticator {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.MinPasswordLength == 0 {
		config.MinPasswordLength = 8
	}
	if config.MaxFailedLogins == 0 {
		config.MaxFailedLogins = 5
	}
	if config.LockoutDuration == 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	return &Authenticator{
		users:  make(map[string]*User),
		config: config,
	}
}

// SetAuditLogger installs fn to receive every authentication event.
func (a *Authenticator) SetAuditLogger(fn func(AuditEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.auditLog = fn
}

func (a *Authenticator) logAudit(event AuditEvent) {
	if a.auditLog != nil {
		event.Timestamp = time.Now()
		a.auditLog(event)
	}
}

// CreateUser registers a new user with a bcrypt-hashed password.
func (a *Authenticator) CreateUser(username, password string, roles []Role) (*User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.users[username]; exists {
		a.logAudit(AuditEvent{EventType: "user_create", Username: username, Details: "user already exists"})
		return nil, ErrUserExists
	}
	if len(password) < a.config.MinPasswordLength {
		return nil, fmt.Errorf("%w: minimum %d characters required", ErrPasswordTooShort, a.config.MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	if len(roles) == 0 {
		roles = []Role{RoleViewer}
	}

	now := time.Now()
	user := &User{
		ID:           generateID(),
		Username:     username,
		PasswordHash: string(hash),
		Roles:        roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	a.users[username] = user

	a.logAudit(AuditEvent{
		EventType: "user_create", Username: username, UserID: user.ID,
		Success: true, Details: fmt.Sprintf("created with roles %v", roles),
	})
	return a.copyUserSafe(user), nil
}

// Authenticate implements bolt.Authenticator. credentials is expected
// to carry a "password" string entry (LOGON's auth map, or a HELLO
// extra map that flattened one in); any other shape fails closed.
func (a *Authenticator) Authenticate(ctx context.Context, principal string, credentials map[string]any) (bool, error) {
	if !a.config.SecurityEnabled {
		return true, nil
	}

	password, _ := credentials["password"].(string)

	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[principal]
	if !exists {
		a.logAudit(AuditEvent{EventType: "login", Username: principal, Details: "user not found"})
		return false, nil
	}

	if !user.LockedUntil.IsZero() && time.Now().Before(user.LockedUntil) {
		a.logAudit(AuditEvent{EventType: "login", Username: principal, UserID: user.ID, Details: "account locked"})
		return false, ErrAccountLocked
	}
	if user.Disabled {
		a.logAudit(AuditEvent{EventType: "login", Username: principal, UserID: user.ID, Details: "account disabled"})
		return false, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		user.FailedLogins++
		if user.FailedLogins >= a.config.MaxFailedLogins {
			user.LockedUntil = time.Now().Add(a.config.LockoutDuration)
		}
		user.UpdatedAt = time.Now()
		a.logAudit(AuditEvent{
			EventType: "login", Username: principal, UserID: user.ID,
			Details: fmt.Sprintf("invalid password (attempt %d/%d)", user.FailedLogins, a.config.MaxFailedLogins),
		})
		return false, nil
	}

	user.FailedLogins = 0
	user.LockedUntil = time.Time{}
	user.LastLogin = time.Now()
	user.UpdatedAt = time.Now()

	a.logAudit(AuditEvent{EventType: "login", Username: principal, UserID: user.ID, Success: true})
	return true, nil
}

// GetUser returns user info by username without the password hash.
func (a *Authenticator) GetUser(username string) (*User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	user, exists := a.users[username]
	if !exists {
		return nil, ErrUserNotFound
	}
	return a.copyUserSafe(user), nil
}

// ListUsers returns all users without password hashes.
func (a *Authenticator) ListUsers() []*User {
	a.mu.RLock()
	defer a.mu.RUnlock()

	users := make([]*User, 0, len(a.users))
	for _, u := range a.users {
		users = append(users, a.copyUserSafe(u))
	}
	return users
}

// ChangePassword updates a user's password after verifying the old one.
func (a *Authenticator) ChangePassword(username, oldPassword, newPassword string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}
	if len(newPassword) < a.config.MinPasswordLength {
		return fmt.Errorf("%w: minimum %d characters required", ErrPasswordTooShort, a.config.MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), a.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	user.PasswordHash = string(hash)
	user.UpdatedAt = time.Now()
	return nil
}

// UpdateRoles changes a user's roles.
func (a *Authenticator) UpdateRoles(username string, newRoles []Role) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}
	user.Roles = newRoles
	user.UpdatedAt = time.Now()
	return nil
}

// DisableUser disables a user account.
func (a *Authenticator) DisableUser(username string) error {
	return a.setDisabled(username, true)
}

// EnableUser re-enables a disabled user account and clears lockout state.
func (a *Authenticator) EnableUser(username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}
	user.Disabled = false
	user.FailedLogins = 0
	user.LockedUntil = time.Time{}
	user.UpdatedAt = time.Now()
	return nil
}

func (a *Authenticator) setDisabled(username string, disabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}
	user.Disabled = disabled
	user.UpdatedAt = time.Now()
	return nil
}

// UnlockUser manually clears a locked-out account.
func (a *Authenticator) UnlockUser(username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	user, exists := a.users[username]
	if !exists {
		return ErrUserNotFound
	}
	user.FailedLogins = 0
	user.LockedUntil = time.Time{}
	user.UpdatedAt = time.Now()
	return nil
}

// DeleteUser removes a user.
func (a *Authenticator) DeleteUser(username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.users[username]; !exists {
		return ErrUserNotFound
	}
	delete(a.users, username)
	return nil
}

// UserCount returns the number of registered users.
func (a *Authenticator) UserCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users)
}

func (a *Authenticator) copyUserSafe(u *User) *User {
	roles := make([]Role, len(u.Roles))
	copy(roles, u.Roles)
	return &User{
		ID:        u.ID,
		Username:  u.Username,
		Roles:     roles,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
		LastLogin: u.LastLogin,
		Disabled:  u.Disabled,
	}
}

func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// SecureCompare performs a constant-time string comparison.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer, RoleNone:
		return true
	default:
		return false
	}
}

// RoleFromString converts a string to a Role.
func RoleFromString(s string) (Role, error) {
	r := Role(s)
	if !ValidRole(r) {
		return RoleNone, fmt.Errorf("invalid role: %s", s)
	}
	return r, nil
}
