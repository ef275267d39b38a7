package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when username/password don't match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when trying to register with existing username.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidUsername is returned when username doesn't meet constraints.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrInvalidPassword is returned when password doesn't meet constraints.
	ErrInvalidPassword = errors.New("invalid password")
)

type account struct {
	id           int64
	username     string
	passwordHash string
}

// Accounts is an in-memory user registry issuing JWT tokens. It backs the
// WireChat test server.
type Accounts struct {
	jwtConfig *JWTConfig
	cost      int

	mu     sync.Mutex
	nextID int64
	users  map[string]account
}

// NewAccounts creates an empty registry. cost is the bcrypt cost; values
// outside bcrypt's range fall back to bcrypt.DefaultCost.
func NewAccounts(jwtConfig *JWTConfig, cost int) *Accounts {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Accounts{
		jwtConfig: jwtConfig,
		cost:      cost,
		users:     make(map[string]account),
	}
}

// Register creates a new user with hashed password and returns a JWT token.
func (a *Accounts) Register(username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 32 || strings.ContainsAny(username, " :@#") {
		return "", ErrInvalidUsername
	}
	if len(password) < 6 {
		return "", ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	a.mu.Lock()
	if _, exists := a.users[username]; exists {
		a.mu.Unlock()
		return "", ErrUserExists
	}
	a.nextID++
	user := account{id: a.nextID, username: username, passwordHash: string(hash)}
	a.users[username] = user
	a.mu.Unlock()

	return a.issue(user)
}

// Login validates credentials and returns a JWT token.
func (a *Accounts) Login(username, password string) (string, error) {
	a.mu.Lock()
	user, ok := a.users[username]
	a.mu.Unlock()
	if !ok {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return a.issue(user)
}

// ValidateToken validates a JWT token and returns the claims.
func (a *Accounts) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(a.jwtConfig, tokenString)
}

// Exists reports whether username is registered.
func (a *Accounts) Exists(username string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.users[username]
	return ok
}

func (a *Accounts) issue(user account) (string, error) {
	token, err := GenerateToken(a.jwtConfig, user.id, user.username)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}
