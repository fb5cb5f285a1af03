package server

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username is already taken")
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Users is the in-memory account table. Passwords are stored as bcrypt hashes.
type Users struct {
	cost int

	mu     sync.RWMutex
	hashes map[string][]byte
}

// NewUsers creates an empty user table hashing with the given bcrypt cost.
func NewUsers(cost int) *Users {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Users{
		cost:   cost,
		hashes: make(map[string][]byte),
	}
}

// Register stores a new account.
func (u *Users) Register(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.hashes[username]; ok {
		return ErrUsernameTaken
	}
	u.hashes[username] = hash
	return nil
}

// Authenticate checks password against the stored hash for username.
func (u *Users) Authenticate(username, password string) error {
	u.mu.RLock()
	hash, ok := u.hashes[username]
	u.mu.RUnlock()
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
