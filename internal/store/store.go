// Package store persists the logged-in username between runs.
package store

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// UsernameKey is the key the username is stored under.
const UsernameKey = "chatUsername"

// ErrNotFound is returned when no username has been saved.
var ErrNotFound = errors.New("username not found")

// Store keeps the remembered login in a badger database.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens or creates the store at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING), log)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory(log *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING), log)
}

func open(opts badger.Options, log *slog.Logger) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("database opening failed: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// SaveUsername records username as the resumable login.
func (s *Store) SaveUsername(username string) error {
	data, err := proto.Marshal(wrapperspb.String(username))
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(UsernameKey), data)
	})
}

// LoadUsername returns the saved username or ErrNotFound.
func (s *Store) LoadUsername() (string, error) {
	var value wrapperspb.StringValue
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(UsernameKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return proto.Unmarshal(val, &value)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load username: %w", err)
	}
	if value.GetValue() == "" {
		return "", ErrNotFound
	}
	return value.GetValue(), nil
}

// ClearUsername forgets the saved username.
func (s *Store) ClearUsername() error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(UsernameKey))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	s.log.Debug("closing store")
	return s.db.Close()
}
