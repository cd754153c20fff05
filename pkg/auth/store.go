package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/types"
)

// Seed accounts created when the user database does not exist yet, so a
// fresh cluster is usable before any users are provisioned.
var seedUsers = map[string]string{
	"test":  "test123",
	"admin": "admin123",
}

type userFile struct {
	Users []types.UserRecord `json:"users"`
}

// Store is the persistent user database of an auth node. Passwords are
// stored as bcrypt hashes; the plaintext never touches disk.
type Store struct {
	path string
	cost int

	mu    sync.Mutex
	users map[string]string // username -> bcrypt hash
}

// NewStore loads the user database at path, creating and seeding it on
// first start.
func NewStore(path string) (*Store, error) {
	return newStore(path, bcrypt.DefaultCost)
}

func newStore(path string, cost int) (*Store, error) {
	s := &Store{path: path, cost: cost, users: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f userFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse user database %s: %w", path, err)
		}
		for _, u := range f.Users {
			s.users[u.Username] = u.Password
		}
	case os.IsNotExist(err):
		if err := s.seed(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to read user database: %w", err)
	}
	return s, nil
}

func (s *Store) seed() error {
	for username, password := range seedUsers {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
		if err != nil {
			return fmt.Errorf("failed to hash seed password: %w", err)
		}
		s.users[username] = string(hash)
	}
	logger := log.WithComponent("auth")
	logger.Info().Int("users", len(s.users)).Msg("seeded new user database")
	return s.persistLocked()
}

// persistLocked writes the table atomically. Callers hold s.mu (or own
// the store exclusively during construction).
func (s *Store) persistLocked() error {
	f := userFile{Users: make([]types.UserRecord, 0, len(s.users))}
	for username, hash := range s.users {
		f.Users = append(f.Users, types.UserRecord{Username: username, Password: hash})
	}
	sort.Slice(f.Users, func(i, j int) bool { return f.Users[i].Username < f.Users[j].Username })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode user database: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create user database directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write user database: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace user database: %w", err)
	}
	return nil
}

// UserExists reports whether a username is known.
func (s *Store) UserExists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// CheckPassword reports whether password matches the stored hash for
// username. Unknown users simply fail the check.
func (s *Store) CheckPassword(username, password string) bool {
	s.mu.Lock()
	hash, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// AddUser creates a user and returns its stored record. Adding an
// existing user fails.
func (s *Store) AddUser(username, password string) (types.UserRecord, error) {
	if username == "" || password == "" {
		return types.UserRecord{}, fmt.Errorf("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return types.UserRecord{}, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return types.UserRecord{}, fmt.Errorf("user %q already exists", username)
	}
	s.users[username] = string(hash)
	if err := s.persistLocked(); err != nil {
		delete(s.users, username)
		return types.UserRecord{}, err
	}
	return types.UserRecord{Username: username, Password: string(hash)}, nil
}

// UpdatePassword replaces a user's password and returns the new record.
func (s *Store) UpdatePassword(username, password string) (types.UserRecord, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return types.UserRecord{}, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.users[username]
	if !exists {
		return types.UserRecord{}, fmt.Errorf("user %q not found", username)
	}
	s.users[username] = string(hash)
	if err := s.persistLocked(); err != nil {
		s.users[username] = old
		return types.UserRecord{}, err
	}
	return types.UserRecord{Username: username, Password: string(hash)}, nil
}

// DeleteUser removes a user. Deleting an unknown user is a no-op and
// reports false.
func (s *Store) DeleteUser(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.users[username]
	if !exists {
		return false, nil
	}
	delete(s.users, username)
	if err := s.persistLocked(); err != nil {
		s.users[username] = old
		return false, err
	}
	return true, nil
}

// ImportRecord folds a record replicated from a peer into the table.
// An existing user keeps its local hash, so concurrent password changes
// resolve the same way on every node that saw the same sequence of
// merges. Reports whether the table changed.
func (s *Store) ImportRecord(rec types.UserRecord) (bool, error) {
	if rec.Username == "" || rec.Password == "" {
		return false, fmt.Errorf("invalid user record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[rec.Username]; exists {
		return false, nil
	}
	s.users[rec.Username] = rec.Password
	if err := s.persistLocked(); err != nil {
		delete(s.users, rec.Username)
		return false, err
	}
	return true, nil
}

// PutRecord inserts or overwrites a record replicated from a peer.
// Unlike ImportRecord this is last writer wins: a broadcast password
// change must land even where the user already exists. Reports whether
// the table changed.
func (s *Store) PutRecord(rec types.UserRecord) (bool, error) {
	if rec.Username == "" || rec.Password == "" {
		return false, fmt.Errorf("invalid user record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.users[rec.Username]
	if exists && old == rec.Password {
		return false, nil
	}
	s.users[rec.Username] = rec.Password
	if err := s.persistLocked(); err != nil {
		if exists {
			s.users[rec.Username] = old
		} else {
			delete(s.users, rec.Username)
		}
		return false, err
	}
	return true, nil
}

// All returns every user record, sorted by username.
func (s *Store) All() []types.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]types.UserRecord, 0, len(s.users))
	for username, hash := range s.users {
		users = append(users, types.UserRecord{Username: username, Password: hash})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}
