// Package store implements the durable state of the chat server: the
// credential table and the append-only history logs. All files are
// line-oriented and forward-appendable; writes are serialized so records
// from concurrent connections are never torn.
package store

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// ErrUserExists is returned by Create when the username is already taken.
var ErrUserExists = errors.New("username exists")

// CredentialStore is the durable username -> password-hash table. It is
// loaded once at startup and appended to on registration; records are
// never mutated or deleted. The backing file holds one `username:hash`
// line per record.
type CredentialStore struct {
	path string

	mu    sync.RWMutex
	users map[string]string
}

// NewCredentialStore creates a store backed by the given file path.
// Call Load before use.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{
		path:  path,
		users: make(map[string]string),
	}
}

// HashPassword returns the hex digest stored for a password. Plaintext
// passwords are never retained.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Load reads the backing file into memory. A missing file yields an
// empty store and no error.
func (cs *CredentialStore) Load() error {
	f, err := os.Open(cs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open credential file: %w", err)
	}
	defer f.Close()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		cs.users[line[:i]] = line[i+1:]
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read credential file: %w", err)
	}
	return nil
}

// Exists reports whether a username is registered.
func (cs *CredentialStore) Exists(username string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.users[username]
	return ok
}

// Verify reports whether the password matches the stored hash for the
// username. Unknown usernames never verify.
func (cs *CredentialStore) Verify(username, password string) bool {
	cs.mu.RLock()
	hash, ok := cs.users[username]
	cs.mu.RUnlock()
	return ok && hash == HashPassword(password)
}

// Empty reports whether no credentials are registered.
func (cs *CredentialStore) Empty() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.users) == 0
}

// Count returns the number of registered usernames.
func (cs *CredentialStore) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.users)
}

// Create registers a new credential record. Exactly one of any set of
// concurrent Create calls for the same username succeeds; the rest get
// ErrUserExists. The durable append happens before success is reported;
// if the append fails the in-memory record still stands (availability
// over durability) and the failure is logged.
func (cs *CredentialStore) Create(username, password string) error {
	hash := HashPassword(password)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.users[username]; ok {
		return ErrUserExists
	}
	cs.users[username] = hash

	if err := appendLine(cs.path, username+":"+hash); err != nil {
		log.Printf("Failed to persist credential for %s: %v", username, err)
	}
	return nil
}

// appendLine appends one record line to a file, creating it if needed,
// and flushes before returning.
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
