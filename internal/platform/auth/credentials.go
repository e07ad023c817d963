package auth

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultUsername and DefaultPassword form the bootstrap credential used when
// no seed list is configured.
const (
	DefaultUsername = "doctor"
	DefaultPassword = "password123"
)

// Credential is a username with its bcrypt password hash.
type Credential struct {
	Username     string
	PasswordHash string
}

// Verifier checks a username/password pair.
type Verifier interface {
	Verify(username, password string) bool
}

// CredentialStore maps usernames to bcrypt hashes. It is read-only after
// construction.
type CredentialStore struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// dummyHash is compared against when the username is unknown so that a
// missing user and a wrong password cost the same bcrypt work.
var dummyHash = mustHash("retinaview-dummy-password")

func mustHash(pw string) []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}

// NewCredentialStore builds a store from already-hashed credentials.
func NewCredentialStore(seeds ...Credential) *CredentialStore {
	s := &CredentialStore{users: make(map[string][]byte, len(seeds))}
	for _, c := range seeds {
		s.users[c.Username] = []byte(c.PasswordHash)
	}
	return s
}

// SeedCredentials hashes each plaintext password and returns the store.
func SeedCredentials(plain map[string]string) (*CredentialStore, error) {
	seeds := make([]Credential, 0, len(plain))
	for user, pw := range plain {
		h, err := HashPassword(pw)
		if err != nil {
			return nil, fmt.Errorf("hashing password for %s: %w", user, err)
		}
		seeds = append(seeds, Credential{Username: user, PasswordHash: h})
	}
	return NewCredentialStore(seeds...), nil
}

// DefaultCredentials returns a store holding only the bootstrap doctor user.
func DefaultCredentials() (*CredentialStore, error) {
	return SeedCredentials(map[string]string{DefaultUsername: DefaultPassword})
}

// ParseSeedList parses "user:hash,user2:hash2" into credentials. Hashes must
// be bcrypt hashes, as printed by the hash-password command.
func ParseSeedList(s string) ([]Credential, error) {
	var out []Credential
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, hash, ok := strings.Cut(entry, ":")
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("invalid seed entry %q: want user:bcrypt-hash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid bcrypt hash for %s: %w", user, err)
		}
		out = append(out, Credential{Username: user, PasswordHash: hash})
	}
	return out, nil
}

// HashPassword returns the bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Verify reports whether password matches the stored hash for username.
func (s *CredentialStore) Verify(username, password string) bool {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Usernames returns the known usernames in sorted order.
func (s *CredentialStore) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
