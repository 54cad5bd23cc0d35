package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const defaultCodeStoreSize = 4096

type issuedCode struct {
	code    string
	expires time.Time
}

// codeStore holds one-time login codes. Codes expire after the TTL and are
// single use: Consume removes the entry whether or not the code matched.
type codeStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	codes   map[string]issuedCode
	now     func() time.Time
}

func newCodeStore(ttl time.Duration, maxSize int) *codeStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = defaultCodeStoreSize
	}
	return &codeStore{
		ttl:     ttl,
		maxSize: maxSize,
		codes:   map[string]issuedCode{},
		now:     time.Now,
	}
}

// Issue creates a fresh six-digit code for the identity, replacing any
// outstanding one.
func (s *codeStore) Issue(identity string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.evictExpired(now)
	if len(s.codes) >= s.maxSize {
		if _, exists := s.codes[identity]; !exists {
			return "", errors.New("too many outstanding login codes")
		}
	}
	s.codes[identity] = issuedCode{code: code, expires: now.Add(s.ttl)}
	return code, nil
}

func (s *codeStore) Consume(identity, code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.codes[identity]
	if !ok {
		return false
	}
	delete(s.codes, identity)
	if s.now().After(entry.expires) {
		return false
	}
	return code != "" && entry.code == code
}

func (s *codeStore) evictExpired(now time.Time) {
	for identity, entry := range s.codes {
		if now.After(entry.expires) {
			delete(s.codes, identity)
		}
	}
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
