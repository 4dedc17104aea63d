package issuer

import (
	"sync"

	"github.com/kagisearch/privacypass-lib/tokens"
)

// A NonceStore remembers redeemed token nonces. Mark records a nonce
// and reports whether it was fresh; the check and the record must be
// one atomic step or concurrent redemptions of the same token could
// both succeed.
type NonceStore interface {
	Mark(nonce []byte) (fresh bool, err error)
}

// MemoryNonceStore keeps redeemed nonces in process memory. It is safe
// for concurrent use. Deployments that restart or run multiple issuer
// processes need a shared store instead; this one suits tests and
// single-process embeddings.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[[tokens.NonceSize]byte]struct{}
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[[tokens.NonceSize]byte]struct{})}
}

func (s *MemoryNonceStore) Mark(nonce []byte) (bool, error) {
	if len(nonce) != tokens.NonceSize {
		return false, tokens.ErrTruncated
	}
	var key [tokens.NonceSize]byte
	copy(key[:], nonce)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// Len reports how many nonces the store holds.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
