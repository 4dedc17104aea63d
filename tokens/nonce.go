package tokens

import "crypto/rand"

// NewNonce draws a fresh per-token nonce from the system's secure
// random source. A nonce is used for exactly one issuance attempt.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &RandomnessError{Err: err}
	}
	return nonce, nil
}

// Zeroize overwrites b. Blinding material and nonces are wiped on every
// exit path rather than waiting for the collector.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
