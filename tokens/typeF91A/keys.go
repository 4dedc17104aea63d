package typeF91A

import (
	"crypto/rand"
	"io"

	"github.com/cloudflare/circl/oprf"

	"github.com/kagisearch/privacypass-lib/tokens"
)

const keyDerivationInfo = "PrivacyPass"

// GenerateKey derives a fresh issuance key pair from a random seed.
// If rnd is nil, crypto/rand is used.
func GenerateKey(rnd io.Reader) (*oprf.PrivateKey, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	seed := make([]byte, oprf.SuiteRistretto255.Group().Params().ScalarLength)
	if _, err := io.ReadFull(rnd, seed); err != nil {
		return nil, &tokens.RandomnessError{Err: err}
	}
	return oprf.DeriveKey(oprf.SuiteRistretto255, oprf.VerifiableMode, seed, []byte(keyDerivationInfo))
}

// DeriveKey derives the issuance key pair deterministically from a
// seed. Key rotation reuses the seed with a fresh info string.
func DeriveKey(seed, info []byte) (*oprf.PrivateKey, error) {
	return oprf.DeriveKey(oprf.SuiteRistretto255, oprf.VerifiableMode, seed, info)
}

// UnmarshalPrivateKey decodes a raw scalar encoding of the issuance key.
func UnmarshalPrivateKey(data []byte) (*oprf.PrivateKey, error) {
	sk := new(oprf.PrivateKey)
	if err := sk.UnmarshalBinary(oprf.SuiteRistretto255, data); err != nil {
		return nil, err
	}
	return sk, nil
}

// UnmarshalPublicKey decodes an encoded public evaluation key.
func UnmarshalPublicKey(data []byte) (*oprf.PublicKey, error) {
	pk := new(oprf.PublicKey)
	if err := pk.UnmarshalBinary(oprf.SuiteRistretto255, data); err != nil {
		return nil, err
	}
	return pk, nil
}
