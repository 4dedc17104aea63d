package type1

import (
	"crypto/rand"
	"io"

	"github.com/cloudflare/circl/oprf"

	"github.com/kagisearch/privacypass-lib/tokens"
)

// keyDerivationInfo is the domain-separation string for seeded key
// derivation recommended by RFC 9578, section 5.5.
const keyDerivationInfo = "PrivacyPass"

// GenerateKey derives a fresh issuance key pair from a random seed.
// If rnd is nil, crypto/rand is used.
func GenerateKey(rnd io.Reader) (*oprf.PrivateKey, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	seed := make([]byte, oprf.SuiteP384.Group().Params().ScalarLength)
	if _, err := io.ReadFull(rnd, seed); err != nil {
		return nil, &tokens.RandomnessError{Err: err}
	}
	return oprf.DeriveKey(oprf.SuiteP384, oprf.VerifiableMode, seed, []byte(keyDerivationInfo))
}

// UnmarshalPrivateKey decodes a raw scalar encoding of the issuance key.
func UnmarshalPrivateKey(data []byte) (*oprf.PrivateKey, error) {
	sk := new(oprf.PrivateKey)
	if err := sk.UnmarshalBinary(oprf.SuiteP384, data); err != nil {
		return nil, err
	}
	return sk, nil
}

// UnmarshalPublicKey decodes a compressed-point encoding of the public
// evaluation key.
func UnmarshalPublicKey(data []byte) (*oprf.PublicKey, error) {
	pk := new(oprf.PublicKey)
	if err := pk.UnmarshalBinary(oprf.SuiteP384, data); err != nil {
		return nil, err
	}
	return pk, nil
}
