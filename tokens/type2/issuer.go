package type2

import (
	"crypto/rsa"

	"github.com/cloudflare/circl/blindsign/blindrsa"

	"github.com/kagisearch/privacypass-lib/tokens"
)

// Issuer blind-signs type 0x0002 requests.
type Issuer struct {
	tokenKey *rsa.PrivateKey
	keyID    []byte
}

func NewIssuer(key *rsa.PrivateKey) *Issuer {
	pkEnc, err := MarshalTokenKey(&key.PublicKey)
	if err != nil {
		return nil
	}
	return &Issuer{
		tokenKey: key,
		keyID:    tokens.KeyID(pkEnc),
	}
}

// TokenKey returns the public verification key.
func (i *Issuer) TokenKey() *rsa.PublicKey { return &i.tokenKey.PublicKey }

// TokenKeyID returns the key identifier carried in tokens.
func (i *Issuer) TokenKeyID() []byte { return append([]byte(nil), i.keyID...) }

func (i *Issuer) Type() tokens.TokenType { return tokens.TypeBlindRSA2048 }

// Evaluate blind-signs the blinded message. The response is the raw
// blind signature; there is no proof for this type.
func (i *Issuer) Evaluate(req *TokenRequest) ([]byte, error) {
	if req.TokenKeyID != tokens.TruncateKeyID(i.keyID) {
		return nil, tokens.ErrKeyIDMismatch
	}

	signer := blindrsa.NewSigner(i.tokenKey)
	blindSignature, err := signer.BlindSign(req.BlindedMsg)
	if err != nil {
		return nil, tokens.ErrInvalidRequest
	}
	return blindSignature, nil
}

// Verify checks a finalized token under the issuer's public key.
func (i *Issuer) Verify(token *tokens.Token) error {
	return Verify(token, i.TokenKey())
}
