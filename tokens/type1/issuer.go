package type1

import (
	"crypto/subtle"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"

	"github.com/kagisearch/privacypass-lib/tokens"
)

// Issuer evaluates type 0x0001 requests and verifies finalized tokens.
// With a VOPRF, verification needs the evaluation key, so only the
// issuer (or a verifier it shares the key with) can redeem.
type Issuer struct {
	tokenKey *oprf.PrivateKey
	keyID    []byte
}

func NewIssuer(key *oprf.PrivateKey) *Issuer {
	pkEnc, err := key.Public().MarshalBinary()
	if err != nil {
		return nil
	}
	return &Issuer{
		tokenKey: key,
		keyID:    tokens.KeyID(pkEnc),
	}
}

// TokenKey returns the public evaluation key clients blind against.
func (i *Issuer) TokenKey() *oprf.PublicKey { return i.tokenKey.Public() }

// TokenKeyID returns the key identifier carried in tokens.
func (i *Issuer) TokenKeyID() []byte { return append([]byte(nil), i.keyID...) }

func (i *Issuer) Type() tokens.TokenType { return tokens.TypeVOPRFP384 }

// Evaluate evaluates the blinded element under the issuer key and
// returns the encoded TokenResponse: the evaluated element followed by
// the DLEQ proof.
func (i *Issuer) Evaluate(req *TokenRequest) ([]byte, error) {
	if req.TokenKeyID != tokens.TruncateKeyID(i.keyID) {
		return nil, tokens.ErrKeyIDMismatch
	}

	blinded := group.P384.NewElement()
	if err := blinded.UnmarshalBinary(req.BlindedMsg); err != nil {
		return nil, tokens.ErrInvalidRequest
	}

	server := oprf.NewVerifiableServer(oprf.SuiteP384, i.tokenKey)
	evaluation, err := server.Evaluate(&oprf.EvaluationRequest{
		Elements: []oprf.Blinded{blinded},
	})
	if err != nil {
		return nil, tokens.ErrInvalidRequest
	}

	elementEnc, err := evaluation.Elements[0].MarshalBinaryCompress()
	if err != nil {
		return nil, err
	}
	proofEnc, err := evaluation.Proof.MarshalBinary()
	if err != nil {
		return nil, err
	}

	resp := make([]byte, 0, ResponseSize)
	resp = append(resp, elementEnc...)
	resp = append(resp, proofEnc...)
	return resp, nil
}

// Verify recomputes the PRF output for the token's authenticator input
// and compares it to the authenticator in constant time.
func (i *Issuer) Verify(token *tokens.Token) error {
	server := oprf.NewVerifiableServer(oprf.SuiteP384, i.tokenKey)
	output, err := server.FullEvaluate(token.AuthenticatorInput())
	if err != nil {
		return tokens.ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare(output, token.Authenticator) != 1 {
		return tokens.ErrInvalidSignature
	}
	return nil
}
