package typeF91A

import (
	"crypto/subtle"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"
	"golang.org/x/crypto/cryptobyte"

	"github.com/kagisearch/privacypass-lib/tokens"
)

// Issuer evaluates type 0xF91A batch requests and verifies finalized
// tokens. maxBatch caps the number of tokens issued per request; zero
// means unbounded.
type Issuer struct {
	tokenKey *oprf.PrivateKey
	keyID    []byte
	maxBatch int
}

func NewIssuer(key *oprf.PrivateKey, maxBatch int) *Issuer {
	pkEnc, err := key.Public().MarshalBinary()
	if err != nil {
		return nil
	}
	return &Issuer{
		tokenKey: key,
		keyID:    tokens.KeyID(pkEnc),
		maxBatch: maxBatch,
	}
}

// TokenKey returns the public evaluation key clients blind against.
func (i *Issuer) TokenKey() *oprf.PublicKey { return i.tokenKey.Public() }

// TokenKeyID returns the key identifier carried in tokens.
func (i *Issuer) TokenKeyID() []byte { return append([]byte(nil), i.keyID...) }

func (i *Issuer) Type() tokens.TokenType { return tokens.TypeBatchedRistretto255 }

// MaxBatch returns the per-request issuance cap, zero when unbounded.
func (i *Issuer) MaxBatch() int { return i.maxBatch }

// Evaluate evaluates every blinded element in the batch under the
// issuer key and returns the encoded TokenResponse: the evaluated
// element vector followed by the batch DLEQ proof. A batch larger than
// the issuer's cap is rejected with ErrTooManyTokens; callers that
// prefer partial issuance truncate the request first.
func (i *Issuer) Evaluate(req *TokenRequest) ([]byte, error) {
	if req.TokenKeyID != tokens.TruncateKeyID(i.keyID) {
		return nil, tokens.ErrKeyIDMismatch
	}
	if len(req.BlindedMsgs) == 0 {
		return nil, tokens.ErrInvalidRequest
	}
	if i.maxBatch > 0 && len(req.BlindedMsgs) > i.maxBatch {
		return nil, tokens.ErrTooManyTokens
	}

	blinded := make([]oprf.Blinded, len(req.BlindedMsgs))
	for j, msg := range req.BlindedMsgs {
		element := group.Ristretto255.NewElement()
		if err := element.UnmarshalBinary(msg); err != nil {
			return nil, tokens.ErrInvalidRequest
		}
		blinded[j] = element
	}

	server := oprf.NewVerifiableServer(oprf.SuiteRistretto255, i.tokenKey)
	evaluation, err := server.Evaluate(&oprf.EvaluationRequest{Elements: blinded})
	if err != nil {
		return nil, tokens.ErrInvalidRequest
	}

	elementEncs := make([][]byte, len(evaluation.Elements))
	for j, element := range evaluation.Elements {
		enc, err := element.MarshalBinaryCompress()
		if err != nil {
			return nil, err
		}
		elementEncs[j] = enc
	}
	proofEnc, err := evaluation.Proof.MarshalBinary()
	if err != nil {
		return nil, err
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, enc := range elementEncs {
			b.AddBytes(enc)
		}
	})
	b.AddBytes(proofEnc)
	return b.BytesOrPanic(), nil
}

// Verify recomputes the PRF output for the token's authenticator input
// and compares it to the authenticator in constant time.
func (i *Issuer) Verify(token *tokens.Token) error {
	server := oprf.NewVerifiableServer(oprf.SuiteRistretto255, i.tokenKey)
	output, err := server.FullEvaluate(token.AuthenticatorInput())
	if err != nil {
		return tokens.ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare(output, token.Authenticator) != 1 {
		return tokens.ErrInvalidSignature
	}
	return nil
}
