// Package issuer dispatches encoded token requests to the scheme
// matching their token type and redeems finalized tokens. Evaluation
// is stateless; redemption consults a caller-supplied nonce store so
// persistence policy stays outside the protocol core.
package issuer

import (
	"crypto/subtle"

	"github.com/kagisearch/privacypass-lib/tokens"
	"github.com/kagisearch/privacypass-lib/tokens/type1"
	"github.com/kagisearch/privacypass-lib/tokens/type2"
	"github.com/kagisearch/privacypass-lib/tokens/typeF91A"
)

// RedeemError reports why a token was rejected at redemption.
type RedeemError string

func (e RedeemError) Error() string { return string(e) }

const (
	ErrDoubleSpent       = RedeemError("privacypass: token nonce already redeemed")
	ErrKeyIDNotFound     = RedeemError("privacypass: token key id does not match any issuance key")
	ErrTokenSize         = RedeemError("privacypass: wrong token size")
	ErrChallengeMismatch = RedeemError("privacypass: token bound to a different challenge")
)

type scheme struct {
	keyID    []byte
	evaluate func(requestEnc []byte) ([]byte, error)
	verify   func(token *tokens.Token) error
}

// An Issuer holds the registered per-type schemes. Registration
// happens at setup time; after that every method is safe for
// concurrent use, the key material being immutable.
type Issuer struct {
	schemes map[tokens.TokenType]scheme
}

func New() *Issuer {
	return &Issuer{schemes: make(map[tokens.TokenType]scheme)}
}

// RegisterVOPRF makes the issuer answer type 0x0001 requests.
func (i *Issuer) RegisterVOPRF(iss *type1.Issuer) {
	i.schemes[tokens.TypeVOPRFP384] = scheme{
		keyID: iss.TokenKeyID(),
		evaluate: func(requestEnc []byte) ([]byte, error) {
			req, err := type1.UnmarshalTokenRequest(requestEnc)
			if err != nil {
				return nil, err
			}
			return iss.Evaluate(req)
		},
		verify: iss.Verify,
	}
}

// RegisterBlindRSA makes the issuer answer type 0x0002 requests.
func (i *Issuer) RegisterBlindRSA(iss *type2.Issuer) {
	i.schemes[tokens.TypeBlindRSA2048] = scheme{
		keyID: iss.TokenKeyID(),
		evaluate: func(requestEnc []byte) ([]byte, error) {
			req, err := type2.UnmarshalTokenRequest(requestEnc)
			if err != nil {
				return nil, err
			}
			return iss.Evaluate(req)
		},
		verify: iss.Verify,
	}
}

// RegisterBatched makes the issuer answer type 0xF91A requests. When
// truncate is set, a request above the scheme's batch cap is cut down
// and partially served instead of rejected.
func (i *Issuer) RegisterBatched(iss *typeF91A.Issuer, truncate bool) {
	i.schemes[tokens.TypeBatchedRistretto255] = scheme{
		keyID: iss.TokenKeyID(),
		evaluate: func(requestEnc []byte) ([]byte, error) {
			req, err := typeF91A.UnmarshalTokenRequest(requestEnc)
			if err != nil {
				return nil, err
			}
			if truncate {
				req.Truncate(iss.MaxBatch())
			}
			return iss.Evaluate(req)
		},
		verify: iss.Verify,
	}
}

// IssueTokenResponse decodes a TokenRequest, evaluates it under the
// matching issuance key, and returns the encoded TokenResponse.
func (i *Issuer) IssueTokenResponse(requestEnc []byte) ([]byte, error) {
	tokenType, err := tokens.RequestTokenType(requestEnc)
	if err != nil {
		return nil, err
	}
	s, ok := i.schemes[tokenType]
	if !ok {
		return nil, tokens.ErrUnsupportedTokenType
	}
	return s.evaluate(requestEnc)
}

// RedeemToken verifies a finalized token against the challenge it must
// be bound to and records its nonce in the store. It returns true only
// when every check passes; the reason for a rejection comes back as
// the error. A nonce is recorded only for a token that verified, so a
// forgery cannot burn an honest client's nonce.
func (i *Issuer) RedeemToken(tokenEnc, challengeEnc []byte, store NonceStore) (bool, error) {
	token, err := tokens.UnmarshalToken(tokenEnc)
	if err != nil {
		return false, err
	}
	if len(tokenEnc) != tokens.TokenSize(token.TokenType) {
		return false, ErrTokenSize
	}

	s, ok := i.schemes[token.TokenType]
	if !ok {
		return false, tokens.ErrUnsupportedTokenType
	}
	if subtle.ConstantTimeCompare(token.TokenKeyID, s.keyID) != 1 {
		return false, ErrKeyIDNotFound
	}

	challengeDigest := tokens.ChallengeDigest(challengeEnc)
	if subtle.ConstantTimeCompare(token.ChallengeDigest, challengeDigest) != 1 {
		return false, ErrChallengeMismatch
	}

	if err := s.verify(token); err != nil {
		return false, err
	}

	fresh, err := store.Mark(token.Nonce)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, ErrDoubleSpent
	}
	return true, nil
}
