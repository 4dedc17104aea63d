// Defines the token structures shared by every Privacy Pass token type
// and their canonical TLS-presentation-language wire encoding.

package tokens

import (
	"crypto/sha256"

	"golang.org/x/crypto/cryptobyte"
)

// TokenType selects the ciphersuite and the wire layout of every
// protocol message. The values are the registered Privacy Pass
// token type codepoints.
type TokenType uint16

const (
	// TypeVOPRFP384 is the privately-verifiable VOPRF(P-384, SHA-384) type.
	TypeVOPRFP384 TokenType = 0x0001
	// TypeBlindRSA2048 is the publicly-verifiable blind RSA (2048-bit) type.
	TypeBlindRSA2048 TokenType = 0x0002
	// TypeBatchedRistretto255 is the batched VOPRF(ristretto255, SHA-512)
	// type, issuing several tokens per request under one evaluation proof.
	TypeBatchedRistretto255 TokenType = 0xF91A
)

const (
	// NonceSize is the length of the client-chosen per-token nonce.
	NonceSize = 32
	// ChallengeDigestSize is the length of the SHA-256 challenge digest.
	ChallengeDigestSize = 32
	// KeyIDSize is the length of a token key identifier.
	KeyIDSize = 32
)

// AuthenticatorSize returns the length of the authenticator (Nk) for
// the given token type, or 0 for an unknown type.
func (t TokenType) AuthenticatorSize() int {
	switch t {
	case TypeVOPRFP384:
		return 48
	case TypeBlindRSA2048:
		return 256
	case TypeBatchedRistretto255:
		return 64
	}
	return 0
}

func (t TokenType) String() string {
	switch t {
	case TypeVOPRFP384:
		return "VOPRF(P-384,SHA-384)"
	case TypeBlindRSA2048:
		return "BlindRSA(2048)"
	case TypeBatchedRistretto255:
		return "Batched-VOPRF(ristretto255,SHA-512)"
	}
	return "unknown"
}

// A Token is the finalized artifact a client presents for redemption.
//
//	struct {
//	    uint16_t token_type;
//	    uint8_t nonce[32];
//	    uint8_t challenge_digest[32];
//	    uint8_t token_key_id[32];
//	    uint8_t authenticator[Nk];
//	} Token;
//
// A Token is immutable once finalized; verification is a pure function
// of the token and the issuer key.
type Token struct {
	TokenType       TokenType
	Nonce           []byte
	ChallengeDigest []byte
	TokenKeyID      []byte
	Authenticator   []byte
}

// AuthenticatorInput returns the prefix of the token encoding that the
// authenticator is computed over: everything but the authenticator.
func (t *Token) AuthenticatorInput() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(t.TokenType))
	b.AddBytes(t.Nonce)
	b.AddBytes(t.ChallengeDigest)
	b.AddBytes(t.TokenKeyID)
	return b.BytesOrPanic()
}

// Marshal returns the canonical encoding of the token.
func (t *Token) Marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(t.TokenType))
	b.AddBytes(t.Nonce)
	b.AddBytes(t.ChallengeDigest)
	b.AddBytes(t.TokenKeyID)
	b.AddBytes(t.Authenticator)
	return b.BytesOrPanic()
}

// TokenSize returns the total encoded size of a token of type t.
func TokenSize(t TokenType) int {
	return 2 + NonceSize + ChallengeDigestSize + KeyIDSize + t.AuthenticatorSize()
}

// UnmarshalToken decodes a token of any supported type. The input must
// contain exactly one token; trailing bytes are rejected.
func UnmarshalToken(data []byte) (*Token, error) {
	s := cryptobyte.String(data)

	var tt uint16
	if !s.ReadUint16(&tt) {
		return nil, ErrTruncated
	}
	tokenType := TokenType(tt)
	nk := tokenType.AuthenticatorSize()
	if nk == 0 {
		return nil, ErrUnsupportedTokenType
	}

	token := &Token{TokenType: tokenType}
	if !s.ReadBytes(&token.Nonce, NonceSize) ||
		!s.ReadBytes(&token.ChallengeDigest, ChallengeDigestSize) ||
		!s.ReadBytes(&token.TokenKeyID, KeyIDSize) ||
		!s.ReadBytes(&token.Authenticator, nk) {
		return nil, ErrTruncated
	}
	if !s.Empty() {
		return nil, ErrTrailingData
	}
	return token, nil
}

// KeyID derives the token key identifier from the canonical encoding of
// an issuer public key.
func KeyID(publicKeyEnc []byte) []byte {
	id := sha256.Sum256(publicKeyEnc)
	return id[:]
}

// TruncateKeyID returns the one-byte key id carried in token requests.
func TruncateKeyID(keyID []byte) uint8 {
	return keyID[len(keyID)-1]
}

// RequestTokenType reads the token type of an encoded TokenRequest
// without decoding the rest of the message.
func RequestTokenType(requestEnc []byte) (TokenType, error) {
	s := cryptobyte.String(requestEnc)
	var tt uint16
	if !s.ReadUint16(&tt) {
		return 0, ErrTruncated
	}
	t := TokenType(tt)
	if t.AuthenticatorSize() == 0 {
		return 0, ErrUnsupportedTokenType
	}
	return t, nil
}

// TokenRequest is implemented by the per-type request structures.
type TokenRequest interface {
	Type() TokenType
	TruncatedTokenKeyID() uint8
	Marshal() []byte
}
