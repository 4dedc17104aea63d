package tokens

import (
	"crypto/sha256"

	"golang.org/x/crypto/cryptobyte"
)

// RedemptionContextSize is the only non-empty length allowed for a
// challenge redemption context.
const RedemptionContextSize = 32

// maxVarFieldLen bounds the variable-length challenge fields before any
// allocation happens during decoding. The wire format permits up to
// 2^16-1 bytes; no deployed issuer or origin name comes anywhere near
// this, so oversized fields are treated as hostile.
const maxVarFieldLen = 4096

// A TokenChallenge is the structured challenge an origin serves to a
// client. Its canonical encoding is the exact byte string the eventual
// token's challenge digest binds, so the encoding below must never
// change shape:
//
//	struct {
//	    uint16_t token_type;
//	    opaque issuer_name<1..2^16-1>;
//	    opaque redemption_context<0..32>;
//	    opaque origin_info<0..2^16-1>;
//	} TokenChallenge;
type TokenChallenge struct {
	TokenType         TokenType
	IssuerName        string
	RedemptionContext []byte
	OriginInfo        string
}

// NewTokenChallenge builds a challenge with an empty redemption context,
// the configuration the upstream issuance service uses.
func NewTokenChallenge(t TokenType, issuerName, originInfo string) *TokenChallenge {
	return &TokenChallenge{
		TokenType:  t,
		IssuerName: issuerName,
		OriginInfo: originInfo,
	}
}

func (c *TokenChallenge) validate() error {
	if c.TokenType.AuthenticatorSize() == 0 {
		return ErrUnsupportedTokenType
	}
	if len(c.IssuerName) == 0 || len(c.IssuerName) > maxVarFieldLen ||
		len(c.OriginInfo) > maxVarFieldLen {
		return ErrOversized
	}
	if len(c.RedemptionContext) != 0 && len(c.RedemptionContext) != RedemptionContextSize {
		return ErrInvalidRedemptionContext
	}
	return nil
}

// Marshal returns the canonical encoding of the challenge.
func (c *TokenChallenge) Marshal() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(c.TokenType))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(c.IssuerName))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.RedemptionContext)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(c.OriginInfo))
	})
	return b.Bytes()
}

// UnmarshalTokenChallenge decodes a challenge, rejecting trailing bytes,
// oversized fields, and redemption contexts of any length other than
// 0 or 32.
func UnmarshalTokenChallenge(data []byte) (*TokenChallenge, error) {
	s := cryptobyte.String(data)

	var tt uint16
	if !s.ReadUint16(&tt) {
		return nil, ErrTruncated
	}
	c := &TokenChallenge{TokenType: TokenType(tt)}
	if c.TokenType.AuthenticatorSize() == 0 {
		return nil, ErrUnsupportedTokenType
	}

	var issuerName, redemptionContext, originInfo cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&issuerName) ||
		!s.ReadUint8LengthPrefixed(&redemptionContext) ||
		!s.ReadUint16LengthPrefixed(&originInfo) {
		return nil, ErrTruncated
	}
	if !s.Empty() {
		return nil, ErrTrailingData
	}
	if len(issuerName) == 0 || len(issuerName) > maxVarFieldLen || len(originInfo) > maxVarFieldLen {
		return nil, ErrOversized
	}
	if len(redemptionContext) != 0 && len(redemptionContext) != RedemptionContextSize {
		return nil, ErrInvalidRedemptionContext
	}

	c.IssuerName = string(issuerName)
	if len(redemptionContext) > 0 {
		c.RedemptionContext = append([]byte(nil), redemptionContext...)
	}
	c.OriginInfo = string(originInfo)
	return c, nil
}

// Digest returns the SHA-256 digest of the canonical challenge
// encoding. Every token finalized against this challenge carries this
// value as its challenge digest.
func (c *TokenChallenge) Digest() ([]byte, error) {
	enc, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	d := sha256.Sum256(enc)
	return d[:], nil
}

// ChallengeDigest digests challenge bytes exactly as received. Clients
// bind tokens to the encoding the issuer sent, which may differ from a
// local re-serialization if the issuer is not canonical.
func ChallengeDigest(challengeEnc []byte) []byte {
	d := sha256.Sum256(challengeEnc)
	return d[:]
}
