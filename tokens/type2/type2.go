// Implements the publicly-verifiable blind RSA (2048-bit, SHA-384 PSS)
// token type (0x0002). Anyone holding the issuer public key can verify
// a finalized token; no evaluation proof is needed because the PSS
// format check on the unblinded signature plays that role.

package type2

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"

	"github.com/cloudflare/circl/blindsign/blindrsa"
	"golang.org/x/crypto/cryptobyte"

	"github.com/kagisearch/privacypass-lib/tokens"
)

// BlindedMsgSize is the modulus length of the 2048-bit ciphersuite,
// the size of both the blinded message and the authenticator (Nk).
const BlindedMsgSize = 256

// A TokenRequest carries one blinded message to the issuer.
//
//	struct {
//	    uint16_t token_type;       /* 0x0002 */
//	    uint8_t truncated_token_key_id;
//	    uint8_t blinded_msg[Nk];
//	} TokenRequest;
type TokenRequest struct {
	TokenKeyID uint8
	BlindedMsg []byte
}

func (r *TokenRequest) Type() tokens.TokenType { return tokens.TypeBlindRSA2048 }

func (r *TokenRequest) TruncatedTokenKeyID() uint8 { return r.TokenKeyID }

func (r *TokenRequest) Marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(tokens.TypeBlindRSA2048))
	b.AddUint8(r.TokenKeyID)
	b.AddBytes(r.BlindedMsg)
	return b.BytesOrPanic()
}

// UnmarshalTokenRequest decodes a type 0x0002 request, rejecting
// trailing bytes.
func UnmarshalTokenRequest(data []byte) (*TokenRequest, error) {
	s := cryptobyte.String(data)

	var tt uint16
	if !s.ReadUint16(&tt) {
		return nil, tokens.ErrTruncated
	}
	if tokens.TokenType(tt) != tokens.TypeBlindRSA2048 {
		return nil, tokens.ErrUnsupportedTokenType
	}

	r := &TokenRequest{}
	if !s.ReadUint8(&r.TokenKeyID) || !s.ReadBytes(&r.BlindedMsg, BlindedMsgSize) {
		return nil, tokens.ErrTruncated
	}
	if !s.Empty() {
		return nil, tokens.ErrTrailingData
	}
	return r, nil
}

// A TokenRequestState holds one issuance attempt: the authenticator
// input, the verifier state carrying the blinding factor and salt, and
// the key the finalized signature is checked against. Cleared when
// FinalizeToken returns.
type TokenRequestState struct {
	tokenInput      []byte
	request         *TokenRequest
	verificationKey *rsa.PublicKey
	verifier        *blindrsa.VerifierState
}

// Request returns the request to send to the issuer.
func (s *TokenRequestState) Request() *TokenRequest { return s.request }

// Clear drops the blinding state.
func (s *TokenRequestState) Clear() {
	tokens.Zeroize(s.tokenInput)
	s.tokenInput = nil
	s.verifier = nil
}

// Client issues type 0x0002 token requests.
type Client struct{}

// CreateTokenRequest blinds the authenticator input under the issuer
// public key. The blinding value and PSS salt come from the system's
// secure random source.
func (c Client) CreateTokenRequest(challengeDigest, nonce, tokenKeyID []byte, tokenKey *rsa.PublicKey) (TokenRequestState, error) {
	verifier := blindrsa.NewVerifier(tokenKey, crypto.SHA384)

	tokenInput := authenticatorInput(challengeDigest, nonce, tokenKeyID)
	blindedMsg, verifierState, err := verifier.Blind(rand.Reader, tokenInput)
	if err != nil {
		return TokenRequestState{}, err
	}
	return composeRequest(tokenInput, blindedMsg, tokenKeyID, tokenKey, &verifierState), nil
}

// CreateTokenRequestWithBlind is CreateTokenRequest with a fixed
// blinding value and PSS salt. It exists for pinned scenario tests;
// production issuance always draws fresh randomness.
func (c Client) CreateTokenRequestWithBlind(challengeDigest, nonce, tokenKeyID []byte, tokenKey *rsa.PublicKey, blindEnc, saltEnc []byte) (TokenRequestState, error) {
	verifier := blindrsa.NewVerifier(tokenKey, crypto.SHA384)

	tokenInput := authenticatorInput(challengeDigest, nonce, tokenKeyID)
	blindedMsg, verifierState, err := verifier.FixedBlind(tokenInput, blindEnc, saltEnc)
	if err != nil {
		return TokenRequestState{}, err
	}
	return composeRequest(tokenInput, blindedMsg, tokenKeyID, tokenKey, &verifierState), nil
}

func authenticatorInput(challengeDigest, nonce, tokenKeyID []byte) []byte {
	token := tokens.Token{
		TokenType:       tokens.TypeBlindRSA2048,
		Nonce:           nonce,
		ChallengeDigest: challengeDigest,
		TokenKeyID:      tokenKeyID,
	}
	return token.AuthenticatorInput()
}

func composeRequest(tokenInput, blindedMsg, tokenKeyID []byte, tokenKey *rsa.PublicKey, verifierState *blindrsa.VerifierState) TokenRequestState {
	return TokenRequestState{
		tokenInput: tokenInput,
		request: &TokenRequest{
			TokenKeyID: tokens.TruncateKeyID(tokenKeyID),
			BlindedMsg: blindedMsg,
		},
		verificationKey: tokenKey,
		verifier:        verifierState,
	}
}

// FinalizeToken unblinds the blind signature and assembles the token.
// The signature is verified under the issuer key before the token is
// returned, so a garbage response can never finalize.
func (s *TokenRequestState) FinalizeToken(blindSignature []byte) (*tokens.Token, error) {
	defer s.Clear()

	if s.verifier == nil {
		return nil, tokens.ErrInvalidSignature
	}
	if len(blindSignature) != BlindedMsgSize {
		return nil, tokens.ErrTruncated
	}

	signature, err := s.verifier.Finalize(blindSignature)
	if err != nil {
		return nil, tokens.ErrInvalidSignature
	}

	tokenData := append(append([]byte(nil), s.tokenInput...), signature...)
	token, err := tokens.UnmarshalToken(tokenData)
	if err != nil {
		return nil, err
	}
	if err := Verify(token, s.verificationKey); err != nil {
		return nil, err
	}
	return token, nil
}

// Verify checks the token authenticator as an RSA-PSS signature over
// the authenticator input. Pure and deterministic.
func Verify(token *tokens.Token, tokenKey *rsa.PublicKey) error {
	h := sha512.New384()
	h.Write(token.AuthenticatorInput())
	digest := h.Sum(nil)

	err := rsa.VerifyPSS(tokenKey, crypto.SHA384, digest, token.Authenticator, &rsa.PSSOptions{
		Hash:       crypto.SHA384,
		SaltLength: crypto.SHA384.Size(),
	})
	if err != nil {
		return tokens.ErrInvalidSignature
	}
	return nil
}
