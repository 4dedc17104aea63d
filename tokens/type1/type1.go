// Implements the privately-verifiable VOPRF(P-384, SHA-384) token type
// (0x0001). The client blinds the authenticator input, the issuer
// evaluates it under its OPRF key with a DLEQ proof of correct
// evaluation, and the client verifies the proof before unblinding.

package type1

import (
	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"
	"github.com/cloudflare/circl/zk/dleq"
	"golang.org/x/crypto/cryptobyte"

	"github.com/kagisearch/privacypass-lib/tokens"
)

const (
	// ElementSize is the compressed P-384 element encoding length (Ne).
	ElementSize = 49
	// ProofSize is the DLEQ proof length: two group scalars.
	ProofSize = 96
	// ResponseSize is the fixed TokenResponse length.
	ResponseSize = ElementSize + ProofSize
)

// A TokenRequest carries one blinded element to the issuer.
//
//	struct {
//	    uint16_t token_type;       /* 0x0001 */
//	    uint8_t truncated_token_key_id;
//	    uint8_t blinded_msg[Ne];
//	} TokenRequest;
type TokenRequest struct {
	TokenKeyID uint8
	BlindedMsg []byte
}

func (r *TokenRequest) Type() tokens.TokenType { return tokens.TypeVOPRFP384 }

func (r *TokenRequest) TruncatedTokenKeyID() uint8 { return r.TokenKeyID }

func (r *TokenRequest) Marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(tokens.TypeVOPRFP384))
	b.AddUint8(r.TokenKeyID)
	b.AddBytes(r.BlindedMsg)
	return b.BytesOrPanic()
}

// UnmarshalTokenRequest decodes a type 0x0001 request, rejecting
// trailing bytes.
func UnmarshalTokenRequest(data []byte) (*TokenRequest, error) {
	s := cryptobyte.String(data)

	var tt uint16
	if !s.ReadUint16(&tt) {
		return nil, tokens.ErrTruncated
	}
	if tokens.TokenType(tt) != tokens.TypeVOPRFP384 {
		return nil, tokens.ErrUnsupportedTokenType
	}

	r := &TokenRequest{}
	if !s.ReadUint8(&r.TokenKeyID) || !s.ReadBytes(&r.BlindedMsg, ElementSize) {
		return nil, tokens.ErrTruncated
	}
	if !s.Empty() {
		return nil, tokens.ErrTrailingData
	}
	return r, nil
}

// A TokenRequestState holds the in-flight state of one issuance
// attempt: the authenticator input and the blinding data needed to
// finalize. It must only be used by the caller that created it and is
// cleared when FinalizeToken returns, on success and failure alike.
type TokenRequestState struct {
	tokenInput []byte
	request    *TokenRequest
	client     oprf.VerifiableClient
	finData    *oprf.FinalizeData
}

// Request returns the request to send to the issuer.
func (s *TokenRequestState) Request() *TokenRequest { return s.request }

// Clear drops the blinding state so the attempt cannot be finalized
// twice and the blind cannot be recovered from this value.
func (s *TokenRequestState) Clear() {
	tokens.Zeroize(s.tokenInput)
	s.tokenInput = nil
	s.finData = nil
}

// Client issues type 0x0001 token requests.
type Client struct{}

// CreateTokenRequest blinds the authenticator input derived from the
// given challenge digest and nonce. The blinding scalar comes from the
// system's secure random source, never from the nonce or challenge.
func (c Client) CreateTokenRequest(challengeDigest, nonce, tokenKeyID []byte, tokenKey *oprf.PublicKey) (TokenRequestState, error) {
	client := oprf.NewVerifiableClient(oprf.SuiteP384, tokenKey)

	token := tokens.Token{
		TokenType:       tokens.TypeVOPRFP384,
		Nonce:           nonce,
		ChallengeDigest: challengeDigest,
		TokenKeyID:      tokenKeyID,
	}
	tokenInput := token.AuthenticatorInput()

	finData, evalRequest, err := client.Blind([][]byte{tokenInput})
	if err != nil {
		return TokenRequestState{}, err
	}
	blindedMsg, err := evalRequest.Elements[0].MarshalBinaryCompress()
	if err != nil {
		return TokenRequestState{}, err
	}

	return TokenRequestState{
		tokenInput: tokenInput,
		request: &TokenRequest{
			TokenKeyID: tokens.TruncateKeyID(tokenKeyID),
			BlindedMsg: blindedMsg,
		},
		client:  client,
		finData: finData,
	}, nil
}

// CreateTokenRequestWithBlind is CreateTokenRequest with a fixed
// blinding scalar. It exists for pinned scenario tests; production
// issuance always draws a fresh blind.
func (c Client) CreateTokenRequestWithBlind(challengeDigest, nonce, tokenKeyID []byte, tokenKey *oprf.PublicKey, blindEnc []byte) (TokenRequestState, error) {
	client := oprf.NewVerifiableClient(oprf.SuiteP384, tokenKey)

	token := tokens.Token{
		TokenType:       tokens.TypeVOPRFP384,
		Nonce:           nonce,
		ChallengeDigest: challengeDigest,
		TokenKeyID:      tokenKeyID,
	}
	tokenInput := token.AuthenticatorInput()

	blind := group.P384.NewScalar()
	if err := blind.UnmarshalBinary(blindEnc); err != nil {
		return TokenRequestState{}, err
	}
	finData, evalRequest, err := client.DeterministicBlind([][]byte{tokenInput}, []oprf.Blind{blind})
	if err != nil {
		return TokenRequestState{}, err
	}
	blindedMsg, err := evalRequest.Elements[0].MarshalBinaryCompress()
	if err != nil {
		return TokenRequestState{}, err
	}

	return TokenRequestState{
		tokenInput: tokenInput,
		request: &TokenRequest{
			TokenKeyID: tokens.TruncateKeyID(tokenKeyID),
			BlindedMsg: blindedMsg,
		},
		client:  client,
		finData: finData,
	}, nil
}

// FinalizeToken verifies the issuer's evaluation proof and, only if it
// holds, unblinds the evaluated element and assembles the token. A
// response that fails proof verification yields ErrInvalidProof and no
// token. The blinding state is cleared on every return path.
func (s *TokenRequestState) FinalizeToken(tokenResponseEnc []byte) (*tokens.Token, error) {
	defer s.Clear()

	if s.finData == nil {
		return nil, tokens.ErrInvalidSignature
	}
	if len(tokenResponseEnc) != ResponseSize {
		return nil, tokens.ErrTruncated
	}

	evaluated := group.P384.NewElement()
	if err := evaluated.UnmarshalBinary(tokenResponseEnc[:ElementSize]); err != nil {
		return nil, tokens.ErrInvalidProof
	}
	proof := new(dleq.Proof)
	if err := proof.UnmarshalBinary(group.P384, tokenResponseEnc[ElementSize:]); err != nil {
		return nil, tokens.ErrInvalidProof
	}

	evaluation := &oprf.Evaluation{
		Elements: []oprf.Evaluated{evaluated},
		Proof:    proof,
	}
	outputs, err := s.client.Finalize(s.finData, evaluation)
	if err != nil {
		return nil, tokens.ErrInvalidProof
	}

	tokenData := append(append([]byte(nil), s.tokenInput...), outputs[0]...)
	return tokens.UnmarshalToken(tokenData)
}
