// Implements the batched privately-verifiable token type (0xF91A) over
// the ristretto255 VOPRF. One request carries the blinded elements for
// several tokens; the issuer evaluates them all under a single batch
// DLEQ proof, so a batch costs one proof verification instead of N.

package typeF91A

import (
	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"
	"github.com/cloudflare/circl/zk/dleq"
	"golang.org/x/crypto/cryptobyte"

	"github.com/kagisearch/privacypass-lib/tokens"
)

const (
	// ElementSize is the encoded ristretto255 element length.
	ElementSize = 32
	// ProofSize is the batch DLEQ proof length: two group scalars.
	ProofSize = 64
)

// A TokenRequest carries the blinded elements for a whole batch.
//
//	struct {
//	    uint16_t token_type;       /* 0xF91A */
//	    uint8_t truncated_token_key_id;
//	    uint8_t blinded_msgs<32..2^16-1>;
//	} TokenRequest;
type TokenRequest struct {
	TokenKeyID  uint8
	BlindedMsgs [][]byte
}

func (r *TokenRequest) Type() tokens.TokenType { return tokens.TypeBatchedRistretto255 }

func (r *TokenRequest) TruncatedTokenKeyID() uint8 { return r.TokenKeyID }

func (r *TokenRequest) Marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(tokens.TypeBatchedRistretto255))
	b.AddUint8(r.TokenKeyID)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, msg := range r.BlindedMsgs {
			b.AddBytes(msg)
		}
	})
	return b.BytesOrPanic()
}

// Truncate drops blinded elements beyond max and reports how many
// remain. Issuers cap oversized batches at the boundary with this
// before evaluating. A max of zero or less leaves the request intact.
func (r *TokenRequest) Truncate(max int) int {
	if max > 0 && len(r.BlindedMsgs) > max {
		r.BlindedMsgs = r.BlindedMsgs[:max]
	}
	return len(r.BlindedMsgs)
}

// UnmarshalTokenRequest decodes a type 0xF91A request, rejecting empty
// batches, ragged element vectors, and trailing bytes.
func UnmarshalTokenRequest(data []byte) (*TokenRequest, error) {
	s := cryptobyte.String(data)

	var tt uint16
	if !s.ReadUint16(&tt) {
		return nil, tokens.ErrTruncated
	}
	if tokens.TokenType(tt) != tokens.TypeBatchedRistretto255 {
		return nil, tokens.ErrUnsupportedTokenType
	}

	r := &TokenRequest{}
	var blinded cryptobyte.String
	if !s.ReadUint8(&r.TokenKeyID) || !s.ReadUint16LengthPrefixed(&blinded) {
		return nil, tokens.ErrTruncated
	}
	if !s.Empty() {
		return nil, tokens.ErrTrailingData
	}
	if len(blinded) == 0 || len(blinded)%ElementSize != 0 {
		return nil, tokens.ErrMalformedBatch
	}

	r.BlindedMsgs = make([][]byte, 0, len(blinded)/ElementSize)
	for !blinded.Empty() {
		var element []byte
		if !blinded.ReadBytes(&element, ElementSize) {
			return nil, tokens.ErrTruncated
		}
		r.BlindedMsgs = append(r.BlindedMsgs, element)
	}
	return r, nil
}

// A TokenRequestState holds the in-flight state of one batched
// issuance attempt: the authenticator inputs and the blinds needed to
// finalize every token in the batch. It is cleared when FinalizeTokens
// returns, on success and failure alike.
type TokenRequestState struct {
	tokenInputs [][]byte
	request     *TokenRequest
	client      oprf.VerifiableClient
	finData     *oprf.FinalizeData
}

// Request returns the request to send to the issuer.
func (s *TokenRequestState) Request() *TokenRequest { return s.request }

// Clear drops the blinding state so the attempt cannot be finalized
// twice and the blinds cannot be recovered from this value.
func (s *TokenRequestState) Clear() {
	for _, input := range s.tokenInputs {
		tokens.Zeroize(input)
	}
	s.tokenInputs = nil
	s.finData = nil
}

// Client issues type 0xF91A token requests.
type Client struct{}

func authenticatorInputs(challengeDigest []byte, nonces [][]byte, tokenKeyID []byte) [][]byte {
	inputs := make([][]byte, len(nonces))
	for i, nonce := range nonces {
		token := tokens.Token{
			TokenType:       tokens.TypeBatchedRistretto255,
			Nonce:           nonce,
			ChallengeDigest: challengeDigest,
			TokenKeyID:      tokenKeyID,
		}
		inputs[i] = token.AuthenticatorInput()
	}
	return inputs
}

func composeRequest(client oprf.VerifiableClient, tokenInputs [][]byte, finData *oprf.FinalizeData, evalRequest *oprf.EvaluationRequest, tokenKeyID []byte) (TokenRequestState, error) {
	blindedMsgs := make([][]byte, len(evalRequest.Elements))
	for i, element := range evalRequest.Elements {
		enc, err := element.MarshalBinaryCompress()
		if err != nil {
			return TokenRequestState{}, err
		}
		blindedMsgs[i] = enc
	}

	return TokenRequestState{
		tokenInputs: tokenInputs,
		request: &TokenRequest{
			TokenKeyID:  tokens.TruncateKeyID(tokenKeyID),
			BlindedMsgs: blindedMsgs,
		},
		client:  client,
		finData: finData,
	}, nil
}

// CreateTokenRequest blinds one authenticator input per nonce and
// assembles a batched request. Every nonce is bound to the same
// challenge digest and issuer key.
func (c Client) CreateTokenRequest(challengeDigest []byte, nonces [][]byte, tokenKeyID []byte, tokenKey *oprf.PublicKey) (TokenRequestState, error) {
	if len(nonces) == 0 {
		return TokenRequestState{}, tokens.ErrInvalidRequest
	}

	client := oprf.NewVerifiableClient(oprf.SuiteRistretto255, tokenKey)
	tokenInputs := authenticatorInputs(challengeDigest, nonces, tokenKeyID)

	finData, evalRequest, err := client.Blind(tokenInputs)
	if err != nil {
		return TokenRequestState{}, err
	}
	return composeRequest(client, tokenInputs, finData, evalRequest, tokenKeyID)
}

// CreateTokenRequestWithBlinds is CreateTokenRequest with fixed
// blinding scalars, one per nonce. It exists for pinned scenario
// tests; production issuance always draws fresh blinds.
func (c Client) CreateTokenRequestWithBlinds(challengeDigest []byte, nonces [][]byte, tokenKeyID []byte, tokenKey *oprf.PublicKey, blindEncs [][]byte) (TokenRequestState, error) {
	if len(nonces) == 0 || len(blindEncs) != len(nonces) {
		return TokenRequestState{}, tokens.ErrInvalidRequest
	}

	client := oprf.NewVerifiableClient(oprf.SuiteRistretto255, tokenKey)
	tokenInputs := authenticatorInputs(challengeDigest, nonces, tokenKeyID)

	blinds := make([]oprf.Blind, len(blindEncs))
	for i, enc := range blindEncs {
		blind := group.Ristretto255.NewScalar()
		if err := blind.UnmarshalBinary(enc); err != nil {
			return TokenRequestState{}, err
		}
		blinds[i] = blind
	}

	finData, evalRequest, err := client.DeterministicBlind(tokenInputs, blinds)
	if err != nil {
		return TokenRequestState{}, err
	}
	return composeRequest(client, tokenInputs, finData, evalRequest, tokenKeyID)
}

// FinalizeTokens verifies the issuer's batch evaluation proof and,
// only if it holds, unblinds every evaluated element and assembles the
// tokens in request order. The response may carry fewer elements than
// were requested when the issuer truncated the batch; the returned
// tokens then cover the surviving prefix. The blinding state is
// cleared on every return path.
func (s *TokenRequestState) FinalizeTokens(tokenResponseEnc []byte) ([]tokens.Token, error) {
	defer s.Clear()

	if s.finData == nil {
		return nil, tokens.ErrInvalidSignature
	}

	resp := cryptobyte.String(tokenResponseEnc)
	var evaluated cryptobyte.String
	var proofEnc []byte
	if !resp.ReadUint16LengthPrefixed(&evaluated) ||
		!resp.ReadBytes(&proofEnc, ProofSize) || !resp.Empty() {
		return nil, tokens.ErrTruncated
	}
	if len(evaluated) == 0 || len(evaluated)%ElementSize != 0 ||
		len(evaluated)/ElementSize > len(s.tokenInputs) {
		return nil, tokens.ErrInvalidProof
	}

	// An issuer that truncated the batch evaluates and proves only a
	// prefix of the requested elements. Finalization must then run
	// against matching prefix state, rebuilt from the original blinds.
	n := len(evaluated) / ElementSize
	finData := s.finData
	if n < len(s.tokenInputs) {
		blinds := s.finData.CopyBlinds()
		var err error
		finData, _, err = s.client.DeterministicBlind(s.tokenInputs[:n], blinds[:n])
		if err != nil {
			return nil, tokens.ErrInvalidProof
		}
	}

	elements := make([]oprf.Evaluated, n)
	for i := range elements {
		var enc []byte
		if !evaluated.ReadBytes(&enc, ElementSize) {
			return nil, tokens.ErrTruncated
		}
		element := group.Ristretto255.NewElement()
		if err := element.UnmarshalBinary(enc); err != nil {
			return nil, tokens.ErrInvalidProof
		}
		elements[i] = element
	}

	proof := new(dleq.Proof)
	if err := proof.UnmarshalBinary(group.Ristretto255, proofEnc); err != nil {
		return nil, tokens.ErrInvalidProof
	}

	outputs, err := s.client.Finalize(finData, &oprf.Evaluation{
		Elements: elements,
		Proof:    proof,
	})
	if err != nil {
		return nil, tokens.ErrInvalidProof
	}

	issued := make([]tokens.Token, len(outputs))
	for i, output := range outputs {
		tokenData := append(append([]byte(nil), s.tokenInputs[i]...), output...)
		token, err := tokens.UnmarshalToken(tokenData)
		if err != nil {
			return nil, err
		}
		issued[i] = *token
	}
	return issued, nil
}
