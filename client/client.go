// Package client drives token issuance from the client side: parse a
// challenge, blind fresh nonces, emit the request bytes, and finalize
// the issuer's response into redeemable tokens. A Session performs no
// I/O; the caller carries the bytes to and from the issuer.
package client

import (
	"github.com/kagisearch/privacypass-lib/auth"
	"github.com/kagisearch/privacypass-lib/tokens"
	"github.com/kagisearch/privacypass-lib/tokens/type1"
	"github.com/kagisearch/privacypass-lib/tokens/type2"
	"github.com/kagisearch/privacypass-lib/tokens/typeF91A"
)

// State names a Session's position in the issuance flow.
type State int

const (
	StateIdle State = iota
	StateChallengeParsed
	StateBlinded
	StateRequestBuilt
	StateFinalized
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChallengeParsed:
		return "challenge-parsed"
	case StateBlinded:
		return "blinded"
	case StateRequestBuilt:
		return "request-built"
	case StateFinalized:
		return "finalized"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SessionError reports a transition attempted from the wrong state.
type SessionError string

func (e SessionError) Error() string { return string(e) }

const (
	ErrInvalidState    = SessionError("privacypass: operation not valid in current session state")
	ErrMissingTokenKey = SessionError("privacypass: challenge carries no token key")
)

// A Session is one issuance attempt. It must be driven by a single
// caller; concurrent issuance uses independent sessions. Finalized and
// Aborted are terminal, and the blinding state is discarded on entry
// to either.
type Session struct {
	state      State
	err        error
	tokenCount int

	challenge      *tokens.TokenChallenge
	challengeBytes []byte
	tokenKey       []byte

	st1 *type1.TokenRequestState
	st2 *type2.TokenRequestState
	stF *typeF91A.TokenRequestState
}

// An Option adjusts a new Session.
type Option func(*Session)

// WithTokenCount sets how many tokens a batched issuance requests.
// Non-batched token types always issue one and ignore this.
func WithTokenCount(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.tokenCount = n
		}
	}
}

func NewSession(opts ...Option) *Session {
	s := &Session{state: StateIdle, tokenCount: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Err returns what aborted the session, nil otherwise.
func (s *Session) Err() error {
	if s.state == StateAborted {
		return s.err
	}
	return nil
}

func (s *Session) abort(err error) error {
	s.clear()
	s.state = StateAborted
	s.err = err
	return err
}

func (s *Session) clear() {
	if s.st1 != nil {
		s.st1.Clear()
		s.st1 = nil
	}
	if s.st2 != nil {
		s.st2.Clear()
		s.st2 = nil
	}
	if s.stF != nil {
		s.stF.Clear()
		s.stF = nil
	}
}

// ParseChallenge consumes a WWW-Authenticate value carrying a single
// PrivateToken challenge. A parse failure aborts the session.
func (s *Session) ParseChallenge(header string) error {
	if s.state != StateIdle {
		return ErrInvalidState
	}
	challenge, err := auth.ParseChallenge(header)
	if err != nil {
		return s.abort(err)
	}
	s.challenge = challenge.TokenChallenge
	s.challengeBytes = challenge.ChallengeBytes
	s.tokenKey = challenge.TokenKey
	s.state = StateChallengeParsed
	return nil
}

// UseChallenge starts the session from an already-decoded challenge
// encoding and issuer key, for callers that receive them out of band.
func (s *Session) UseChallenge(challengeBytes, tokenKey []byte) error {
	if s.state != StateIdle {
		return ErrInvalidState
	}
	challenge, err := tokens.UnmarshalTokenChallenge(challengeBytes)
	if err != nil {
		return s.abort(err)
	}
	s.challenge = challenge
	s.challengeBytes = append([]byte(nil), challengeBytes...)
	s.tokenKey = tokenKey
	s.state = StateChallengeParsed
	return nil
}

// TokenType returns the challenge's token type once parsed.
func (s *Session) TokenType() tokens.TokenType {
	if s.challenge == nil {
		return 0
	}
	return s.challenge.TokenType
}

// BuildRequest draws fresh nonces, blinds them against the issuer key,
// and returns the encoded TokenRequest for the caller to transmit.
// Randomness failure aborts; a fresh attempt needs a fresh session
// with both a new nonce and new blinding material.
func (s *Session) BuildRequest() ([]byte, error) {
	if s.state != StateChallengeParsed {
		return nil, ErrInvalidState
	}
	if len(s.tokenKey) == 0 {
		return nil, s.abort(ErrMissingTokenKey)
	}

	// The token binds to the digest of the exact challenge bytes the
	// issuer sent, not to a re-serialization.
	challengeDigest := tokens.ChallengeDigest(s.challengeBytes)

	var request tokens.TokenRequest
	switch s.challenge.TokenType {
	case tokens.TypeVOPRFP384:
		tokenKey, err := type1.UnmarshalPublicKey(s.tokenKey)
		if err != nil {
			return nil, s.abort(err)
		}
		nonce, err := tokens.NewNonce()
		if err != nil {
			return nil, s.abort(err)
		}
		st, err := type1.Client{}.CreateTokenRequest(challengeDigest, nonce, tokens.KeyID(s.tokenKey), tokenKey)
		if err != nil {
			return nil, s.abort(err)
		}
		s.st1 = &st
		request = st.Request()

	case tokens.TypeBlindRSA2048:
		tokenKey, err := type2.UnmarshalTokenKey(s.tokenKey)
		if err != nil {
			return nil, s.abort(err)
		}
		nonce, err := tokens.NewNonce()
		if err != nil {
			return nil, s.abort(err)
		}
		st, err := type2.Client{}.CreateTokenRequest(challengeDigest, nonce, tokens.KeyID(s.tokenKey), tokenKey)
		if err != nil {
			return nil, s.abort(err)
		}
		s.st2 = &st
		request = st.Request()

	case tokens.TypeBatchedRistretto255:
		tokenKey, err := typeF91A.UnmarshalPublicKey(s.tokenKey)
		if err != nil {
			return nil, s.abort(err)
		}
		nonces := make([][]byte, s.tokenCount)
		for i := range nonces {
			nonce, err := tokens.NewNonce()
			if err != nil {
				return nil, s.abort(err)
			}
			nonces[i] = nonce
		}
		st, err := typeF91A.Client{}.CreateTokenRequest(challengeDigest, nonces, tokens.KeyID(s.tokenKey), tokenKey)
		if err != nil {
			return nil, s.abort(err)
		}
		s.stF = &st
		request = st.Request()

	default:
		return nil, s.abort(tokens.ErrUnsupportedTokenType)
	}
	s.state = StateBlinded

	requestEnc := request.Marshal()
	s.state = StateRequestBuilt
	return requestEnc, nil
}

// Finalize consumes the issuer's TokenResponse bytes and yields the
// issued tokens. Success and failure are both terminal; the blinding
// state is discarded either way, so a retry starts a new session.
func (s *Session) Finalize(tokenResponseEnc []byte) ([]tokens.Token, error) {
	if s.state != StateRequestBuilt {
		return nil, ErrInvalidState
	}

	var issued []tokens.Token
	switch {
	case s.st1 != nil:
		token, err := s.st1.FinalizeToken(tokenResponseEnc)
		if err != nil {
			return nil, s.abort(err)
		}
		issued = []tokens.Token{*token}
	case s.st2 != nil:
		token, err := s.st2.FinalizeToken(tokenResponseEnc)
		if err != nil {
			return nil, s.abort(err)
		}
		issued = []tokens.Token{*token}
	case s.stF != nil:
		var err error
		issued, err = s.stF.FinalizeTokens(tokenResponseEnc)
		if err != nil {
			return nil, s.abort(err)
		}
	default:
		return nil, s.abort(ErrInvalidState)
	}

	s.clear()
	s.state = StateFinalized
	return issued, nil
}

// Abort discards the session and its blinding state. Dropping a
// session without calling Abort is also safe; Abort exists so a caller
// can release the secrets eagerly.
func (s *Session) Abort() {
	if s.state == StateFinalized || s.state == StateAborted {
		return
	}
	s.abort(ErrInvalidState)
}
