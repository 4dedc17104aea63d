// Package application is the embedding boundary: string-in, string-out
// entry points over the protocol core for hosts that cannot hold Go
// objects across calls. Binary values cross the boundary as padded
// URL-safe base64, results come back in JSON envelopes, and panics are
// converted to envelope errors so a host never unwinds through the
// runtime.
package application

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kagisearch/privacypass-lib/auth"
	"github.com/kagisearch/privacypass-lib/client"
	"github.com/kagisearch/privacypass-lib/issuer"
	"github.com/kagisearch/privacypass-lib/tokens"
	"github.com/kagisearch/privacypass-lib/tokens/type1"
	"github.com/kagisearch/privacypass-lib/tokens/type2"
	"github.com/kagisearch/privacypass-lib/tokens/typeF91A"
)

// PrivacyPass exposes the protocol operations to a host environment.
// Issuer-side calls take key material per call and keep no state;
// client-side calls hand back an opaque session id because blinding
// state cannot cross the boundary as bytes. A single instance is safe
// for concurrent use.
type PrivacyPass struct {
	log      *Logger
	conf     *IssuerConfig
	sessions sync.Map // session id -> *client.Session
}

// New returns a boundary instance logging per conf. A nil conf
// disables logging.
func New(conf *LoggerConfig) *PrivacyPass {
	log := NewNopLogger()
	if conf != nil {
		log = NewLogger(conf)
	}
	return &PrivacyPass{log: log}
}

// NewFromConfig builds a boundary instance from a loaded issuer
// configuration. The Configured entry points then draw the issuer
// identity, batch cap, and key location from it instead of per-call
// arguments.
func NewFromConfig(conf *IssuerConfig) (*PrivacyPass, error) {
	if conf == nil {
		return nil, fmt.Errorf("privacypass: nil issuer config")
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	p := New(conf.Logger)
	p.conf = conf
	return p, nil
}

var errNoIssuerConfig = fmt.Errorf("privacypass: instance built without issuer config")

// ConfiguredChallenge builds the token challenge the configuration
// describes and returns its base64 encoding.
func (p *PrivacyPass) ConfiguredChallenge() string {
	if p.conf == nil {
		return marshalRetVal("", errNoIssuerConfig)
	}
	return p.CreateTokenChallenge(p.conf.TokenType, p.conf.IssuerName, p.conf.OriginInfo)
}

// ConfiguredAuthenticateHeader assembles the WWW-Authenticate value
// advertising the configured challenge, with the given token key and
// the configured max-age.
func (p *PrivacyPass) ConfiguredAuthenticateHeader(tokenKeyB64 string) string {
	if p.conf == nil {
		return marshalRetVal("", errNoIssuerConfig)
	}
	challengeB64, err := p.createTokenChallenge(tokens.TokenType(p.conf.TokenType), p.conf.IssuerName, p.conf.OriginInfo)
	if err != nil {
		return marshalRetVal("", err)
	}
	return p.BuildWWWAuthenticateHeader(challengeB64, tokenKeyB64, p.conf.MaxAge)
}

// ConfiguredIssueTokenResponse evaluates a base64 token request under
// the key the configuration points at, capped at the configured batch
// size.
func (p *PrivacyPass) ConfiguredIssueTokenResponse(tokenRequestB64 string) string {
	if p.conf == nil {
		return marshalRetVal("", errNoIssuerConfig)
	}
	privateKeyB64, err := p.conf.LoadPrivateKey()
	if err != nil {
		return marshalRetVal("", err)
	}
	return p.IssueTokenResponse(privateKeyB64, tokenRequestB64, p.conf.MaxBatch)
}

// guard converts a panic into an envelope error. Every entry point
// runs under it; a host embedding must never see a Go panic.
func guard(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("privacypass: internal panic: %v", r)
	}
}

// GenerateKeyPair creates a fresh issuance key pair for the given
// token type and returns it as a JSON KeyPair envelope.
func (p *PrivacyPass) GenerateKeyPair(tokenType uint16) string {
	keypair, err := p.generateKeyPair(tokens.TokenType(tokenType))
	if err != nil {
		p.log.Error("key generation failed", "token_type", tokenType, "err", err)
		return marshalRetVal("", err)
	}
	enc, jsonErr := json.Marshal(keypair)
	if jsonErr != nil {
		return marshalRetVal("", jsonErr)
	}
	p.log.Info("generated key pair", "token_type", tokens.TokenType(tokenType).String())
	return marshalRetVal(string(enc), nil)
}

func (p *PrivacyPass) generateKeyPair(tokenType tokens.TokenType) (keypair *KeyPair, err error) {
	defer guard(&err)

	switch tokenType {
	case tokens.TypeVOPRFP384:
		key, err := type1.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		skEnc, err := key.MarshalBinary()
		if err != nil {
			return nil, err
		}
		pkEnc, err := key.Public().MarshalBinary()
		if err != nil {
			return nil, err
		}
		return &KeyPair{PK: encodeBase64(pkEnc), SK: encodeBase64(skEnc)}, nil

	case tokens.TypeBlindRSA2048:
		key, err := type2.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		pkEnc, err := type2.MarshalTokenKey(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		return &KeyPair{PK: encodeBase64(pkEnc), SK: encodeBase64(type2.MarshalPrivateKey(key))}, nil

	case tokens.TypeBatchedRistretto255:
		key, err := typeF91A.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		skEnc, err := key.MarshalBinary()
		if err != nil {
			return nil, err
		}
		pkEnc, err := key.Public().MarshalBinary()
		if err != nil {
			return nil, err
		}
		return &KeyPair{PK: encodeBase64(pkEnc), SK: encodeBase64(skEnc)}, nil

	default:
		return nil, tokens.ErrUnsupportedTokenType
	}
}

// CreateTokenChallenge builds a challenge for the given issuer and
// origin with an empty redemption context and returns its base64
// encoding.
func (p *PrivacyPass) CreateTokenChallenge(tokenType uint16, issuerName, originInfo string) string {
	enc, err := p.createTokenChallenge(tokens.TokenType(tokenType), issuerName, originInfo)
	if err != nil {
		p.log.Error("challenge creation failed", "issuer", issuerName, "err", err)
		return marshalRetVal("", err)
	}
	p.log.Debug("created token challenge", "issuer", issuerName, "origin", originInfo)
	return marshalRetVal(enc, nil)
}

func (p *PrivacyPass) createTokenChallenge(tokenType tokens.TokenType, issuerName, originInfo string) (enc string, err error) {
	defer guard(&err)

	challenge := tokens.NewTokenChallenge(tokenType, issuerName, originInfo)
	raw, err := challenge.Marshal()
	if err != nil {
		return "", err
	}
	return encodeBase64(raw), nil
}

// BuildWWWAuthenticateHeader assembles a WWW-Authenticate value from a
// base64 challenge and issuer key. A zero maxAge omits the max-age
// parameter.
func (p *PrivacyPass) BuildWWWAuthenticateHeader(challengeB64, tokenKeyB64 string, maxAge uint32) string {
	header, err := p.buildWWWAuthenticateHeader(challengeB64, tokenKeyB64, maxAge)
	if err != nil {
		p.log.Error("header build failed", "err", err)
		return marshalRetVal("", err)
	}
	return marshalRetVal(header, nil)
}

func (p *PrivacyPass) buildWWWAuthenticateHeader(challengeB64, tokenKeyB64 string, maxAge uint32) (header string, err error) {
	defer guard(&err)

	challengeEnc, err := decodeBase64(challengeB64)
	if err != nil {
		return "", auth.ErrInvalidEncoding
	}
	challenge, err := tokens.UnmarshalTokenChallenge(challengeEnc)
	if err != nil {
		return "", err
	}
	tokenKey, err := decodeBase64(tokenKeyB64)
	if err != nil {
		return "", auth.ErrInvalidEncoding
	}
	return auth.BuildWWWAuthenticateHeader(challenge, tokenKey, maxAge)
}

// CreateTokenRequest starts a client issuance attempt from a base64
// challenge and issuer key. The envelope's retval is a JSON object
// holding the encoded request and the opaque session id to finalize
// with.
func (p *PrivacyPass) CreateTokenRequest(challengeB64, tokenKeyB64 string, tokenCount int) string {
	requestB64, sessionID, err := p.createTokenRequest(challengeB64, tokenKeyB64, tokenCount)
	if err != nil {
		p.log.Error("token request failed", "err", err)
		return marshalRetVal("", err)
	}

	enc, jsonErr := json.Marshal(struct {
		Request   string `json:"request"`
		SessionID string `json:"session_id"`
	}{requestB64, sessionID})
	if jsonErr != nil {
		return marshalRetVal("", jsonErr)
	}
	p.log.Debug("created token request", "session", sessionID, "count", tokenCount)
	return marshalRetVal(string(enc), nil)
}

func (p *PrivacyPass) createTokenRequest(challengeB64, tokenKeyB64 string, tokenCount int) (requestB64, sessionID string, err error) {
	defer guard(&err)

	challengeEnc, err := decodeBase64(challengeB64)
	if err != nil {
		return "", "", auth.ErrInvalidEncoding
	}
	tokenKey, err := decodeBase64(tokenKeyB64)
	if err != nil {
		return "", "", auth.ErrInvalidEncoding
	}

	session := client.NewSession(client.WithTokenCount(tokenCount))
	if err := session.UseChallenge(challengeEnc, tokenKey); err != nil {
		return "", "", err
	}
	requestEnc, err := session.BuildRequest()
	if err != nil {
		return "", "", err
	}

	id, err := newSessionID()
	if err != nil {
		return "", "", err
	}
	p.sessions.Store(id, session)
	return encodeBase64(requestEnc), id, nil
}

// FinalizeTokens completes the issuance attempt identified by the
// session id with the issuer's base64 response and returns the issued
// tokens. The session is consumed whatever the outcome.
func (p *PrivacyPass) FinalizeTokens(sessionID, tokenResponseB64 string) string {
	issued, err := p.finalizeTokens(sessionID, tokenResponseB64)
	if err != nil {
		p.log.Error("finalize failed", "session", sessionID, "err", err)
		return marshalTokens(nil, err)
	}

	tokenEncs := make([]string, len(issued))
	for i := range issued {
		tokenEncs[i] = encodeBase64(issued[i].Marshal())
	}
	p.log.Debug("finalized tokens", "session", sessionID, "count", len(tokenEncs))
	return marshalTokens(tokenEncs, nil)
}

func (p *PrivacyPass) finalizeTokens(sessionID, tokenResponseB64 string) (issued []tokens.Token, err error) {
	defer guard(&err)

	val, ok := p.sessions.LoadAndDelete(sessionID)
	if !ok {
		return nil, fmt.Errorf("privacypass: unknown session id %q", sessionID)
	}
	session := val.(*client.Session)

	responseEnc, err := decodeBase64(tokenResponseB64)
	if err != nil {
		return nil, auth.ErrInvalidEncoding
	}
	return session.Finalize(responseEnc)
}

// ReleaseSession discards an issuance attempt that will not be
// finalized, releasing its blinding state. Hosts call this on their
// error paths — transport failure, user cancel — so abandoned sessions
// do not accumulate. Unknown ids are ignored.
func (p *PrivacyPass) ReleaseSession(sessionID string) {
	val, ok := p.sessions.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	val.(*client.Session).Abort()
	p.log.Debug("released session", "session", sessionID)
}

// IssueTokenResponse evaluates a base64 token request under the given
// private key. For batched requests, maxTokens caps how many tokens
// are issued: an oversized batch is truncated and partially served.
// Zero means no cap.
func (p *PrivacyPass) IssueTokenResponse(privateKeyB64, tokenRequestB64 string, maxTokens int) string {
	responseB64, err := p.issueTokenResponse(privateKeyB64, tokenRequestB64, maxTokens)
	if err != nil {
		p.log.Error("issuance failed", "err", err)
		return marshalRetVal("", err)
	}
	return marshalRetVal(responseB64, nil)
}

func (p *PrivacyPass) issueTokenResponse(privateKeyB64, tokenRequestB64 string, maxTokens int) (responseB64 string, err error) {
	defer guard(&err)

	privateKey, err := decodeBase64(privateKeyB64)
	if err != nil {
		return "", auth.ErrInvalidEncoding
	}
	requestEnc, err := decodeBase64(tokenRequestB64)
	if err != nil {
		return "", auth.ErrInvalidEncoding
	}

	iss, err := issuerForKey(requestEnc, privateKey, maxTokens)
	if err != nil {
		return "", err
	}
	responseEnc, err := iss.IssueTokenResponse(requestEnc)
	if err != nil {
		return "", err
	}
	return encodeBase64(responseEnc), nil
}

// ValidateToken verifies a base64 token against the challenge it must
// be bound to, under the issuer's private key. The retval is "1" for a
// valid token and "0" for an invalid one; only malformed input or an
// unusable key yields an envelope error. Double-spend tracking belongs
// to the host, so every call verifies against a fresh empty nonce
// store.
func (p *PrivacyPass) ValidateToken(privateKeyB64, tokenB64, challengeB64 string) string {
	valid, err := p.validateToken(privateKeyB64, tokenB64, challengeB64)
	if err != nil {
		p.log.Error("validation failed", "err", err)
		return marshalRetVal("", err)
	}
	if valid {
		return marshalRetVal("1", nil)
	}
	return marshalRetVal("0", nil)
}

func (p *PrivacyPass) validateToken(privateKeyB64, tokenB64, challengeB64 string) (valid bool, err error) {
	defer guard(&err)

	tokenEnc, err := decodeBase64(tokenB64)
	if err != nil {
		return false, auth.ErrInvalidEncoding
	}
	// Reject alternative encodings of the same bytes: the presented
	// string must be the canonical padded form.
	if encodeBase64(tokenEnc) != tokenB64 {
		return false, fmt.Errorf("privacypass: received alternative encoding of token")
	}

	privateKey, err := decodeBase64(privateKeyB64)
	if err != nil {
		return false, auth.ErrInvalidEncoding
	}
	challengeEnc, err := decodeBase64(challengeB64)
	if err != nil {
		return false, auth.ErrInvalidEncoding
	}

	token, err := tokens.UnmarshalToken(tokenEnc)
	if err != nil {
		return false, err
	}
	iss, err := issuerForToken(token.TokenType, privateKey)
	if err != nil {
		return false, err
	}

	valid, redeemErr := iss.RedeemToken(tokenEnc, challengeEnc, issuer.NewMemoryNonceStore())
	if redeemErr == tokens.ErrInvalidSignature {
		// A well-formed token that simply does not verify is a clean
		// "invalid" answer, not a boundary error.
		p.log.Debug("token rejected", "reason", redeemErr)
		return false, nil
	}
	if redeemErr != nil {
		return false, redeemErr
	}
	return valid, nil
}

// issuerForKey builds a one-call issuer for the token type the request
// declares.
func issuerForKey(requestEnc, privateKey []byte, maxTokens int) (*issuer.Issuer, error) {
	tokenType, err := tokens.RequestTokenType(requestEnc)
	if err != nil {
		return nil, err
	}
	return issuerForToken(tokenType, privateKey, maxTokens)
}

func issuerForToken(tokenType tokens.TokenType, privateKey []byte, maxTokens ...int) (*issuer.Issuer, error) {
	maxBatch := 0
	if len(maxTokens) > 0 {
		maxBatch = maxTokens[0]
	}

	iss := issuer.New()
	switch tokenType {
	case tokens.TypeVOPRFP384:
		key, err := type1.UnmarshalPrivateKey(privateKey)
		if err != nil {
			return nil, err
		}
		iss.RegisterVOPRF(type1.NewIssuer(key))
	case tokens.TypeBlindRSA2048:
		key, err := type2.UnmarshalPrivateKey(privateKey)
		if err != nil {
			return nil, err
		}
		iss.RegisterBlindRSA(type2.NewIssuer(key))
	case tokens.TypeBatchedRistretto255:
		key, err := typeF91A.UnmarshalPrivateKey(privateKey)
		if err != nil {
			return nil, err
		}
		iss.RegisterBatched(typeF91A.NewIssuer(key, maxBatch), true)
	default:
		return nil, tokens.ErrUnsupportedTokenType
	}
	return iss, nil
}

func newSessionID() (string, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", &tokens.RandomnessError{Err: err}
	}
	return hex.EncodeToString(id[:]), nil
}
