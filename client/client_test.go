package client

import (
	"bytes"
	"testing"

	"github.com/kagisearch/privacypass-lib/auth"
	"github.com/kagisearch/privacypass-lib/issuer"
	"github.com/kagisearch/privacypass-lib/tokens"
	"github.com/kagisearch/privacypass-lib/tokens/type1"
	"github.com/kagisearch/privacypass-lib/tokens/typeF91A"
)

func voprfSetup(t *testing.T) (*issuer.Issuer, string, []byte) {
	t.Helper()

	key, err := type1.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	iss := issuer.New()
	iss.RegisterVOPRF(type1.NewIssuer(key))

	tokenKey, err := key.Public().MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	challenge := tokens.NewTokenChallenge(tokens.TypeVOPRFP384, "issuer.example", "origin.example")
	header, err := auth.BuildWWWAuthenticateHeader(challenge, tokenKey, 0)
	if err != nil {
		t.Fatal(err)
	}
	challengeEnc, err := challenge.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return iss, header, challengeEnc
}

func batchedSetup(t *testing.T, maxBatch int) (*issuer.Issuer, []byte, []byte) {
	t.Helper()

	key, err := typeF91A.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	iss := issuer.New()
	iss.RegisterBatched(typeF91A.NewIssuer(key, maxBatch), false)

	tokenKey, err := key.Public().MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	challenge := tokens.NewTokenChallenge(tokens.TypeBatchedRistretto255, "issuer.example", "origin.example")
	challengeEnc, err := challenge.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return iss, challengeEnc, tokenKey
}

func TestSessionFullFlowVOPRF(t *testing.T) {
	iss, header, challengeEnc := voprfSetup(t)

	session := NewSession()
	if session.State() != StateIdle {
		t.Fatalf("fresh session in state %v", session.State())
	}

	if err := session.ParseChallenge(header); err != nil {
		t.Fatal(err)
	}
	if session.State() != StateChallengeParsed {
		t.Fatalf("state %v after parse", session.State())
	}
	if session.TokenType() != tokens.TypeVOPRFP384 {
		t.Fatalf("token type %v", session.TokenType())
	}

	requestEnc, err := session.BuildRequest()
	if err != nil {
		t.Fatal(err)
	}
	if session.State() != StateRequestBuilt {
		t.Fatalf("state %v after build", session.State())
	}

	responseEnc, err := iss.IssueTokenResponse(requestEnc)
	if err != nil {
		t.Fatal(err)
	}

	issued, err := session.Finalize(responseEnc)
	if err != nil {
		t.Fatal(err)
	}
	if session.State() != StateFinalized {
		t.Fatalf("state %v after finalize", session.State())
	}
	if len(issued) != 1 {
		t.Fatalf("issued %d tokens, want 1", len(issued))
	}

	store := issuer.NewMemoryNonceStore()
	ok, err := iss.RedeemToken(issued[0].Marshal(), challengeEnc, store)
	if !ok || err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
}

func TestSessionFullFlowBatched(t *testing.T) {
	iss, challengeEnc, tokenKey := batchedSetup(t, 0)

	session := NewSession(WithTokenCount(4))
	if err := session.UseChallenge(challengeEnc, tokenKey); err != nil {
		t.Fatal(err)
	}
	requestEnc, err := session.BuildRequest()
	if err != nil {
		t.Fatal(err)
	}
	responseEnc, err := iss.IssueTokenResponse(requestEnc)
	if err != nil {
		t.Fatal(err)
	}

	issued, err := session.Finalize(responseEnc)
	if err != nil {
		t.Fatal(err)
	}
	if len(issued) != 4 {
		t.Fatalf("issued %d tokens, want 4", len(issued))
	}

	// Every token redeems exactly once.
	store := issuer.NewMemoryNonceStore()
	for i := range issued {
		ok, err := iss.RedeemToken(issued[i].Marshal(), challengeEnc, store)
		if !ok || err != nil {
			t.Fatalf("token %d redeem failed: %v", i, err)
		}
	}
	if _, err := iss.RedeemToken(issued[0].Marshal(), challengeEnc, store); err != issuer.ErrDoubleSpent {
		t.Fatalf("got %v, want ErrDoubleSpent", err)
	}
}

func TestSessionNoncesAreFresh(t *testing.T) {
	iss, challengeEnc, tokenKey := batchedSetup(t, 0)

	run := func() []byte {
		session := NewSession()
		if err := session.UseChallenge(challengeEnc, tokenKey); err != nil {
			t.Fatal(err)
		}
		requestEnc, err := session.BuildRequest()
		if err != nil {
			t.Fatal(err)
		}
		responseEnc, err := iss.IssueTokenResponse(requestEnc)
		if err != nil {
			t.Fatal(err)
		}
		issued, err := session.Finalize(responseEnc)
		if err != nil {
			t.Fatal(err)
		}
		return issued[0].Nonce
	}

	if bytes.Equal(run(), run()) {
		t.Fatal("two issuance attempts used the same nonce")
	}
}

func TestSessionRejectsOutOfOrderCalls(t *testing.T) {
	_, challengeEnc, tokenKey := batchedSetup(t, 0)

	session := NewSession()
	if _, err := session.BuildRequest(); err != ErrInvalidState {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
	if _, err := session.Finalize(nil); err != ErrInvalidState {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}

	if err := session.UseChallenge(challengeEnc, tokenKey); err != nil {
		t.Fatal(err)
	}
	if err := session.UseChallenge(challengeEnc, tokenKey); err != ErrInvalidState {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestSessionAbortIsTerminal(t *testing.T) {
	_, challengeEnc, tokenKey := batchedSetup(t, 0)

	session := NewSession()
	if err := session.UseChallenge(challengeEnc, tokenKey); err != nil {
		t.Fatal(err)
	}
	session.Abort()
	if session.State() != StateAborted {
		t.Fatalf("state %v after abort", session.State())
	}
	if _, err := session.BuildRequest(); err != ErrInvalidState {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestSessionParseFailureAborts(t *testing.T) {
	session := NewSession()
	if err := session.ParseChallenge(`Basic realm="nope"`); err == nil {
		t.Fatal("parse of foreign scheme succeeded")
	}
	if session.State() != StateAborted {
		t.Fatalf("state %v after failed parse", session.State())
	}
	if session.Err() == nil {
		t.Fatal("aborted session reports no error")
	}
}

func TestSessionMissingTokenKeyAborts(t *testing.T) {
	_, challengeEnc, _ := batchedSetup(t, 0)

	session := NewSession()
	if err := session.UseChallenge(challengeEnc, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := session.BuildRequest(); err != ErrMissingTokenKey {
		t.Fatalf("got %v, want ErrMissingTokenKey", err)
	}
	if session.State() != StateAborted {
		t.Fatalf("state %v", session.State())
	}
}

func TestSessionFinalizeFailureIsTerminal(t *testing.T) {
	iss, challengeEnc, tokenKey := batchedSetup(t, 0)

	session := NewSession()
	if err := session.UseChallenge(challengeEnc, tokenKey); err != nil {
		t.Fatal(err)
	}
	requestEnc, err := session.BuildRequest()
	if err != nil {
		t.Fatal(err)
	}
	responseEnc, err := iss.IssueTokenResponse(requestEnc)
	if err != nil {
		t.Fatal(err)
	}

	responseEnc[len(responseEnc)-1] ^= 0x01
	if _, err := session.Finalize(responseEnc); err == nil {
		t.Fatal("finalize of corrupted response succeeded")
	}
	if session.State() != StateAborted {
		t.Fatalf("state %v after failed finalize", session.State())
	}

	// The response cannot be retried on the dead session.
	responseEnc[len(responseEnc)-1] ^= 0x01
	if _, err := session.Finalize(responseEnc); err != ErrInvalidState {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}
