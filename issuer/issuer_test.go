package issuer

import (
	"sync"
	"testing"

	"github.com/kagisearch/privacypass-lib/tokens"
	"github.com/kagisearch/privacypass-lib/tokens/type1"
	"github.com/kagisearch/privacypass-lib/tokens/type2"
	"github.com/kagisearch/privacypass-lib/tokens/typeF91A"
)

func testIssuer(t *testing.T) *Issuer {
	t.Helper()

	iss := New()
	voprfKey, err := type1.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	iss.RegisterVOPRF(type1.NewIssuer(voprfKey))

	batchedKey, err := typeF91A.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	iss.RegisterBatched(typeF91A.NewIssuer(batchedKey, 2), true)
	return iss
}

func testChallengeEnc(t *testing.T, tokenType tokens.TokenType) []byte {
	t.Helper()
	enc, err := tokens.NewTokenChallenge(tokenType, "issuer.example", "origin.example").Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func issueOne(t *testing.T, challengeEnc []byte) (*Issuer, tokens.Token) {
	t.Helper()

	// The registered scheme's public key is not reachable through the
	// dispatcher, so drive a full issuance through the scheme client.
	voprfKey, err := type1.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	inner := type1.NewIssuer(voprfKey)
	iss := New()
	iss.RegisterVOPRF(inner)

	nonce, err := tokens.NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	state, err := type1.Client{}.CreateTokenRequest(tokens.ChallengeDigest(challengeEnc), nonce, inner.TokenKeyID(), inner.TokenKey())
	if err != nil {
		t.Fatal(err)
	}
	responseEnc, err := iss.IssueTokenResponse(state.Request().Marshal())
	if err != nil {
		t.Fatal(err)
	}
	token, err := state.FinalizeToken(responseEnc)
	if err != nil {
		t.Fatal(err)
	}
	return iss, *token
}

func TestIssueDispatchesOnTokenType(t *testing.T) {
	iss := testIssuer(t)

	if _, err := iss.IssueTokenResponse([]byte{0x00}); err != tokens.ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
	if _, err := iss.IssueTokenResponse([]byte{0x77, 0x77, 0x00}); err != tokens.ErrUnsupportedTokenType {
		t.Fatalf("got %v, want ErrUnsupportedTokenType", err)
	}
	// Type 0x0002 was never registered.
	req := make([]byte, 2+1+256)
	req[1] = 0x02
	if _, err := iss.IssueTokenResponse(req); err != tokens.ErrUnsupportedTokenType {
		t.Fatalf("got %v, want ErrUnsupportedTokenType", err)
	}
}

func TestRedeemAcceptsOnceThenRejectsDoubleSpend(t *testing.T) {
	challengeEnc := testChallengeEnc(t, tokens.TypeVOPRFP384)
	iss, token := issueOne(t, challengeEnc)

	store := NewMemoryNonceStore()
	ok, err := iss.RedeemToken(token.Marshal(), challengeEnc, store)
	if !ok || err != nil {
		t.Fatalf("first redemption failed: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("store holds %d nonces, want 1", store.Len())
	}

	ok, err = iss.RedeemToken(token.Marshal(), challengeEnc, store)
	if ok || err != ErrDoubleSpent {
		t.Fatalf("got (%v, %v), want (false, ErrDoubleSpent)", ok, err)
	}
}

func TestRedeemRejectsChallengeMismatch(t *testing.T) {
	challengeEnc := testChallengeEnc(t, tokens.TypeVOPRFP384)
	iss, token := issueOne(t, challengeEnc)

	otherEnc, err := tokens.NewTokenChallenge(tokens.TypeVOPRFP384, "other.example", "origin.example").Marshal()
	if err != nil {
		t.Fatal(err)
	}

	store := NewMemoryNonceStore()
	ok, err := iss.RedeemToken(token.Marshal(), otherEnc, store)
	if ok || err != ErrChallengeMismatch {
		t.Fatalf("got (%v, %v), want (false, ErrChallengeMismatch)", ok, err)
	}
	if store.Len() != 0 {
		t.Fatal("rejected token burned a nonce")
	}
}

func TestRedeemRejectsForgedAuthenticator(t *testing.T) {
	challengeEnc := testChallengeEnc(t, tokens.TypeVOPRFP384)
	iss, token := issueOne(t, challengeEnc)

	token.Authenticator[3] ^= 0x10
	store := NewMemoryNonceStore()
	ok, err := iss.RedeemToken(token.Marshal(), challengeEnc, store)
	if ok || err != tokens.ErrInvalidSignature {
		t.Fatalf("got (%v, %v), want (false, ErrInvalidSignature)", ok, err)
	}
	if store.Len() != 0 {
		t.Fatal("forged token burned a nonce")
	}
}

func TestRedeemRejectsForeignKeyID(t *testing.T) {
	challengeEnc := testChallengeEnc(t, tokens.TypeVOPRFP384)
	iss, token := issueOne(t, challengeEnc)

	token.TokenKeyID[0] ^= 0x01
	ok, err := iss.RedeemToken(token.Marshal(), challengeEnc, NewMemoryNonceStore())
	if ok || err != ErrKeyIDNotFound {
		t.Fatalf("got (%v, %v), want (false, ErrKeyIDNotFound)", ok, err)
	}
}

func TestRedeemRejectsTruncatedToken(t *testing.T) {
	challengeEnc := testChallengeEnc(t, tokens.TypeVOPRFP384)
	iss, token := issueOne(t, challengeEnc)

	enc := token.Marshal()
	if _, err := iss.RedeemToken(enc[:len(enc)-1], challengeEnc, NewMemoryNonceStore()); err != tokens.ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestBlindRSARegistration(t *testing.T) {
	key, err := type2.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	inner := type2.NewIssuer(key)
	iss := New()
	iss.RegisterBlindRSA(inner)

	challengeEnc := testChallengeEnc(t, tokens.TypeBlindRSA2048)
	nonce, err := tokens.NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	state, err := type2.Client{}.CreateTokenRequest(tokens.ChallengeDigest(challengeEnc), nonce, inner.TokenKeyID(), inner.TokenKey())
	if err != nil {
		t.Fatal(err)
	}
	responseEnc, err := iss.IssueTokenResponse(state.Request().Marshal())
	if err != nil {
		t.Fatal(err)
	}
	token, err := state.FinalizeToken(responseEnc)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := iss.RedeemToken(token.Marshal(), challengeEnc, NewMemoryNonceStore())
	if !ok || err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
}

func TestMemoryNonceStoreConcurrentMark(t *testing.T) {
	store := NewMemoryNonceStore()
	nonce := make([]byte, tokens.NonceSize)

	var wg sync.WaitGroup
	freshCount := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := store.Mark(nonce)
			if err != nil {
				t.Error(err)
			}
			freshCount <- fresh
		}()
	}
	wg.Wait()
	close(freshCount)

	fresh := 0
	for ok := range freshCount {
		if ok {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("%d concurrent marks claimed the nonce, want exactly 1", fresh)
	}
}
