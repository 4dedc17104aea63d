// Defines the error values the protocol core returns across its
// packages. Decoding, issuance, and finalization failures are distinct
// types so a caller can tell a corrupt peer from a dishonest issuer.

package tokens

// A DecodeError reports a binary message that could not be decoded:
// truncated, misframed, carrying trailing bytes, or oversized. Always
// recoverable by rejecting the message.
type DecodeError string

func (e DecodeError) Error() string { return "privacypass: " + string(e) }

var (
	ErrTruncated                = DecodeError("truncated message")
	ErrTrailingData             = DecodeError("trailing bytes after message")
	ErrUnsupportedTokenType     = DecodeError("unsupported token type")
	ErrOversized                = DecodeError("field exceeds maximum length")
	ErrInvalidRedemptionContext = DecodeError("redemption context must be empty or 32 bytes")
	ErrMalformedBatch           = DecodeError("blinded element vector is empty or ragged")
)

// An IssueError reports an issuer-side rejection of a token request.
type IssueError string

func (e IssueError) Error() string { return "privacypass: " + string(e) }

var (
	ErrInvalidRequest = IssueError("malformed blinded element")
	ErrKeyIDMismatch  = IssueError("request key id does not match issuer key")
	ErrTooManyTokens  = IssueError("request exceeds the issuer's batch limit")
)

// A FinalizeError reports a client-side rejection of an issuer
// response. ErrInvalidProof in particular means the issuer failed to
// prove correct evaluation and must be treated as misbehaving; it is
// deliberately distinct from DecodeError so callers can tell a corrupt
// transport from a dishonest issuer.
type FinalizeError string

func (e FinalizeError) Error() string { return "privacypass: " + string(e) }

var (
	ErrInvalidProof     = FinalizeError("issuer evaluation proof did not verify")
	ErrInvalidSignature = FinalizeError("authenticator did not verify under the issuer key")
)

// A RandomnessError reports a failure of the secure random source. It
// is fatal for the issuance attempt that hit it: the attempt's nonce
// and blinding state must be discarded, never retried.
type RandomnessError struct {
	Err error
}

func (e *RandomnessError) Error() string {
	return "privacypass: secure random source failed: " + e.Err.Error()
}

func (e *RandomnessError) Unwrap() error { return e.Err }
