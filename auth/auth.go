// Package auth parses and builds the PrivateToken HTTP authentication
// scheme: WWW-Authenticate challenges carrying a base64-encoded binary
// TokenChallenge, and the Authorization value presenting a token.
package auth

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/kagisearch/privacypass-lib/tokens"
)

// Scheme is the HTTP authentication scheme name.
const Scheme = "PrivateToken"

// maxHeaderLen bounds accepted header values so a hostile peer cannot
// make the parser allocate without limit.
const maxHeaderLen = 16384

// ParseError reports a malformed or unsupported header value. All
// parse errors are recoverable: the caller rejects the challenge.
type ParseError string

func (e ParseError) Error() string { return string(e) }

const (
	ErrMalformedHeader   = ParseError("privacypass: malformed authentication header")
	ErrUnsupportedScheme = ParseError("privacypass: unsupported authentication scheme")
	ErrInvalidEncoding   = ParseError("privacypass: invalid base64 in authentication header")
	ErrHeaderTooLong     = ParseError("privacypass: authentication header exceeds length limit")
)

// A Challenge is one parsed PrivateToken entry of a WWW-Authenticate
// header. ChallengeBytes preserves the exact decoded challenge
// encoding; the digest a token binds to is computed over these bytes,
// not over a re-serialization.
type Challenge struct {
	TokenChallenge *tokens.TokenChallenge
	ChallengeBytes []byte
	TokenKey       []byte
	MaxAge         uint32
	HasMaxAge      bool
}

func encodeBase64(data []byte) string {
	return base64.URLEncoding.EncodeToString(data)
}

// decodeBase64 accepts URL-safe base64 with or without padding.
// Emitted headers always carry padding.
func decodeBase64(s string) ([]byte, error) {
	if strings.ContainsAny(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// ParseWWWAuthenticateHeader parses a WWW-Authenticate header value
// into its PrivateToken challenges, in the order the header lists
// them. Entries under other schemes yield ErrUnsupportedScheme.
func ParseWWWAuthenticateHeader(header string) ([]Challenge, error) {
	if len(header) > maxHeaderLen {
		return nil, ErrHeaderTooLong
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMalformedHeader
	}

	var challenges []Challenge
	for _, entry := range splitScheme(header) {
		if !strings.EqualFold(entry.scheme, Scheme) {
			return nil, ErrUnsupportedScheme
		}
		challenge, err := parseParams(entry.params)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, challenge)
	}
	if len(challenges) == 0 {
		return nil, ErrMalformedHeader
	}
	return challenges, nil
}

// ParseChallenge parses a header value expected to carry exactly one
// PrivateToken challenge.
func ParseChallenge(header string) (*Challenge, error) {
	challenges, err := ParseWWWAuthenticateHeader(header)
	if err != nil {
		return nil, err
	}
	if len(challenges) != 1 {
		return nil, ErrMalformedHeader
	}
	return &challenges[0], nil
}

type schemeEntry struct {
	scheme string
	params string
}

// splitScheme cuts a header value into per-scheme entries. A new entry
// starts at a bare word that is not part of a key=value parameter, per
// the HTTP credentials grammar.
func splitScheme(header string) []schemeEntry {
	var entries []schemeEntry
	rest := header
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t,")
		if rest == "" {
			break
		}
		scheme := rest
		params := ""
		if idx := strings.IndexAny(rest, " \t"); idx >= 0 {
			scheme = rest[:idx]
			rest = rest[idx+1:]
		} else {
			rest = ""
		}

		// Parameters run until the next scheme word: an item that is a
		// bare token, or a scheme name followed by its first parameter.
		var kept []string
		for rest != "" {
			item, tail, found := cutParam(rest)
			trimmed := strings.TrimSpace(item)
			if startsNewScheme(trimmed) {
				break
			}
			kept = append(kept, trimmed)
			if !found {
				rest = ""
			} else {
				rest = tail
			}
		}
		params = strings.Join(kept, ",")
		entries = append(entries, schemeEntry{scheme: scheme, params: params})
	}
	return entries
}

// startsNewScheme reports whether a comma-separated item begins the
// next challenge rather than continuing the current parameter list. It
// does when the item is a bare token, or when whitespace separates a
// leading token from the first '='.
func startsNewScheme(item string) bool {
	if item == "" {
		return false
	}
	eq := strings.IndexByte(item, '=')
	if eq < 0 {
		return true
	}
	ws := strings.IndexAny(item, " \t")
	return ws >= 0 && ws < eq
}

// cutParam splits off the next comma-separated item. Base64 padding
// makes '=' safe: parameter values in this scheme never contain commas.
func cutParam(s string) (item, rest string, found bool) {
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		return s[:idx], s[idx+1:], true
	}
	return s, "", false
}

func parseParams(params string) (Challenge, error) {
	var c Challenge
	seen := map[string]bool{}
	for params != "" {
		var item string
		item, params, _ = cutParam(params)
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, found := strings.Cut(item, "=")
		if !found {
			return Challenge{}, ErrMalformedHeader
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if seen[key] {
			return Challenge{}, ErrMalformedHeader
		}
		seen[key] = true

		switch key {
		case "challenge":
			raw, err := decodeBase64(value)
			if err != nil {
				return Challenge{}, ErrInvalidEncoding
			}
			challenge, err := tokens.UnmarshalTokenChallenge(raw)
			if err != nil {
				return Challenge{}, err
			}
			c.TokenChallenge = challenge
			c.ChallengeBytes = raw
		case "token-key":
			raw, err := decodeBase64(value)
			if err != nil {
				return Challenge{}, ErrInvalidEncoding
			}
			c.TokenKey = raw
		case "max-age":
			age, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return Challenge{}, ErrMalformedHeader
			}
			c.MaxAge = uint32(age)
			c.HasMaxAge = true
		default:
			// Unknown parameters are ignored for forward compatibility.
		}
	}
	if c.TokenChallenge == nil {
		return Challenge{}, ErrMalformedHeader
	}
	return c, nil
}

// BuildWWWAuthenticateHeader serializes a challenge and issuer key
// into a WWW-Authenticate value. A zero maxAge omits the max-age
// parameter entirely.
func BuildWWWAuthenticateHeader(challenge *tokens.TokenChallenge, tokenKey []byte, maxAge uint32) (string, error) {
	challengeEnc, err := challenge.Marshal()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s challenge=%s, token-key=%s",
		Scheme, encodeBase64(challengeEnc), encodeBase64(tokenKey))
	if maxAge > 0 {
		fmt.Fprintf(&b, ", max-age=%d", maxAge)
	}
	return b.String(), nil
}

// BuildAuthorizationHeader serializes a finalized token into an
// Authorization value presenting it for redemption.
func BuildAuthorizationHeader(token *tokens.Token) string {
	return fmt.Sprintf("%s token=%s", Scheme, encodeBase64(token.Marshal()))
}

// ParseAuthorizationHeader extracts the token presented in an
// Authorization value.
func ParseAuthorizationHeader(header string) (*tokens.Token, error) {
	if len(header) > maxHeaderLen {
		return nil, ErrHeaderTooLong
	}
	scheme, rest, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found {
		return nil, ErrMalformedHeader
	}
	if !strings.EqualFold(scheme, Scheme) {
		return nil, ErrUnsupportedScheme
	}

	var tokenEnc string
	for rest != "" {
		var item string
		item, rest, _ = cutParam(rest)
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, found := strings.Cut(item, "=")
		if !found {
			return nil, ErrMalformedHeader
		}
		if strings.EqualFold(strings.TrimSpace(key), "token") {
			tokenEnc = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	if tokenEnc == "" {
		return nil, ErrMalformedHeader
	}

	raw, err := decodeBase64(tokenEnc)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	return tokens.UnmarshalToken(raw)
}
