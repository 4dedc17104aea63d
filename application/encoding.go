// Defines the JSON envelopes and base64 conventions of the embedding
// boundary. Every entry point answers with a RetVal so a host that
// cannot unwind Go errors still gets a structured failure.

package application

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// RetVal is the uniform envelope returned by every boundary call.
// Error is empty on success.
type RetVal struct {
	Retval string `json:"retval"`
	Error  string `json:"error"`
}

// JSONTokens carries a batch of finalized tokens back to the host.
type JSONTokens struct {
	Tokens []string `json:"tokens"`
	Error  string   `json:"error"`
}

// KeyPair carries a freshly generated issuance key pair, both halves
// base64-encoded.
type KeyPair struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func marshalRetVal(retval string, err error) string {
	rv := RetVal{Retval: retval}
	if err != nil {
		rv.Error = err.Error()
	}
	out, jsonErr := json.Marshal(rv)
	if jsonErr != nil {
		return `{"retval":"","error":"failed to encode return value"}`
	}
	return string(out)
}

func marshalTokens(tokenEncs []string, err error) string {
	jt := JSONTokens{Tokens: tokenEncs}
	if err != nil {
		jt.Error = err.Error()
	}
	out, jsonErr := json.Marshal(jt)
	if jsonErr != nil {
		return `{"tokens":null,"error":"failed to encode return value"}`
	}
	return string(out)
}

// encodeBase64 emits padded URL-safe base64, the canonical form at
// this boundary.
func encodeBase64(data []byte) string {
	return base64.URLEncoding.EncodeToString(data)
}

// decodeBase64 accepts padded or unpadded URL-safe base64 from hosts.
func decodeBase64(s string) ([]byte, error) {
	if strings.Contains(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
