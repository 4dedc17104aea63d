// Key encoding for the blind RSA type. The token key identifier is
// derived from a SubjectPublicKeyInfo carrying the RSASSA-PSS algorithm
// identifier with SHA-384 parameters, per the ciphersuite registration,
// not the plain rsaEncryption form the x509 package emits.

package type2

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
)

var (
	oidRSASSAPSS = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	oidMGF1      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}
	oidSHA384    = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
)

type pssParameters struct {
	Hash       pkix.AlgorithmIdentifier `asn1:"explicit,tag:0"`
	MGF        pkix.AlgorithmIdentifier `asn1:"explicit,tag:1"`
	SaltLength int                      `asn1:"explicit,tag:2"`
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// MarshalTokenKey returns the canonical encoding of an issuer public
// key, the byte string the token key identifier is derived from.
func MarshalTokenKey(pub *rsa.PublicKey) ([]byte, error) {
	hashAlg := pkix.AlgorithmIdentifier{
		Algorithm:  oidSHA384,
		Parameters: asn1.NullRawValue,
	}
	hashEnc, err := asn1.Marshal(hashAlg)
	if err != nil {
		return nil, err
	}

	paramsEnc, err := asn1.Marshal(pssParameters{
		Hash: hashAlg,
		MGF: pkix.AlgorithmIdentifier{
			Algorithm:  oidMGF1,
			Parameters: asn1.RawValue{FullBytes: hashEnc},
		},
		SaltLength: 48,
	})
	if err != nil {
		return nil, err
	}

	keyEnc := x509.MarshalPKCS1PublicKey(pub)
	return asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oidRSASSAPSS,
			Parameters: asn1.RawValue{FullBytes: paramsEnc},
		},
		PublicKey: asn1.BitString{
			Bytes:     keyEnc,
			BitLength: 8 * len(keyEnc),
		},
	})
}

// UnmarshalTokenKey decodes an issuer public key from its canonical
// SubjectPublicKeyInfo encoding. The algorithm identifier is not
// interpreted beyond framing; the ciphersuite fixes the parameters.
func UnmarshalTokenKey(data []byte) (*rsa.PublicKey, error) {
	var spki subjectPublicKeyInfo
	if rest, err := asn1.Unmarshal(data, &spki); err != nil {
		return nil, err
	} else if len(rest) > 0 {
		return nil, asn1.SyntaxError{Msg: "trailing data after SubjectPublicKeyInfo"}
	}
	return x509.ParsePKCS1PublicKey(spki.PublicKey.Bytes)
}

// GenerateKey creates a fresh 2048-bit issuance key pair. If rnd is
// nil, crypto/rand is used.
func GenerateKey(rnd io.Reader) (*rsa.PrivateKey, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	return rsa.GenerateKey(rnd, 2048)
}

// MarshalPrivateKey encodes the issuance key in PKCS #1 form.
func MarshalPrivateKey(key *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(key)
}

// UnmarshalPrivateKey decodes a PKCS #1 issuance key.
func UnmarshalPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	return x509.ParsePKCS1PrivateKey(data)
}
