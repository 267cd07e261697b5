package cli

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11demo/p11"
	jose "github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}

// Export formats
const (
	ExportNone = ""
	ExportPEM  = "pem"
	ExportJWK  = "jwk"
)

func validateExport(format string) error {
	switch strings.ToLower(format) {
	case ExportNone, ExportPEM, ExportJWK:
		return nil
	}
	return errors.Errorf("unsupported export format: %q", format)
}

// exportPublicKey prints the public key of the pair
func (c *Cli) exportPublicKey(s *p11.Session, kp *p11.KeyPair, format string) error {
	format = strings.ToLower(format)
	if format == ExportNone {
		return nil
	}

	pub, err := s.PublicKey(kp)
	if err != nil {
		return err
	}

	var alg string
	if method, err := getSigningMethod(kp); err == nil {
		alg = method.Alg()
	}

	out := c.Writer()
	switch format {
	case ExportPEM:
		b, err := encodePublicKeyToPEM(pub)
		if err != nil {
			return err
		}
		fmt.Fprint(out, string(b))
	case ExportJWK:
		b, err := encodePublicKeyToJWK(pub, kp.Label, alg)
		if err != nil {
			return errors.WithMessage(err, "failed to encode JWK")
		}
		fmt.Fprintln(out, string(b))
	}
	return nil
}

func encodePublicKeyToPEM(pub crypto.PublicKey) ([]byte, error) {
	var der []byte
	var err error
	if key, ok := pub.(*btcec.PublicKey); ok {
		der, err = marshalSecp256k1PublicKey(key)
	} else {
		der, err = x509.MarshalPKIXPublicKey(pub)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}), nil
}

// marshalSecp256k1PublicKey returns SubjectPublicKeyInfo,
// crypto/x509 does not support secp256k1
func marshalSecp256k1PublicKey(key *btcec.PublicKey) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidPublicKeyECDSA)
			b.AddASN1ObjectIdentifier(p11.Secp256k1.OID)
		})
		b.AddASN1BitString(key.SerializeUncompressed())
	})
	return b.Bytes()
}

// secp256k1JWK is EC JWK as defined in RFC 8812
type secp256k1JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Crv string `json:"crv"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func encodePublicKeyToJWK(pub crypto.PublicKey, kid, alg string) ([]byte, error) {
	if key, ok := pub.(*btcec.PublicKey); ok {
		point := key.SerializeUncompressed()
		return json.Marshal(secp256k1JWK{
			Kty: "EC",
			Kid: kid,
			Crv: "secp256k1",
			Alg: alg,
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(point[1:33]),
			Y:   base64.RawURLEncoding.EncodeToString(point[33:]),
		})
	}

	jwk := jose.JSONWebKey{
		Key:       pub,
		KeyID:     kid,
		Algorithm: alg,
		Use:       "sig",
	}
	return jwk.MarshalJSON()
}
