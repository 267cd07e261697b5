package p11

import (
	"crypto/elliptic"
	"encoding/asn1"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrUnsupportedCurve is returned when the key pair has no known curve
var ErrUnsupportedCurve = errors.New("unsupported curve")

// Curve is a named elliptic curve
type Curve struct {
	Name string
	OID  asn1.ObjectIdentifier
	// Elliptic is used to parse the public key,
	// secp256k1 is provided by btcec
	Elliptic elliptic.Curve
}

// Curves
var (
	Secp256k1 = &Curve{Name: "secp256k1", OID: asn1.ObjectIdentifier{1, 3, 132, 0, 10}, Elliptic: btcec.S256()}
	P256      = &Curve{Name: "P-256", OID: asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, Elliptic: elliptic.P256()}
	P384      = &Curve{Name: "P-384", OID: asn1.ObjectIdentifier{1, 3, 132, 0, 34}, Elliptic: elliptic.P384()}
	P521      = &Curve{Name: "P-521", OID: asn1.ObjectIdentifier{1, 3, 132, 0, 35}, Elliptic: elliptic.P521()}
)

var curves = []*Curve{Secp256k1, P256, P384, P521}

// CurveNames returns names of the supported curves
func CurveNames() []string {
	names := make([]string, len(curves))
	for i, c := range curves {
		names[i] = c.Name
	}
	return names
}

// CurveByName returns the curve, the name is case insensitive
// and accepts secp256r1/prime256v1 aliases
func CurveByName(name string) (*Curve, error) {
	switch strings.ToLower(name) {
	case "secp256k1":
		return Secp256k1, nil
	case "p-256", "p256", "secp256r1", "prime256v1":
		return P256, nil
	case "p-384", "p384", "secp384r1":
		return P384, nil
	case "p-521", "p521", "secp521r1":
		return P521, nil
	}
	return nil, errors.Errorf("unsupported curve: %q", name)
}

// Params returns DER encoded named curve, the value of CKA_EC_PARAMS
func (c *Curve) Params() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1ObjectIdentifier(c.OID)
	der, err := b.Bytes()
	if err != nil {
		return nil, errors.WithMessagef(err, "encode %s params", c.Name)
	}
	return der, nil
}

// decodeECPoint returns the uncompressed point from CKA_EC_POINT value,
// which is DER encoded OCTET STRING. Some modules return the raw point.
func decodeECPoint(raw []byte, curve elliptic.Curve) []byte {
	size := 1 + 2*((curve.Params().BitSize+7)/8)
	if len(raw) == size && raw[0] == 4 {
		return raw
	}

	s := cryptobyte.String(raw)
	var point cryptobyte.String
	if s.ReadASN1(&point, casn1.OCTET_STRING) && s.Empty() {
		return point
	}
	return raw
}
