package cli

import (
	"crypto"
	_ "crypto/sha256" // register hashes
	_ "crypto/sha512"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11demo/p11"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xlog"
	"github.com/golang-jwt/jwt/v5"
	"github.com/miekg/pkcs11"
)

// TokenIssuer is the issuer claim of JWT signed by the token key
const TokenIssuer = "p11demo"

// tokenKey is the key pair in a logged in session,
// used as JWT signing and verification key
type tokenKey struct {
	s  *p11.Session
	kp *p11.KeyPair
}

// signingMethod implements jwt.SigningMethod with the key on the token
type signingMethod struct {
	alg  string
	mech uint
	// hash is zero when the mechanism hashes the data
	hash crypto.Hash
}

func (m *signingMethod) Alg() string {
	return m.alg
}

func (m *signingMethod) digest(signingString string) []byte {
	if m.hash == 0 {
		return []byte(signingString)
	}
	h := m.hash.New()
	_, _ = h.Write([]byte(signingString))
	return h.Sum(nil)
}

// Sign returns raw r||s for ECDSA, as JWS expects
func (m *signingMethod) Sign(signingString string, key any) ([]byte, error) {
	k, ok := key.(*tokenKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return k.s.Sign(m.mech, k.kp.Private, m.digest(signingString))
}

func (m *signingMethod) Verify(signingString string, sig []byte, key any) error {
	k, ok := key.(*tokenKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	return k.s.Verify(m.mech, k.kp.Public, m.digest(signingString), sig)
}

// signingMethodES256K is not provided by jwt package,
// registered to be resolved by the parser
var signingMethodES256K = &signingMethod{alg: "ES256K", mech: pkcs11.CKM_ECDSA, hash: crypto.SHA256}

func init() {
	jwt.RegisterSigningMethod(signingMethodES256K.Alg(), func() jwt.SigningMethod {
		return signingMethodES256K
	})
}

func getSigningMethod(kp *p11.KeyPair) (*signingMethod, error) {
	switch kp.Type {
	case p11.KeyTypeRSA:
		return &signingMethod{alg: "RS256", mech: pkcs11.CKM_SHA256_RSA_PKCS}, nil
	case p11.KeyTypeEC:
		switch kp.Curve {
		case p11.P521:
			return &signingMethod{alg: "ES512", mech: pkcs11.CKM_ECDSA, hash: crypto.SHA512}, nil
		case p11.P384:
			return &signingMethod{alg: "ES384", mech: pkcs11.CKM_ECDSA, hash: crypto.SHA384}, nil
		case p11.P256:
			return &signingMethod{alg: "ES256", mech: pkcs11.CKM_ECDSA, hash: crypto.SHA256}, nil
		case p11.Secp256k1:
			return signingMethodES256K, nil
		}
	}
	return nil, errors.Errorf("key not supported for JWT: %s", kp.Type)
}

// signToken returns JWT signed and verified by the key pair on the token
func signToken(s *p11.Session, kp *p11.KeyPair, expiry time.Duration) (string, error) {
	method, err := getSigningMethod(kp)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := &jwt.RegisteredClaims{
		ID:        guid.MustCreate(),
		Issuer:    TokenIssuer,
		Subject:   kp.Label,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}

	key := &tokenKey{s: s, kp: kp}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kp.Label

	tokenString, err := token.SignedString(key)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to sign token")
	}

	// the parser resolves ES256 and others to methods with Go keys,
	// the signature is verified by the token
	parser := jwt.NewParser()
	parsed, parts, err := parser.ParseUnverified(tokenString, &jwt.RegisteredClaims{})
	if err != nil {
		return "", errors.WithMessagef(err, "failed to parse token")
	}
	sig, err := parser.DecodeSegment(parts[2])
	if err != nil {
		return "", errors.WithMessagef(err, "failed to decode signature")
	}
	if err = method.Verify(strings.Join(parts[:2], "."), sig, key); err != nil {
		return "", errors.WithMessagef(err, "failed to verify token")
	}
	if err = jwt.NewValidator(jwt.WithIssuer(TokenIssuer), jwt.WithExpirationRequired()).Validate(parsed.Claims); err != nil {
		return "", errors.WithMessagef(err, "invalid token")
	}

	logger.KV(xlog.DEBUG, "status", "token_signed", "alg", method.Alg(), "kid", kp.Label, "jti", claims.ID)
	return tokenString, nil
}

// printToken prints JWT signed by the key pair
func (c *Cli) printToken(s *p11.Session, kp *p11.KeyPair, expiry time.Duration) error {
	token, err := signToken(s, kp, expiry)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Writer(), "JWT: %s\n", token)
	return nil
}
