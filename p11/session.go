package p11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// KeyType of the generated key pair
type KeyType string

// Key types
const (
	KeyTypeEC  KeyType = "EC"
	KeyTypeRSA KeyType = "RSA"
)

// Session is RW session, logged in on a slot
type Session struct {
	lib    *Lib
	Handle pkcs11.SessionHandle
	SlotID uint
}

// Close logs out and closes the session
func (s *Session) Close() error {
	if err := s.lib.Ctx.Logout(s.Handle); err != nil {
		logger.KV(xlog.WARNING, "reason", "logout", "slot", s.SlotID, "err", err.Error())
	}
	if err := s.lib.Ctx.CloseSession(s.Handle); err != nil {
		return errors.WithMessagef(err, "CloseSession on slot %d", s.SlotID)
	}
	return nil
}

// KeyPair is the handles of generated keys
type KeyPair struct {
	Type    KeyType
	Label   string
	Public  pkcs11.ObjectHandle
	Private pkcs11.ObjectHandle
	// Curve is set for EC keys
	Curve *Curve
}

// ECKeyRequest specifies EC key pair to generate
type ECKeyRequest struct {
	Curve *Curve
	// Label is the prefix, the keys are labeled as <label>_pub and <label>_private
	Label string
	// Ephemeral keys are not stored on the token
	Ephemeral bool
}

// RSAKeyRequest specifies RSA key pair to generate
type RSAKeyRequest struct {
	Bits int
	// Label is the prefix, the keys are labeled as <label>_pub and <label>_private
	Label     string
	Ephemeral bool
}

// DefaultRSAExponent is the public exponent, 65537
var DefaultRSAExponent = []byte{0x01, 0x00, 0x01}

// GenerateECKeyPair generates EC key pair on the token
func (s *Session) GenerateECKeyPair(req ECKeyRequest) (*KeyPair, error) {
	defer s.lib.measure(time.Now(), "genkey_ec")

	if req.Curve == nil {
		req.Curve = Secp256k1
	}
	params, err := req.Curve.Params()
	if err != nil {
		return nil, err
	}

	pub := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, !req.Ephemeral),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, false),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, req.Label+"_pub"),
	}
	priv := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, !req.Ephemeral),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, req.Label+"_private"),
	}

	kp, err := s.generateKeyPair(pkcs11.CKM_EC_KEY_PAIR_GEN, pub, priv)
	if err != nil {
		return nil, err
	}
	kp.Type = KeyTypeEC
	kp.Label = req.Label
	kp.Curve = req.Curve

	logger.KV(xlog.INFO, "status", "generated", "type", kp.Type, "curve", req.Curve.Name, "label", req.Label)
	return kp, nil
}

// GenerateRSAKeyPair generates RSA key pair on the token
func (s *Session) GenerateRSAKeyPair(req RSAKeyRequest) (*KeyPair, error) {
	defer s.lib.measure(time.Now(), "genkey_rsa")

	if req.Bits == 0 {
		req.Bits = 2048
	}

	pub := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, !req.Ephemeral),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, false),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, req.Bits),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, DefaultRSAExponent),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, req.Label+"_pub"),
	}
	priv := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, !req.Ephemeral),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, req.Label+"_private"),
	}

	kp, err := s.generateKeyPair(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, pub, priv)
	if err != nil {
		return nil, err
	}
	kp.Type = KeyTypeRSA
	kp.Label = req.Label

	logger.KV(xlog.INFO, "status", "generated", "type", kp.Type, "bits", req.Bits, "label", req.Label)
	return kp, nil
}

func (s *Session) generateKeyPair(mech uint, pub, priv []*pkcs11.Attribute) (*KeyPair, error) {
	pubHandle, privHandle, err := s.lib.Ctx.GenerateKeyPair(s.Handle,
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)},
		pub, priv)
	if err != nil {
		return nil, errors.WithMessagef(err, "GenerateKeyPair on slot %d", s.SlotID)
	}
	return &KeyPair{
		Public:  pubHandle,
		Private: privHandle,
	}, nil
}

// Sign signs data with the private key
func (s *Session) Sign(mech uint, priv pkcs11.ObjectHandle, data []byte) ([]byte, error) {
	defer s.lib.measure(time.Now(), "sign")

	if err := s.lib.Ctx.SignInit(s.Handle, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, priv); err != nil {
		return nil, errors.WithMessagef(err, "SignInit on slot %d", s.SlotID)
	}
	sig, err := s.lib.Ctx.Sign(s.Handle, data)
	if err != nil {
		return nil, errors.WithMessagef(err, "Sign on slot %d", s.SlotID)
	}
	logger.KV(xlog.DEBUG, "status", "signed", "slot", s.SlotID, "size", len(sig))
	return sig, nil
}

// Verify verifies the signature with the public key
func (s *Session) Verify(mech uint, pub pkcs11.ObjectHandle, data, signature []byte) error {
	defer s.lib.measure(time.Now(), "verify")

	if err := s.lib.Ctx.VerifyInit(s.Handle, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, pub); err != nil {
		return errors.WithMessagef(err, "VerifyInit on slot %d", s.SlotID)
	}
	if err := s.lib.Ctx.Verify(s.Handle, data, signature); err != nil {
		return errors.WithMessagef(err, "Verify on slot %d", s.SlotID)
	}
	return nil
}

// PublicKey returns *rsa.PublicKey or *ecdsa.PublicKey of the key pair,
// secp256k1 keys are returned as *btcec.PublicKey
func (s *Session) PublicKey(kp *KeyPair) (crypto.PublicKey, error) {
	switch kp.Type {
	case KeyTypeRSA:
		attrs, err := s.lib.Ctx.GetAttributeValue(s.Handle, kp.Public, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "GetAttributeValue on slot %d", s.SlotID)
		}
		var modulus, exponent []byte
		for _, a := range attrs {
			switch a.Type {
			case pkcs11.CKA_MODULUS:
				modulus = a.Value
			case pkcs11.CKA_PUBLIC_EXPONENT:
				exponent = a.Value
			}
		}
		if len(modulus) == 0 || len(exponent) == 0 {
			return nil, errors.Errorf("invalid RSA public key %q", kp.Label)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(modulus),
			E: int(new(big.Int).SetBytes(exponent).Int64()),
		}, nil

	case KeyTypeEC:
		if kp.Curve == nil || kp.Curve.Elliptic == nil {
			return nil, errors.WithStack(ErrUnsupportedCurve)
		}
		attrs, err := s.lib.Ctx.GetAttributeValue(s.Handle, kp.Public, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "GetAttributeValue on slot %d", s.SlotID)
		}
		if len(attrs) == 0 {
			return nil, errors.Errorf("invalid EC public key %q", kp.Label)
		}
		point := decodeECPoint(attrs[0].Value, kp.Curve.Elliptic)
		if kp.Curve == Secp256k1 {
			pub, err := btcec.ParsePubKey(point)
			if err != nil {
				return nil, errors.WithMessagef(err, "invalid EC point of %q", kp.Label)
			}
			return pub, nil
		}
		pub, err := ecdsa.ParseUncompressedPublicKey(kp.Curve.Elliptic, point)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid EC point of %q", kp.Label)
		}
		return pub, nil
	}
	return nil, errors.Errorf("unsupported key type: %q", kp.Type)
}
