package cli

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11demo/p11"
	"github.com/miekg/pkcs11"
)

// DefaultMessage is the data signed by default
var DefaultMessage = []byte{1, 2, 3, 4, 5, 6, 7}

// EcdsaCmd initializes the token, generates EC key pair,
// signs the message and verifies the signature
type EcdsaCmd struct {
	Curve     string        `help:"elliptic curve: ${curves}" default:"secp256k1"`
	Label     string        `help:"key label prefix" default:"ec"`
	Ephemeral bool          `help:"generate session keys, not stored on the token"`
	Message   string        `help:"hex encoded data to sign, by default 01020304050607"`
	Export    string        `help:"print the public key: pem|jwk"`
	JWT       bool          `help:"print JWT signed by the generated key"`
	Expiry    time.Duration `help:"JWT expiry" default:"1h"`
}

// Run the command
func (a *EcdsaCmd) Run(ctx *Cli) (err error) {
	curve, err := p11.CurveByName(a.Curve)
	if err != nil {
		return err
	}
	if err = validateExport(a.Export); err != nil {
		return err
	}
	data := DefaultMessage
	if a.Message != "" {
		if data, err = hex.DecodeString(a.Message); err != nil {
			return errors.WithMessage(err, "invalid message")
		}
	}

	defer ctx.Close()

	s, err := ctx.UserSession()
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	kp, err := s.GenerateECKeyPair(p11.ECKeyRequest{
		Curve:     curve,
		Label:     a.Label,
		Ephemeral: a.Ephemeral,
	})
	if err != nil {
		return err
	}

	signature, err := s.Sign(pkcs11.CKM_ECDSA, kp.Private, data)
	if err != nil {
		return err
	}
	if err = s.Verify(pkcs11.CKM_ECDSA, kp.Public, data, signature); err != nil {
		return err
	}

	fmt.Fprintf(ctx.Writer(), "Successfully verified a signature: '%v'\n", signature)

	if err = ctx.exportPublicKey(s, kp, a.Export); err != nil {
		return err
	}
	if a.JWT {
		return ctx.printToken(s, kp, a.Expiry)
	}
	return nil
}
