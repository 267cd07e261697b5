package cli

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11demo/p11"
	"github.com/miekg/pkcs11"
)

// RsaCmd initializes the token and generates RSA key pair
type RsaCmd struct {
	Bits      int           `help:"modulus size in bits" default:"2048"`
	Label     string        `help:"key label prefix" default:"rsa"`
	Ephemeral bool          `help:"generate session keys, not stored on the token"`
	Sign      bool          `help:"sign and verify a sample message with SHA256-RSA-PKCS"`
	Export    string        `help:"print the public key: pem|jwk"`
	JWT       bool          `help:"print JWT signed by the generated key"`
	Expiry    time.Duration `help:"JWT expiry" default:"1h"`
}

// Run the command
func (a *RsaCmd) Run(ctx *Cli) (err error) {
	if a.Bits < 1024 {
		return errors.Errorf("RSA key is too weak: %d", a.Bits)
	}
	if err = validateExport(a.Export); err != nil {
		return err
	}

	defer ctx.Close()

	s, err := ctx.UserSession()
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	kp, err := s.GenerateRSAKeyPair(p11.RSAKeyRequest{
		Bits:      a.Bits,
		Label:     a.Label,
		Ephemeral: a.Ephemeral,
	})
	if err != nil {
		return err
	}

	out := ctx.Writer()
	fmt.Fprintf(out, "Successfully generated RSA key pair: '%s'\n", a.Label)

	if a.Sign {
		signature, err := s.Sign(pkcs11.CKM_SHA256_RSA_PKCS, kp.Private, DefaultMessage)
		if err != nil {
			return err
		}
		if err = s.Verify(pkcs11.CKM_SHA256_RSA_PKCS, kp.Public, DefaultMessage, signature); err != nil {
			return err
		}
		fmt.Fprintf(out, "Successfully verified a signature: '%v'\n", signature)
	}

	if err = ctx.exportPublicKey(s, kp, a.Export); err != nil {
		return err
	}
	if a.JWT {
		return ctx.printToken(s, kp, a.Expiry)
	}
	return nil
}
