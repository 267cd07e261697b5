package p11

import (
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11demo/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11demo", "p11")

// Module is the subset of PKCS#11 API used by this package,
// implemented by *pkcs11.Ctx
type Module interface {
	Initialize(opts ...pkcs11.InitializeOption) error
	Finalize() error
	Destroy()

	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)

	InitToken(slotID uint, pin string, label string) error
	InitPIN(sh pkcs11.SessionHandle, pin string) error

	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error

	GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, public, private []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error)
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)

	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	VerifyInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error
	Verify(sh pkcs11.SessionHandle, data []byte, signature []byte) error
}

// ensure compiles
var _ Module = (*pkcs11.Ctx)(nil)

// Lib is the loaded and initialized PKCS#11 module
type Lib struct {
	Ctx Module
	// Name is the module name, used in logs and metrics
	Name string
}

// Open loads the PKCS#11 module from the path and initializes it
func Open(path string) (*Lib, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, errors.Errorf("unable to load PKCS#11 module: %s", path)
	}

	lib, err := New(ctx, filepath.Base(path))
	if err != nil {
		ctx.Destroy()
		return nil, err
	}
	return lib, nil
}

// New initializes the module
func New(ctx Module, name string) (*Lib, error) {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), name, "initialize")

	if err := ctx.Initialize(); err != nil {
		return nil, errors.WithMessagef(err, "Initialize %s", name)
	}
	logger.KV(xlog.DEBUG, "status", "initialized", "module", name)

	return &Lib{
		Ctx:  ctx,
		Name: name,
	}, nil
}

// Close finalizes and unloads the module
func (lib *Lib) Close() error {
	err := lib.Ctx.Finalize()
	lib.Ctx.Destroy()
	if err != nil {
		return errors.WithMessagef(err, "Finalize %s", lib.Name)
	}
	return nil
}

// InitToken initializes the token in the slot with SO PIN and label.
// All objects on the token are destroyed.
func (lib *Lib) InitToken(slotID uint, soPin, label string) error {
	defer lib.measure(time.Now(), "init_token")

	if err := lib.Ctx.InitToken(slotID, soPin, label); err != nil {
		return errors.WithMessagef(err, "InitToken on slot %d", slotID)
	}
	logger.KV(xlog.INFO, "status", "token_initialized", "slot", slotID, "label", label)
	return nil
}

// InitUserPIN logs in as security officer and sets the user PIN
func (lib *Lib) InitUserPIN(slotID uint, soPin, userPin string) (err error) {
	defer lib.measure(time.Now(), "init_pin")

	s, err := lib.OpenSession(slotID, pkcs11.CKU_SO, soPin)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err = lib.Ctx.InitPIN(s.Handle, userPin); err != nil {
		return errors.WithMessagef(err, "InitPIN on slot %d", slotID)
	}
	logger.KV(xlog.INFO, "status", "pin_initialized", "slot", slotID)
	return nil
}

// OpenUserSession opens RW session logged in as the user
func (lib *Lib) OpenUserSession(slotID uint, userPin string) (*Session, error) {
	return lib.OpenSession(slotID, pkcs11.CKU_USER, userPin)
}

// OpenSession opens RW session and logs in as userType
func (lib *Lib) OpenSession(slotID uint, userType uint, pin string) (*Session, error) {
	sh, err := lib.Ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, errors.WithMessagef(err, "OpenSession on slot %d", slotID)
	}

	if err = lib.Ctx.Login(sh, userType, pin); err != nil {
		_ = lib.Ctx.CloseSession(sh)
		return nil, errors.WithMessagef(err, "Login as %s on slot %d", UserTypeName(userType), slotID)
	}
	logger.KV(xlog.DEBUG, "status", "logged_in", "slot", slotID, "user", UserTypeName(userType))

	return &Session{
		lib:    lib,
		Handle: sh,
		SlotID: slotID,
	}, nil
}

func (lib *Lib) measure(started time.Time, action string) {
	metricskey.PerfTokenOperation.MeasureSince(started, lib.Name, action)
}

// UserTypeName returns the name of the user type
func UserTypeName(userType uint) string {
	switch userType {
	case pkcs11.CKU_SO:
		return "SO"
	case pkcs11.CKU_USER:
		return "User"
	case pkcs11.CKU_CONTEXT_SPECIFIC:
		return "ContextSpecific"
	}
	return "Unknown"
}
