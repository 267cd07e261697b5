// Package p11mock provides mocked PKCS#11 module for unit tests
package p11mock

import (
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/mock"
)

// Module is mocked p11.Module
type Module struct {
	mock.Mock
}

// Initialize mock
func (m *Module) Initialize(opts ...pkcs11.InitializeOption) error {
	args := make([]any, len(opts))
	for i, o := range opts {
		args[i] = o
	}
	return m.Called(args...).Error(0)
}

// Finalize mock
func (m *Module) Finalize() error {
	return m.Called().Error(0)
}

// Destroy mock
func (m *Module) Destroy() {
	m.Called()
}

// GetSlotList mock
func (m *Module) GetSlotList(tokenPresent bool) ([]uint, error) {
	args := m.Called(tokenPresent)
	list, _ := args.Get(0).([]uint)
	return list, args.Error(1)
}

// GetSlotInfo mock
func (m *Module) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	args := m.Called(slotID)
	return args.Get(0).(pkcs11.SlotInfo), args.Error(1)
}

// GetTokenInfo mock
func (m *Module) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	args := m.Called(slotID)
	return args.Get(0).(pkcs11.TokenInfo), args.Error(1)
}

// InitToken mock
func (m *Module) InitToken(slotID uint, pin string, label string) error {
	return m.Called(slotID, pin, label).Error(0)
}

// InitPIN mock
func (m *Module) InitPIN(sh pkcs11.SessionHandle, pin string) error {
	return m.Called(sh, pin).Error(0)
}

// OpenSession mock
func (m *Module) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	args := m.Called(slotID, flags)
	return args.Get(0).(pkcs11.SessionHandle), args.Error(1)
}

// CloseSession mock
func (m *Module) CloseSession(sh pkcs11.SessionHandle) error {
	return m.Called(sh).Error(0)
}

// Login mock
func (m *Module) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	return m.Called(sh, userType, pin).Error(0)
}

// Logout mock
func (m *Module) Logout(sh pkcs11.SessionHandle) error {
	return m.Called(sh).Error(0)
}

// GenerateKeyPair mock
func (m *Module) GenerateKeyPair(sh pkcs11.SessionHandle, mech []*pkcs11.Mechanism, public, private []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
	args := m.Called(sh, mech, public, private)
	return args.Get(0).(pkcs11.ObjectHandle), args.Get(1).(pkcs11.ObjectHandle), args.Error(2)
}

// GetAttributeValue mock
func (m *Module) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	args := m.Called(sh, o, a)
	list, _ := args.Get(0).([]*pkcs11.Attribute)
	return list, args.Error(1)
}

// SignInit mock
func (m *Module) SignInit(sh pkcs11.SessionHandle, mech []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	return m.Called(sh, mech, o).Error(0)
}

// Sign mock
func (m *Module) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	args := m.Called(sh, message)
	sig, _ := args.Get(0).([]byte)
	return sig, args.Error(1)
}

// VerifyInit mock
func (m *Module) VerifyInit(sh pkcs11.SessionHandle, mech []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error {
	return m.Called(sh, mech, key).Error(0)
}

// Verify mock
func (m *Module) Verify(sh pkcs11.SessionHandle, data []byte, signature []byte) error {
	return m.Called(sh, data, signature).Error(0)
}

// Mechanism returns matcher for the mechanism type
func Mechanism(mech uint) any {
	return mock.MatchedBy(func(m []*pkcs11.Mechanism) bool {
		return len(m) == 1 && m[0].Mechanism == mech
	})
}

// HasAttribute returns matcher for template containing the attribute with the value
func HasAttribute(typ uint, value any) any {
	expected := pkcs11.NewAttribute(typ, value)
	return mock.MatchedBy(func(list []*pkcs11.Attribute) bool {
		for _, a := range list {
			if a.Type == typ && string(a.Value) == string(expected.Value) {
				return true
			}
		}
		return false
	})
}
