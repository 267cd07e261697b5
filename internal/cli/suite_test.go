package cli

import (
	"bytes"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11demo/p11"
	"github.com/effective-security/p11demo/p11/p11mock"
	"github.com/effective-security/p11demo/p11config"
	"github.com/effective-security/x/ctl"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/suite"
)

const (
	testSoPin   = "so-1234"
	testUserPin = "user-4321"
	rwSession   = uint(pkcs11.CKF_SERIAL_SESSION | pkcs11.CKF_RW_SESSION)
)

type testSuite struct {
	suite.Suite

	ctl *Cli
	// Out is the outpub buffer
	Out bytes.Buffer
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.ctl = &Cli{}

	s.ctl.WithErrWriter(&s.Out).
		WithWriter(&s.Out)

	parser, err := kong.New(s.ctl,
		kong.Name("p11-test"),
		kong.Description("PKCS#11 test tool"),
		kong.Writers(&s.Out, &s.Out),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}

	s.ctl.cfg = &p11config.Config{
		Path:       "/usr/lib/softhsm/libsofthsm2.so",
		SoPin:      testSoPin,
		UserPin:    testUserPin,
		TokenLabel: p11config.DefaultTokenLabel,
	}
}

func (s *testSuite) TearDownTest() {
}

// mockLib sets mocked PKCS#11 module, expected to be closed by the command
func (s *testSuite) mockLib() *p11mock.Module {
	m := &p11mock.Module{}
	m.On("Initialize").Return(nil).Once()
	m.On("Finalize").Return(nil).Once()
	m.On("Destroy").Return().Once()

	lib, err := p11.New(m, "mocked.so")
	s.Require().NoError(err)
	s.ctl.lib = lib
	return m
}

// mockUserSession sets the expectations for the token initialization
// in slot 3, the user session is returned with handle 2
func (s *testSuite) mockUserSession(m *p11mock.Module) pkcs11.SessionHandle {
	return s.mockUserSessionClose(m, nil)
}

// mockUserSessionClose is mockUserSession, with closeErr returned
// on closing the user session
func (s *testSuite) mockUserSessionClose(m *p11mock.Module, closeErr error) pkcs11.SessionHandle {
	soSession := pkcs11.SessionHandle(1)
	userSession := pkcs11.SessionHandle(2)

	m.On("GetSlotList", true).Return([]uint{3, 4}, nil).Once()
	m.On("GetSlotInfo", uint(3)).Return(pkcs11.SlotInfo{SlotDescription: "SoftHSM slot ID 0x3", Flags: pkcs11.CKF_TOKEN_PRESENT}, nil).Once()
	m.On("GetTokenInfo", uint(3)).Return(pkcs11.TokenInfo{}, nil).Once()
	m.On("GetSlotInfo", uint(4)).Return(pkcs11.SlotInfo{SlotDescription: "SoftHSM slot ID 0x4", Flags: pkcs11.CKF_TOKEN_PRESENT}, nil).Once()
	m.On("GetTokenInfo", uint(4)).Return(pkcs11.TokenInfo{}, nil).Once()

	m.On("InitToken", uint(3), testSoPin, p11config.DefaultTokenLabel).Return(nil).Once()

	m.On("OpenSession", uint(3), rwSession).Return(soSession, nil).Once()
	m.On("Login", soSession, uint(pkcs11.CKU_SO), testSoPin).Return(nil).Once()
	m.On("InitPIN", soSession, testUserPin).Return(nil).Once()
	m.On("Logout", soSession).Return(nil).Once()
	m.On("CloseSession", soSession).Return(nil).Once()

	m.On("OpenSession", uint(3), rwSession).Return(userSession, nil).Once()
	m.On("Login", userSession, uint(pkcs11.CKU_USER), testUserPin).Return(nil).Once()
	m.On("Logout", userSession).Return(nil).Once()
	m.On("CloseSession", userSession).Return(closeErr).Once()

	return userSession
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// HasNoText is a helper method to assert that the out stream does not contain the supplied
// text anywhere
func (s *testSuite) HasNoText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.NotContains(outStr, t)
	}
}
