package cli

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11demo/p11"
	"github.com/effective-security/p11demo/p11/p11mock"
	"github.com/effective-security/p11demo/p11config"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/suite"
)

type cliSuite struct {
	testSuite
}

func TestCliSuite(t *testing.T) {
	suite.Run(t, new(cliSuite))
}

func (s *cliSuite) TestWriters() {
	s.Equal(&s.Out, s.ctl.Writer())
	s.Equal(&s.Out, s.ctl.ErrWriter())

	c := &Cli{}
	s.NotNil(c.Writer())
	s.NotNil(c.ErrWriter())
}

func (s *cliSuite) TestAfterApply() {
	c := &Cli{LogLevel: "=info"}
	s.NoError(c.AfterApply(nil, nil))

	c = &Cli{Debug: true}
	s.NoError(c.AfterApply(nil, nil))

	c = &Cli{LogLevel: "verbose"}
	s.Error(c.AfterApply(nil, nil))
}

func (s *cliSuite) TestConfig() {
	s.T().Setenv(p11config.EnvModule, "/opt/lib/libp11.so")
	s.T().Setenv(p11config.EnvSoPin, "")
	s.T().Setenv(p11config.EnvUserPin, "")

	c := &Cli{}
	cfg, err := c.Config()
	s.Require().NoError(err)
	s.Equal("/opt/lib/libp11.so", cfg.Path)
	s.Equal(p11config.DefaultSoPin, cfg.SoPin)

	// cached
	cfg2, err := c.Config()
	s.Require().NoError(err)
	s.Same(cfg, cfg2)

	c = &Cli{Cfg: "/nonexistent/p11.yaml"}
	_, err = c.Config()
	s.Error(err)
	_, err = c.Lib()
	s.Error(err)
}

func (s *cliSuite) TestLib() {
	m := &p11mock.Module{}
	m.On("Initialize").Return(nil).Once()
	m.On("Finalize").Return(pkcs11.Error(pkcs11.CKR_GENERAL_ERROR)).Once()
	m.On("Destroy").Return().Once()

	var opened string
	orig := OpenLib
	defer func() { OpenLib = orig }()
	OpenLib = func(path string) (*p11.Lib, error) {
		opened = path
		return p11.New(m, "mocked.so")
	}

	lib, err := s.ctl.Lib()
	s.Require().NoError(err)
	s.Equal("/usr/lib/softhsm/libsofthsm2.so", opened)

	lib2, err := s.ctl.Lib()
	s.Require().NoError(err)
	s.Same(lib, lib2)

	// error is logged
	s.ctl.Close()
	s.Nil(s.ctl.lib)
	// no-op
	s.ctl.Close()

	OpenLib = func(path string) (*p11.Lib, error) {
		return nil, errors.Errorf("unable to load PKCS#11 module: %s", path)
	}
	_, err = s.ctl.Lib()
	s.Require().Error(err)
	s.Equal("unable to load PKCS#11 module: /usr/lib/softhsm/libsofthsm2.so", err.Error())

	m.AssertExpectations(s.T())
}

func (s *cliSuite) TestUserSession() {
	m := s.mockLib()
	sh := s.mockUserSession(m)

	session, err := s.ctl.UserSession()
	s.Require().NoError(err)
	s.Equal(sh, session.Handle)
	s.Equal(uint(3), session.SlotID)
	s.HasText("slots: \nSlot 0x3: \"SoftHSM slot ID 0x3\"")
	s.HasNoText("Slot 0x4")

	s.Require().NoError(session.Close())
	s.ctl.Close()
	m.AssertExpectations(s.T())
}

func (s *cliSuite) TestUserSession_InitTokenFailed() {
	m := &p11mock.Module{}
	m.On("Initialize").Return(nil).Once()
	lib, err := p11.New(m, "mocked.so")
	s.Require().NoError(err)
	s.ctl.lib = lib

	m.On("GetSlotList", true).Return([]uint{3}, nil).Once()
	m.On("GetSlotInfo", uint(3)).Return(pkcs11.SlotInfo{Flags: pkcs11.CKF_TOKEN_PRESENT}, nil).Once()
	m.On("GetTokenInfo", uint(3)).Return(pkcs11.TokenInfo{}, nil).Once()
	m.On("InitToken", uint(3), testSoPin, p11config.DefaultTokenLabel).Return(pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)).Once()

	_, err = s.ctl.UserSession()
	s.Require().Error(err)
	s.Contains(err.Error(), "InitToken on slot 3: ")
	s.True(errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)))

	m.On("GetSlotList", true).Return([]uint{}, nil).Once()
	_, err = s.ctl.UserSession()
	s.Require().Error(err)
	s.Equal("no slots with token found in mocked.so", err.Error())

	m.AssertExpectations(s.T())
}
