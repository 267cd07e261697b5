package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11demo/p11"
	"github.com/effective-security/p11demo/p11config"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11demo", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Cfg      string           `help:"Location of PKCS#11 config file, yaml or json (optional)" type:"path"`
	Debug    bool             `short:"D" help:"Enable debug mode"`
	LogLevel string           `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`
	Version  kong.VersionFlag `name:"version" help:"Print version and exit"`

	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	cfg *p11config.Config
	lib *p11.Lib
}

// OpenLib loads PKCS#11 module, can be overridden in tests
var OpenLib = p11.Open

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(app *kong.Kong, vars kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// Config returns the configuration, loaded from --cfg file and environment
func (c *Cli) Config() (*p11config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := p11config.Load(c.Cfg)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return c.cfg, nil
}

// Lib returns the initialized PKCS#11 module
func (c *Cli) Lib() (*p11.Lib, error) {
	if c.lib != nil {
		return c.lib, nil
	}
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}
	lib, err := OpenLib(cfg.Path)
	if err != nil {
		return nil, err
	}
	c.lib = lib
	return c.lib, nil
}

// Close finalizes the PKCS#11 module, if loaded
func (c *Cli) Close() {
	if c.lib == nil {
		return
	}
	if err := c.lib.Close(); err != nil {
		logger.KV(xlog.WARNING, "reason", "close", "module", c.lib.Name, "err", err.Error())
	}
	c.lib = nil
}

// UserSession initializes the token in the first slot, sets the user PIN,
// and returns the session logged in as the user
func (c *Cli) UserSession() (*p11.Session, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}
	lib, err := c.Lib()
	if err != nil {
		return nil, err
	}

	slot, err := lib.FirstSlotWithToken()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(c.Writer(), "slots: \n%s\n", slot)

	if err = lib.InitToken(slot.ID, cfg.SoPin, cfg.TokenLabel); err != nil {
		return nil, err
	}
	if err = lib.InitUserPIN(slot.ID, cfg.SoPin, cfg.UserPin); err != nil {
		return nil, err
	}
	return lib.OpenUserSession(slot.ID, cfg.UserPin)
}

// closeSession closes the session, the close error is returned
// when the command succeeded
func closeSession(s *p11.Session, err *error) {
	if cerr := s.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
