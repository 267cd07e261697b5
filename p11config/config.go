package p11config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11demo", "p11config")

// Environment variables that override the configuration
const (
	EnvModule  = "TEST_PKCS11_MODULE"
	EnvSoPin   = "PKCS11_SO_PIN"
	EnvUserPin = "PKCS11_USER_PIN"
)

// Defaults, used when neither the file nor the environment provide a value
const (
	DefaultModule     = "/usr/lib64/softhsm/libsofthsm2.so"
	DefaultSoPin      = "1234567890"
	DefaultUserPin    = "0987654321"
	DefaultTokenLabel = "Test Token"
)

// Config holds PKCS#11 module location and token secrets.
//
// The PINs may be prefixed with `file:`, then the value is loaded from the file.
type Config struct {
	// Path is the full path to PKCS#11 library
	Path string `json:"Path" yaml:"path"`
	// SoPin is the security officer PIN
	SoPin string `json:"SoPin" yaml:"so_pin"`
	// UserPin is the user PIN
	UserPin string `json:"UserPin" yaml:"user_pin"`
	// TokenLabel is the label set on token initialization
	TokenLabel string `json:"TokenLabel" yaml:"token_label"`
}

// Default returns configuration with hardcoded defaults
func Default() *Config {
	return &Config{
		Path:       DefaultModule,
		SoPin:      DefaultSoPin,
		UserPin:    DefaultUserPin,
		TokenLabel: DefaultTokenLabel,
	}
}

// Load returns the configuration: defaults, overridden by the values
// from the optional file, overridden by the environment.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		fc, err := loadFile(filename)
		if err != nil {
			return nil, err
		}
		err = copier.CopyWithOption(cfg, fc, copier.Option{IgnoreEmpty: true})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to apply config: %s", filename)
		}
	}

	cfg.Path = values.Select(os.Getenv(EnvModule) != "", os.Getenv(EnvModule), cfg.Path)
	cfg.SoPin = values.Select(os.Getenv(EnvSoPin) != "", os.Getenv(EnvSoPin), cfg.SoPin)
	cfg.UserPin = values.Select(os.Getenv(EnvUserPin) != "", os.Getenv(EnvUserPin), cfg.UserPin)

	var err error
	baseDir := filepath.Dir(filename)
	if cfg.SoPin, err = loadPin(cfg.SoPin, baseDir); err != nil {
		return nil, errors.WithMessage(err, "unable to load SO PIN")
	}
	if cfg.UserPin, err = loadPin(cfg.UserPin, baseDir); err != nil {
		return nil, errors.WithMessage(err, "unable to load user PIN")
	}

	logger.KV(xlog.DEBUG, "module", cfg.Path, "token", cfg.TokenLabel)

	return cfg, nil
}

func loadFile(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := new(Config)
	if strings.HasSuffix(filename, ".json") {
		err = json.Unmarshal(b, cfg)
	} else {
		err = yaml.Unmarshal(b, cfg)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}
	return cfg, nil
}

// loadPin returns the PIN value, or the content of the file
// if the value is prefixed with `file:`
func loadPin(pin, baseDir string) (string, error) {
	if !strings.HasPrefix(pin, "file:") {
		return pin, nil
	}
	pinfile := pin[5:]

	cwd, _ := os.Getwd()
	folders := []string{
		"",
		cwd,
		baseDir,
	}
	for _, folder := range folders {
		if resolved, err := resolve(pinfile, folder); err == nil {
			pinfile = resolved
			break
		}
		logger.KV(xlog.DEBUG, "reason", "resolve", "pinfile", pinfile, "basedir", folder)
	}

	pb, err := os.ReadFile(pinfile)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimSpace(string(pb)), nil
}

// resolve returns absolute file name relative to baseDir,
// or not found error.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	} else {
		resolved = file
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
