// Package config loads the qsign YAML configuration.
//
//	credential:
//	  type: software
//	  key: signer.key
//	  cert: signer.crt
//	  passphrase: env:QSIGN_KEY_PASS
//	trust_anchors: [roots.pem]
//	ocsp:
//	  mandatory: false
//	  timeout: 10s
//	tsa:
//	  url: http://tsa.example/tsr
//	  roots: [tsa-roots.pem]
//	limits:
//	  signature_limit: 100
//	  parallelism: 4
//	logging:
//	  level: info
//	  file: /var/log/qsign/qsign.log
//	server:
//	  port: 8443
//	  services: [api]
package config

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/credential"
	"github.com/remiblancher/qsign/pkg/ocsp"
	"github.com/remiblancher/qsign/pkg/tsa"
)

// Credential types.
const (
	CredentialNone     = "none"
	CredentialSoftware = "software"
	CredentialPKCS11   = "pkcs11"
)

// Config is the top-level configuration.
type Config struct {
	Credential   Credential `yaml:"credential"`
	TrustAnchors []string   `yaml:"trust_anchors"`
	OCSP         OCSP       `yaml:"ocsp"`
	TSA          TSA        `yaml:"tsa"`
	Limits       Limits     `yaml:"limits"`
	License      License    `yaml:"license"`
	Audit        Audit      `yaml:"audit"`
	Logging      Logging    `yaml:"logging"`
	Server       Server     `yaml:"server"`
	Supervisor   Supervisor `yaml:"supervisor"`

	// dir resolves relative paths; it is the directory of the loaded file.
	dir string
}

// Credential selects the signing credential.
type Credential struct {
	// Type is "software", "pkcs11" or "none" (verify only).
	Type string `yaml:"type"`

	// Software credential.
	Key        string `yaml:"key"`
	Cert       string `yaml:"cert"`
	Passphrase string `yaml:"passphrase"`

	// HSM points to a separate HSM YAML file. When empty PKCS11 is used.
	HSM    string                   `yaml:"hsm"`
	PKCS11 pkicrypto.PKCS11Settings `yaml:"pkcs11"`
}

// OCSP controls revocation checking.
type OCSP struct {
	Mandatory    bool          `yaml:"mandatory"`
	Timeout      time.Duration `yaml:"timeout"`
	URL          string        `yaml:"url"`
	DisableFetch bool          `yaml:"disable_fetch"`
	DisableNonce bool          `yaml:"disable_nonce"`
}

// TSA controls timestamping.
type TSA struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Roots   []string      `yaml:"roots"`
	Require bool          `yaml:"require"`
}

// Limits bounds batch signing.
type Limits struct {
	SignatureLimit int `yaml:"signature_limit"`
	Parallelism    int `yaml:"parallelism"`
}

// License configures the license gate.
type License struct {
	Required bool   `yaml:"required"`
	File     string `yaml:"file"`
}

// Audit configures the hash-chained audit log.
type Audit struct {
	File string `yaml:"file"`
}

// Logging configures the process logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Server configures the REST API.
type Server struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	APIPort  int      `yaml:"api_port"`
	OCSPPort int      `yaml:"ocsp_port"`
	TSAPort  int      `yaml:"tsa_port"`
	Services []string `yaml:"services"`
	TLSCert  string   `yaml:"tls_cert"`
	TLSKey   string   `yaml:"tls_key"`
	H2C      bool     `yaml:"h2c"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Supervisor configures the external engine process.
type Supervisor struct {
	Command      []string      `yaml:"command"`
	Dir          string        `yaml:"dir"`
	ReadyMarker  string        `yaml:"ready_marker"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Credential: Credential{Type: CredentialNone},
		OCSP:       OCSP{Timeout: 10 * time.Second},
		TSA:        TSA{Timeout: 10 * time.Second},
		Logging:    Logging{Level: "info", Format: "console", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Server:     Server{Port: 8443, Services: []string{"api"}},
		Supervisor: Supervisor{StartTimeout: 60 * time.Second},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	switch c.Credential.Type {
	case "", CredentialNone:
	case CredentialSoftware:
		if c.Credential.Key == "" {
			errs = append(errs, errors.New("credential.key is required for software credentials"))
		}
	case CredentialPKCS11:
		if c.Credential.HSM == "" && c.Credential.PKCS11.Lib == "" {
			errs = append(errs, errors.New("credential.hsm or credential.pkcs11.lib is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported credential type: %s", c.Credential.Type))
	}
	if p := c.Credential.Passphrase; p != "" && !strings.HasPrefix(p, "env:") {
		errs = append(errs, errors.New("credential.passphrase must be an env: reference"))
	}
	if c.Limits.SignatureLimit < 0 || c.Limits.Parallelism < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.OCSP.Timeout < 0 || c.TSA.Timeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key go together"))
	}
	if c.TSA.Require && c.TSA.URL == "" {
		errs = append(errs, errors.New("tsa.require needs tsa.url"))
	}
	return errors.Join(errs...)
}

// Path resolves p against the directory of the configuration file.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// LoadTrustAnchors reads the trust anchor files.
func (c *Config) LoadTrustAnchors() ([]*x509.Certificate, error) {
	return c.loadCertificates(c.TrustAnchors)
}

// LoadTSARoots reads the TSA root files into a pool. It returns nil when
// none are configured.
func (c *Config) LoadTSARoots() (*x509.CertPool, error) {
	if len(c.TSA.Roots) == 0 {
		return nil, nil
	}
	certs, err := c.loadCertificates(c.TSA.Roots)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return pool, nil
}

func (c *Config) loadCertificates(paths []string) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for _, p := range paths {
		certs, err := credential.LoadCertificates(c.Path(p))
		if err != nil {
			return nil, err
		}
		out = append(out, certs...)
	}
	return out, nil
}

// OCSPClient builds the revocation client.
func (c *Config) OCSPClient() *ocsp.Client {
	return &ocsp.Client{URL: c.OCSP.URL, Timeout: c.OCSP.Timeout, DisableNonce: c.OCSP.DisableNonce}
}

// TSAClient builds the timestamp client, or nil when no TSA is configured.
func (c *Config) TSAClient() *tsa.Client {
	if c.TSA.URL == "" {
		return nil
	}
	return &tsa.Client{URL: c.TSA.URL, Timeout: c.TSA.Timeout}
}

// ReadLicense returns the license file contents, or nil when none is set.
func (c *Config) ReadLicense() ([]byte, error) {
	if c.License.File == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Path(c.License.File))
	if err != nil {
		return nil, fmt.Errorf("failed to read license: %w", err)
	}
	return data, nil
}

// OpenSource opens the configured credential. It returns nil for "none".
// The prompter is used by hardware tokens when no PIN variable is set.
func (c *Config) OpenSource(ctx context.Context, prompter credential.Prompter) (credential.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cred := c.Credential
	switch cred.Type {
	case "", CredentialNone:
		return nil, nil
	case CredentialSoftware:
		key, err := credential.OpenSoftwareKey(credential.SoftwareOptions{
			KeyPath:    c.Path(cred.Key),
			CertPath:   c.Path(cred.Cert),
			Passphrase: cred.Passphrase,
		})
		if err != nil {
			return nil, err
		}
		return key, nil
	case CredentialPKCS11:
		hsm, err := c.HSMConfig()
		if err != nil {
			return nil, err
		}
		p11 := hsm.ToPKCS11Config()
		pin, ok, err := hsm.PIN()
		if err != nil {
			return nil, err
		}
		if ok {
			p11.PIN = pin
		}
		tok, err := credential.OpenHardwareToken(p11, prompter)
		if err != nil {
			return nil, err
		}
		return tok, nil
	}
	return nil, fmt.Errorf("unsupported credential type: %s", cred.Type)
}

// HSMConfig returns the PKCS#11 settings, reading credential.hsm when set.
func (c *Config) HSMConfig() (*pkicrypto.HSMConfig, error) {
	if c.Credential.HSM != "" {
		return pkicrypto.LoadHSMConfig(c.Path(c.Credential.HSM))
	}
	hsm := &pkicrypto.HSMConfig{Type: "pkcs11", PKCS11: c.Credential.PKCS11}
	if err := hsm.Validate(); err != nil {
		return nil, err
	}
	return hsm, nil
}
