package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/testpki"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "qsign.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// =============================================================================
// Unit Tests: Parse
// =============================================================================

func TestU_Parse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Credential.Type != CredentialNone {
		t.Errorf("Credential.Type = %q, want none", cfg.Credential.Type)
	}
	if cfg.OCSP.Timeout != 10*time.Second {
		t.Errorf("OCSP.Timeout = %v, want 10s", cfg.OCSP.Timeout)
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("Server.Port = %d, want 8443", cfg.Server.Port)
	}
	if cfg.TSAClient() != nil {
		t.Error("TSAClient() should be nil without tsa.url")
	}
}

func TestU_Parse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
credential:
  type: pkcs11
  pkcs11:
    lib: /usr/lib/softhsm/libsofthsm2.so
    token: signer
    key_label: sig
    pin_env: QSIGN_PIN
trust_anchors: [roots.pem]
ocsp:
  mandatory: true
  timeout: 3s
  url: http://ocsp.test
tsa:
  url: http://tsa.test
  roots: [tsa.pem]
  require: true
limits:
  signature_limit: 10
  parallelism: 2
logging:
  level: debug
  file: qsign.log
server:
  port: 9000
  services: [api, ocsp]
  h2c: true
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !cfg.OCSP.Mandatory || cfg.OCSP.Timeout != 3*time.Second {
		t.Errorf("OCSP = %+v", cfg.OCSP)
	}
	if c := cfg.OCSPClient(); c.URL != "http://ocsp.test" || c.Timeout != 3*time.Second {
		t.Errorf("OCSPClient() = %+v", c)
	}
	if c := cfg.TSAClient(); c == nil || c.URL != "http://tsa.test" {
		t.Errorf("TSAClient() = %+v", c)
	}
	if cfg.Limits.SignatureLimit != 10 || cfg.Limits.Parallelism != 2 {
		t.Errorf("Limits = %+v", cfg.Limits)
	}
	if !cfg.Server.H2C || len(cfg.Server.Services) != 2 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	hsm, err := cfg.HSMConfig()
	if err != nil {
		t.Fatalf("HSMConfig() error = %v", err)
	}
	if p := hsm.ToPKCS11Config(); p.TokenLabel != "signer" || p.KeyLabel != "sig" {
		t.Errorf("ToPKCS11Config() = %+v", p)
	}
}

func TestU_Parse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"[Unit] unknown key", "bogus: 1", "bogus"},
		{"[Unit] unknown credential type", "credential: {type: smartcard}", "unsupported credential type"},
		{"[Unit] software without key", "credential: {type: software}", "credential.key"},
		{"[Unit] pkcs11 without lib", "credential: {type: pkcs11}", "credential.hsm"},
		{"[Unit] inline passphrase", "credential: {type: software, key: k.pem, passphrase: secret}", "env:"},
		{"[Unit] negative limit", "limits: {signature_limit: -1}", "negative"},
		{"[Unit] half TLS", "server: {tls_cert: a.pem}", "tls_key"},
		{"[Unit] required TSA without URL", "tsa: {require: true}", "tsa.url"},
		{"[Unit] malformed", "credential: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

// =============================================================================
// Unit Tests: Files
// =============================================================================

func TestU_Load_RelativePaths(t *testing.T) {
	dir := t.TempDir()
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	testpki.WriteKey(t, dir, "signer.key", signer, []byte("pw"), cert, ca.Cert)
	testpki.WriteCerts(t, dir, "roots.pem", ca.Cert)
	testpki.WriteCerts(t, dir, "tsa.pem", ca.Cert)
	if err := os.WriteFile(filepath.Join(dir, "license.bin"), []byte("LICENSE"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QSIGN_TEST_PASS", "pw")

	path := writeConfig(t, dir, `
credential:
  type: software
  key: signer.key
  passphrase: env:QSIGN_TEST_PASS
trust_anchors: [roots.pem]
tsa:
  roots: [tsa.pem]
license:
  file: license.bin
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	anchors, err := cfg.LoadTrustAnchors()
	if err != nil || len(anchors) != 1 || !anchors[0].Equal(ca.Cert) {
		t.Fatalf("LoadTrustAnchors() = %v, %v", anchors, err)
	}
	pool, err := cfg.LoadTSARoots()
	if err != nil || pool == nil {
		t.Fatalf("LoadTSARoots() = %v, %v", pool, err)
	}
	lic, err := cfg.ReadLicense()
	if err != nil || string(lic) != "LICENSE" {
		t.Fatalf("ReadLicense() = %q, %v", lic, err)
	}

	src, err := cfg.OpenSource(context.Background(), nil)
	if err != nil {
		t.Fatalf("OpenSource() error = %v", err)
	}
	defer src.Close()
	chain, err := src.Certificates(context.Background())
	if err != nil {
		t.Fatalf("Certificates() error = %v", err)
	}
	if !chain.Signing.Equal(cert) {
		t.Error("signing certificate mismatch")
	}
}

func TestU_OpenSource_None(t *testing.T) {
	cfg := Default()
	src, err := cfg.OpenSource(context.Background(), nil)
	if err != nil || src != nil {
		t.Fatalf("OpenSource() = %v, %v, want nil, nil", src, err)
	}
}

func TestU_OpenSource_MissingSecret(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
credential:
  type: software
  key: signer.key
  passphrase: env:QSIGN_TEST_UNSET_VAR
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := cfg.OpenSource(context.Background(), nil); err == nil {
		t.Fatal("OpenSource() should fail when the passphrase variable is unset")
	}
}

func TestU_Load_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}
