package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// [Unit] Algorithm Tests
// =============================================================================

func TestU_Algorithm_Properties(t *testing.T) {
	tests := []struct {
		name         string
		alg          AlgorithmID
		wantValid    bool
		wantPQC      bool
		wantMessage  bool
		wantOIDIsSet bool
	}{
		{"[Unit] Properties: EC P-256", AlgECDSAP256, true, false, false, false},
		{"[Unit] Properties: Ed25519", AlgEd25519, true, false, true, true},
		{"[Unit] Properties: Ed448", AlgEd448, true, false, true, true},
		{"[Unit] Properties: RSA-3072", AlgRSA3072, true, false, false, false},
		{"[Unit] Properties: ML-DSA-65", AlgMLDSA65, true, true, true, true},
		{"[Unit] Properties: Invalid", "invalid", false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.alg.IsValid(); got != tt.wantValid {
				t.Errorf("IsValid() = %v, want %v", got, tt.wantValid)
			}
			if got := tt.alg.IsPQC(); got != tt.wantPQC {
				t.Errorf("IsPQC() = %v, want %v", got, tt.wantPQC)
			}
			if got := tt.alg.SignsMessage(); got != tt.wantMessage {
				t.Errorf("SignsMessage() = %v, want %v", got, tt.wantMessage)
			}
			if got := tt.alg.OID() != nil; got != tt.wantOIDIsSet {
				t.Errorf("OID() set = %v, want %v", got, tt.wantOIDIsSet)
			}
		})
	}
}

func TestU_Algorithm_FromOIDRoundTrip(t *testing.T) {
	for _, alg := range []AlgorithmID{AlgEd25519, AlgEd448, AlgMLDSA44, AlgMLDSA65, AlgMLDSA87} {
		if got := AlgorithmFromOID(alg.OID()); got != alg {
			t.Errorf("AlgorithmFromOID(%s) = %s", alg, got)
		}
	}
}

func TestU_ParseAlgorithm(t *testing.T) {
	if _, err := ParseAlgorithm("ecdsa-p384"); err != nil {
		t.Fatalf("ParseAlgorithm() error = %v", err)
	}
	if _, err := ParseAlgorithm("dsa-1024"); err == nil {
		t.Fatal("ParseAlgorithm() should reject unknown algorithm")
	}
}

// =============================================================================
// [Unit] Sign / Verify Tests
// =============================================================================

func TestU_Signer_SignVerify(t *testing.T) {
	algs := []AlgorithmID{AlgECDSAP256, AlgECDSAP384, AlgEd25519, AlgEd448, AlgRSA2048, AlgMLDSA44, AlgMLDSA65}
	message := []byte("hello world")

	for _, alg := range algs {
		t.Run("[Unit] SignVerify: "+string(alg), func(t *testing.T) {
			signer, err := GenerateSoftwareSigner(alg)
			if err != nil {
				t.Fatalf("GenerateSoftwareSigner() error = %v", err)
			}
			if signer.Algorithm() != alg {
				t.Fatalf("Algorithm() = %s, want %s", signer.Algorithm(), alg)
			}

			hash := DefaultHash(alg)
			toSign := message
			if !alg.SignsMessage() {
				toSign, _ = Digest(hash, message)
			}
			sig, err := signer.Sign(rand.Reader, toSign, SignerOpts(alg, hash))
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}

			if err := VerifyMessage(signer.Public(), hash, message, sig, false); err != nil {
				t.Fatalf("VerifyMessage() error = %v", err)
			}

			tampered := append([]byte(nil), message...)
			tampered[0] ^= 0xff
			if err := VerifyMessage(signer.Public(), hash, tampered, sig, false); !errors.Is(err, ErrVerification) {
				t.Fatalf("VerifyMessage(tampered) error = %v, want ErrVerification", err)
			}
		})
	}
}

func TestU_Digest_SHA3(t *testing.T) {
	d, err := Digest(crypto.SHA3_256, []byte("abc"))
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if len(d) != 32 {
		t.Fatalf("len(Digest) = %d, want 32", len(d))
	}
}

func TestU_ECDSA_RawDERRoundTrip(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	digest, _ := Digest(crypto.SHA256, []byte("x"))
	der, err := ecdsa.SignASN1(rand.Reader, priv, digest)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := ECDSADERToRaw(der, 256)
	if err != nil {
		t.Fatalf("ECDSADERToRaw() error = %v", err)
	}
	if len(raw) != 64 {
		t.Fatalf("len(raw) = %d, want 64", len(raw))
	}
	back, err := ECDSARawToDER(raw)
	if err != nil {
		t.Fatalf("ECDSARawToDER() error = %v", err)
	}
	if !ecdsa.VerifyASN1(&priv.PublicKey, digest, back) {
		t.Fatal("re-encoded signature does not verify")
	}
}

// =============================================================================
// [Unit] Key File Tests
// =============================================================================

func TestU_PrivateKey_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name       string
		alg        AlgorithmID
		passphrase []byte
	}{
		{"[Unit] SaveLoad: EC plain", AlgECDSAP256, nil},
		{"[Unit] SaveLoad: EC encrypted", AlgECDSAP256, []byte("secret")},
		{"[Unit] SaveLoad: Ed448", AlgEd448, nil},
		{"[Unit] SaveLoad: ML-DSA-65", AlgMLDSA65, []byte("secret")},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := GenerateSoftwareSigner(tt.alg)
			if err != nil {
				t.Fatal(err)
			}
			path := filepath.Join(dir, string(rune('a'+i))+".pem")
			if err := signer.SavePrivateKey(path, tt.passphrase); err != nil {
				t.Fatalf("SavePrivateKey() error = %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
			}

			loaded, err := LoadPrivateKey(path, tt.passphrase)
			if err != nil {
				t.Fatalf("LoadPrivateKey() error = %v", err)
			}
			if loaded.Algorithm() != tt.alg {
				t.Errorf("Algorithm() = %s, want %s", loaded.Algorithm(), tt.alg)
			}
			if !PublicKeysEqual(loaded.Public(), signer.Public()) {
				t.Error("loaded public key differs")
			}
		})
	}
}

func TestU_PrivateKey_EncryptedWithoutPassphrase(t *testing.T) {
	signer, _ := GenerateSoftwareSigner(AlgECDSAP256)
	data, err := signer.MarshalPrivateKeyPEM([]byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParsePrivateKeyPEM(data, nil); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("ParsePrivateKeyPEM() error = %v, want ErrPassphraseRequired", err)
	}
}

func TestU_PrivateKey_BundledCertificates(t *testing.T) {
	signer, _ := GenerateSoftwareSigner(AlgECDSAP256)
	cert := selfSigned(t, signer)

	keyPEM, _ := signer.MarshalPrivateKeyPEM(nil)
	bundle := append(keyPEM, pemCert(cert)...)

	loaded, err := ParsePrivateKeyPEM(bundle, nil)
	if err != nil {
		t.Fatalf("ParsePrivateKeyPEM() error = %v", err)
	}
	certs, _ := loaded.Certificates()
	if len(certs) != 1 || !certs[0].Equal(cert) {
		t.Fatalf("Certificates() = %d certs, want the bundled one", len(certs))
	}
}

func TestU_PKCS12_InvalidData(t *testing.T) {
	if _, err := LoadPKCS12([]byte("not a pfx"), "pw"); err == nil {
		t.Fatal("LoadPKCS12() should fail on garbage")
	}
}

func TestU_PublicKeyInfo_MLDSA(t *testing.T) {
	signer, _ := GenerateSoftwareSigner(AlgMLDSA44)
	type mb interface{ MarshalBinary() ([]byte, error) }
	raw, err := signer.Public().(mb).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: AlgMLDSA44.OID()},
		PublicKey: asn1.BitString{Bytes: raw, BitLength: len(raw) * 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	pub, err := ParsePublicKeyInfo(der)
	if err != nil {
		t.Fatalf("ParsePublicKeyInfo() error = %v", err)
	}
	if !PublicKeysEqual(pub, signer.Public()) {
		t.Fatal("parsed ML-DSA key differs")
	}
}

// =============================================================================
// [Unit] HSM Config Tests
// =============================================================================

func TestU_HSMConfig_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsm.yaml")
	yaml := "type: pkcs11\npkcs11:\n  lib: /usr/lib/softhsm/libsofthsm2.so\n  token: signer\n  key_label: sig\n  pin_env: QSIGN_TEST_PIN\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadHSMConfig(path)
	if err != nil {
		t.Fatalf("LoadHSMConfig() error = %v", err)
	}
	p11 := cfg.ToPKCS11Config()
	if p11.TokenLabel != "signer" || p11.KeyLabel != "sig" {
		t.Fatalf("ToPKCS11Config() = %+v", p11)
	}

	t.Setenv("QSIGN_TEST_PIN", "1234")
	pin, ok, err := cfg.PIN()
	if err != nil || !ok || pin != "1234" {
		t.Fatalf("PIN() = %q, %v, %v", pin, ok, err)
	}
}

func TestU_HSMConfig_Invalid(t *testing.T) {
	cfg := &HSMConfig{Type: "kms"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject non-pkcs11 type")
	}
	cfg = &HSMConfig{Type: "pkcs11"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should require lib")
	}
}

// =============================================================================
// Helpers
// =============================================================================

func selfSigned(t *testing.T, signer *SoftwareSigner) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func pemCert(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}
