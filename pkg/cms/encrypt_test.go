package cms

import (
	"bytes"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"testing"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/testpki"
)

// =============================================================================
// Functional Tests: EnvelopedData
// =============================================================================

func TestF_Encrypt_RoundTrip(t *testing.T) {
	ca := testpki.NewCA(t)
	content := []byte("signature bytes to protect")

	tests := []struct {
		name string
		alg  pkicrypto.AlgorithmID
		enc  ContentEncryptionAlgorithm
	}{
		{"[Unit] RSA-OAEP AES-256-GCM", pkicrypto.AlgRSA2048, AES256GCM},
		{"[Unit] RSA-OAEP AES-256-CBC", pkicrypto.AlgRSA2048, AES256CBC},
		{"[Unit] ECDH P-256 AES-256-GCM", pkicrypto.AlgECDSAP256, AES256GCM},
		{"[Unit] ECDH P-384 AES-128-GCM", pkicrypto.AlgECDSAP384, AES128GCM},
		{"[Unit] ECDH P-521 AES-256-CBC", pkicrypto.AlgECDSAP521, AES256CBC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, cert := ca.IssueSigner(t, tt.alg)
			env, err := Encrypt(content, &EncryptOptions{Recipients: []*x509.Certificate{cert}, ContentEncryption: tt.enc})
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if !IsEnvelopedData(env) {
				t.Fatal("IsEnvelopedData() = false")
			}

			result, err := Decrypt(env, &DecryptOptions{PrivateKey: key.PrivateKey(), Certificate: cert})
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if !bytes.Equal(result.Content, content) {
				t.Errorf("Content = %q, want %q", result.Content, content)
			}
			if !result.ContentType.Equal(OIDData) {
				t.Errorf("ContentType = %v, want id-data", result.ContentType)
			}
		})
	}
}

func TestF_Encrypt_MultipleRecipients(t *testing.T) {
	ca := testpki.NewCA(t)
	rsaKey, rsaCert := ca.IssueSigner(t, pkicrypto.AlgRSA2048)
	ecKey, ecCert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	_, stranger := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)

	env, err := Encrypt([]byte("shared"), &EncryptOptions{Recipients: []*x509.Certificate{rsaCert, ecCert}})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	parsed, err := ParseEnvelopedData(env)
	if err != nil {
		t.Fatalf("ParseEnvelopedData failed: %v", err)
	}
	if parsed.Version != 2 {
		t.Errorf("version = %d, want 2 with a key agreement recipient", parsed.Version)
	}
	if len(parsed.RecipientInfos) != 2 {
		t.Fatalf("recipients = %d, want 2", len(parsed.RecipientInfos))
	}

	// The RSA decrypter goes through crypto.Decrypter.
	if res, err := Decrypt(env, &DecryptOptions{PrivateKey: rsaKey}); err != nil || string(res.Content) != "shared" {
		t.Errorf("RSA recipient: result %v, error %v", res, err)
	}
	if res, err := Decrypt(env, &DecryptOptions{PrivateKey: ecKey.PrivateKey()}); err != nil || string(res.Content) != "shared" {
		t.Errorf("EC recipient: result %v, error %v", res, err)
	}
	if _, err := Decrypt(env, &DecryptOptions{PrivateKey: ecKey.PrivateKey(), Certificate: stranger}); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("stranger certificate: error = %v, want ErrNoRecipient", err)
	}
}

func TestU_Encrypt_Errors(t *testing.T) {
	ca := testpki.NewCA(t)
	_, edCert := ca.IssueSigner(t, pkicrypto.AlgEd25519)

	if _, err := Encrypt([]byte("x"), nil); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("Encrypt(nil) error = %v, want ErrNoRecipient", err)
	}
	if _, err := Encrypt([]byte("x"), &EncryptOptions{Recipients: []*x509.Certificate{edCert}}); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("Encrypt(Ed25519) error = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestU_Decrypt_WrongKey(t *testing.T) {
	ca := testpki.NewCA(t)
	_, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	other := testpki.NewSigner(t, pkicrypto.AlgECDSAP256)

	env, err := Encrypt([]byte("secret"), &EncryptOptions{Recipients: []*x509.Certificate{cert}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(env, &DecryptOptions{PrivateKey: other.PrivateKey()}); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("Decrypt(wrong key) error = %v, want ErrDecryptFailed", err)
	}
	if _, err := Decrypt(env, nil); err == nil {
		t.Error("Decrypt(nil options) should fail")
	}
}

// =============================================================================
// Unit Tests: Key wrap and KDF
// =============================================================================

func TestU_AESKeyWrap_RFC3394Vector(t *testing.T) {
	// RFC 3394 Section 4.6: 256-bit key data with a 256-bit KEK.
	kek, _ := hex.DecodeString("000102030405060708090A0B0C0D0E0F101112131415161718191A1B1C1D1E1F")
	key, _ := hex.DecodeString("00112233445566778899AABBCCDDEEFF000102030405060708090A0B0C0D0E0F")
	want, _ := hex.DecodeString("28C9F404C4B810F4CBCCB35CFB87F8263F5786E2D80ED326CBC7F0E71A99F43BFB988B9B7A02DD21")

	got, err := aesKeyWrap(kek, key)
	if err != nil {
		t.Fatalf("aesKeyWrap failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("aesKeyWrap = %X, want %X", got, want)
	}
	unwrapped, err := aesKeyUnwrap(kek, got)
	if err != nil {
		t.Fatalf("aesKeyUnwrap failed: %v", err)
	}
	if !bytes.Equal(unwrapped, key) {
		t.Errorf("aesKeyUnwrap = %X, want %X", unwrapped, key)
	}

	got[len(got)-1] ^= 0x01
	if _, err := aesKeyUnwrap(kek, got); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("aesKeyUnwrap(tampered) error = %v, want ErrDecryptFailed", err)
	}
}

func TestU_AESKeyWrap_InvalidLengths(t *testing.T) {
	kek := make([]byte, 32)
	if _, err := aesKeyWrap(kek, make([]byte, 15)); err == nil {
		t.Error("aesKeyWrap(15 bytes) should fail")
	}
	if _, err := aesKeyUnwrap(kek, make([]byte, 16)); err == nil {
		t.Error("aesKeyUnwrap(16 bytes) should fail")
	}
}

func TestU_X963KDF_Lengths(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	a := x963KDF(secret, 16, []byte("info"))
	b := x963KDF(secret, 48, []byte("info"))
	if len(a) != 16 || len(b) != 48 {
		t.Fatalf("lengths = %d, %d", len(a), len(b))
	}
	if !bytes.Equal(a, b[:16]) {
		t.Error("KDF output is not a prefix-stable stream")
	}
	if bytes.Equal(a, x963KDF(secret, 16, []byte("other"))) {
		t.Error("shared info does not affect the output")
	}
}
