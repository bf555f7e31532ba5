package credential

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/testpki"
	"github.com/remiblancher/qsign/pkg/status"
)

// =============================================================================
// [Unit] Software Key Tests
// =============================================================================

func TestU_OpenSoftwareKey_PEMWithCertFile(t *testing.T) {
	dir := t.TempDir()
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)

	keyPath := testpki.WriteKey(t, dir, "key.pem", signer, nil)
	certPath := testpki.WriteCerts(t, dir, "chain.pem", cert, ca.Cert)

	key, err := OpenSoftwareKey(SoftwareOptions{KeyPath: keyPath, CertPath: certPath})
	if err != nil {
		t.Fatalf("OpenSoftwareKey() error = %v", err)
	}
	chain, err := key.Certificates(context.Background())
	if err != nil {
		t.Fatalf("Certificates() error = %v", err)
	}
	if !chain.Signing.Equal(cert) {
		t.Error("Signing certificate is not the key's certificate")
	}
	if len(chain.Intermediates) != 1 || !chain.Intermediates[0].Equal(ca.Cert) {
		t.Errorf("Intermediates = %d certs, want the CA", len(chain.Intermediates))
	}
	if got := len(chain.All()); got != 2 {
		t.Errorf("len(All()) = %d, want 2", got)
	}
}

func TestU_OpenSoftwareKey_EnvPassphrase(t *testing.T) {
	dir := t.TempDir()
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP384)
	keyPath := testpki.WriteKey(t, dir, "key.pem", signer, []byte("s3cret"), cert)

	t.Setenv("QSIGN_TEST_KEY_PASS", "s3cret")
	key, err := OpenSoftwareKey(SoftwareOptions{KeyPath: keyPath, Passphrase: "env:QSIGN_TEST_KEY_PASS"})
	if err != nil {
		t.Fatalf("OpenSoftwareKey() error = %v", err)
	}
	if key.Algorithm() != pkicrypto.AlgECDSAP384 {
		t.Errorf("Algorithm() = %s", key.Algorithm())
	}
}

func TestU_OpenSoftwareKey_Errors(t *testing.T) {
	dir := t.TempDir()
	ca := testpki.NewCA(t)
	signer, _ := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	other := testpki.NewSigner(t, pkicrypto.AlgECDSAP256)
	otherCert := ca.Issue(t, other.Public())

	tests := []struct {
		name string
		opts SoftwareOptions
	}{
		{"[Unit] Errors: missing file", SoftwareOptions{KeyPath: dir + "/nope.pem"}},
		{"[Unit] Errors: unset env", SoftwareOptions{KeyPath: testpki.WriteKey(t, dir, "a.pem", signer, nil, otherCert), Passphrase: "env:QSIGN_TEST_UNSET_VAR"}},
		{"[Unit] Errors: no matching cert", SoftwareOptions{KeyPath: testpki.WriteKey(t, dir, "b.pem", signer, nil, otherCert)}},
		{"[Unit] Errors: wrong passphrase", SoftwareOptions{KeyPath: testpki.WriteKey(t, dir, "c.pem", signer, []byte("right")), Passphrase: "wrong"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenSoftwareKey(tt.opts)
			if !errors.Is(err, status.ErrCredentialUnavailable) {
				t.Fatalf("OpenSoftwareKey() error = %v, want CredentialUnavailable", err)
			}
		})
	}
}

func TestU_SoftwareKey_SignDigest(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	key, err := NewSoftwareKey(signer, []*x509.Certificate{cert})
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("document")
	digest, _ := pkicrypto.Digest(crypto.SHA256, msg)
	sig, err := key.SignDigest(context.Background(), digest, crypto.SHA256)
	if err != nil {
		t.Fatalf("SignDigest() error = %v", err)
	}
	if err := pkicrypto.VerifyMessage(cert.PublicKey, crypto.SHA256, msg, sig, false); err != nil {
		t.Fatalf("VerifyMessage() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := key.SignDigest(ctx, digest, crypto.SHA256); err == nil {
		t.Fatal("SignDigest() should fail on a cancelled context")
	}
}

func TestU_ParseCertificatesPEM_DER(t *testing.T) {
	ca := testpki.NewCA(t)
	certs, err := ParseCertificatesPEM(ca.Cert.Raw)
	if err != nil {
		t.Fatalf("ParseCertificatesPEM(DER) error = %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("len(certs) = %d, want 1", len(certs))
	}
	if _, err := ParseCertificatesPEM([]byte("garbage")); err == nil {
		t.Fatal("ParseCertificatesPEM() should fail on garbage")
	}
}

// =============================================================================
// [Unit] Chain Tests
// =============================================================================

func TestU_BuildChain_SelectsByUsage(t *testing.T) {
	ca := testpki.NewCA(t)
	signer := testpki.NewSigner(t, pkicrypto.AlgECDSAP256)

	sign := ca.Issue(t, signer.Public(), testpki.WithCommonName("sign"))
	auth := ca.Issue(t, signer.Public(), testpki.WithCommonName("auth"),
		testpki.WithExtKeyUsage(x509.ExtKeyUsageClientAuth))
	enc := ca.Issue(t, signer.Public(), testpki.WithCommonName("enc"),
		testpki.WithKeyUsage(x509.KeyUsageKeyAgreement))

	chain, err := buildChain(signer.Public(), []*x509.Certificate{ca.Cert, sign, auth, enc})
	if err != nil {
		t.Fatalf("buildChain() error = %v", err)
	}
	if chain.Signing.Subject.CommonName != "sign" {
		t.Errorf("Signing = %s", chain.Signing.Subject.CommonName)
	}
	if chain.Authentication.Subject.CommonName != "auth" {
		t.Errorf("Authentication = %s", chain.Authentication.Subject.CommonName)
	}
	if chain.Encryption.Subject.CommonName != "enc" {
		t.Errorf("Encryption = %s", chain.Encryption.Subject.CommonName)
	}
	if chain.EncodedSize() <= len(sign.Raw) {
		t.Error("EncodedSize() should cover every distinct certificate")
	}
}

// =============================================================================
// [Unit] Hardware Token Tests
// =============================================================================

type fakeToken struct {
	signer   *pkicrypto.SoftwareSigner
	certs    []*x509.Certificate
	pin      string
	loggedIn atomic.Bool
	delay    time.Duration

	inFlight atomic.Int32
	overlap  atomic.Bool
	signs    atomic.Int32

	// started and gate hold Sign until the test lets it finish.
	started chan struct{}
	gate    chan struct{}

	closed           atomic.Bool
	closedWhileBusy  atomic.Bool
	closedBeforeSign atomic.Bool
}

func (f *fakeToken) Public() crypto.PublicKey { return f.signer.Public() }

func (f *fakeToken) Algorithm() pkicrypto.AlgorithmID { return f.signer.Algorithm() }

func (f *fakeToken) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if !f.loggedIn.Load() {
		return nil, pkicrypto.ErrLoginRequired
	}
	if f.closed.Load() {
		f.closedBeforeSign.Store(true)
	}
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	if f.started != nil {
		close(f.started)
		<-f.gate
	}
	time.Sleep(f.delay)
	f.signs.Add(1)
	return f.signer.Sign(rand.Reader, digest, opts)
}

func (f *fakeToken) Certificates() ([]*x509.Certificate, error) { return f.certs, nil }

func (f *fakeToken) NeedsLogin() bool { return !f.loggedIn.Load() }

func (f *fakeToken) Login(pin string) error {
	if pin != f.pin {
		return pkicrypto.ErrPINIncorrect
	}
	f.loggedIn.Store(true)
	return nil
}

func (f *fakeToken) ChangePIN(oldPIN, newPIN string) error {
	switch {
	case oldPIN != f.pin:
		return pkicrypto.ErrPINIncorrect
	case len(newPIN) < 4:
		return pkicrypto.ErrPINInvalid
	}
	f.pin = newPIN
	return nil
}

func (f *fakeToken) TokenInfo() (pkicrypto.TokenInfo, error) {
	return pkicrypto.TokenInfo{
		SlotID:          1,
		Reader:          "Generic Smart Card Reader 00 00",
		Label:           "card",
		Manufacturer:    "ACME",
		Model:           "QS-1",
		Serial:          "0042",
		FirmwareVersion: "2.1",
	}, nil
}

func (f *fakeToken) Close() error {
	if f.inFlight.Load() > 0 {
		f.closedWhileBusy.Store(true)
	}
	f.closed.Store(true)
	return nil
}

func newFakeToken(t *testing.T) *fakeToken {
	t.Helper()
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	return &fakeToken{signer: signer, certs: []*x509.Certificate{cert, ca.Cert}, pin: "1234"}
}

func TestU_HardwareToken_PromptsOnce(t *testing.T) {
	tok := newFakeToken(t)
	var prompts atomic.Int32
	prompter := PrompterFunc(func(ctx context.Context, label string) (string, error) {
		prompts.Add(1)
		if label != "card" {
			t.Errorf("prompt label = %q, want card", label)
		}
		return "1234", nil
	})
	h := newHardwareToken(tok, "card", prompter)

	digest, _ := pkicrypto.Digest(crypto.SHA256, []byte("x"))
	for i := 0; i < 3; i++ {
		if _, err := h.SignDigest(context.Background(), digest, crypto.SHA256); err != nil {
			t.Fatalf("SignDigest() error = %v", err)
		}
	}
	if got := prompts.Load(); got != 1 {
		t.Errorf("prompts = %d, want 1", got)
	}

	chain, err := h.Certificates(context.Background())
	if err != nil {
		t.Fatalf("Certificates() error = %v", err)
	}
	if !chain.Signing.Equal(tok.certs[0]) {
		t.Error("Signing certificate mismatch")
	}
}

func TestU_HardwareToken_PromptErrors(t *testing.T) {
	digest, _ := pkicrypto.Digest(crypto.SHA256, []byte("x"))
	tests := []struct {
		name     string
		prompter Prompter
		want     error
	}{
		{"[Unit] PromptErrors: declined", PrompterFunc(func(context.Context, string) (string, error) {
			return "", ErrCancelled
		}), status.ErrUserCancelled},
		{"[Unit] PromptErrors: wrong PIN", StaticPIN("0000"), status.ErrCredentialUnavailable},
		{"[Unit] PromptErrors: no prompter", nil, status.ErrCredentialUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHardwareToken(newFakeToken(t), "card", tt.prompter)
			_, err := h.SignDigest(context.Background(), digest, crypto.SHA256)
			if !errors.Is(err, tt.want) {
				t.Fatalf("SignDigest() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestU_HardwareToken_CancelWhilePrompting(t *testing.T) {
	tok := newFakeToken(t)
	started := make(chan struct{})
	prompter := PrompterFunc(func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHardwareToken(tok, "card", prompter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	digest, _ := pkicrypto.Digest(crypto.SHA256, []byte("x"))
	_, err := h.SignDigest(ctx, digest, crypto.SHA256)
	if !errors.Is(err, status.ErrUserCancelled) {
		t.Fatalf("SignDigest() error = %v, want UserCancelled", err)
	}
	if tok.signs.Load() != 0 {
		t.Error("token should not have signed")
	}
}

func TestU_HardwareToken_Serialized(t *testing.T) {
	tok := newFakeToken(t)
	tok.delay = 5 * time.Millisecond
	h := newHardwareToken(tok, "card", StaticPIN("1234"))

	digest, _ := pkicrypto.Digest(crypto.SHA256, []byte("x"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.SignDigest(context.Background(), digest, crypto.SHA256); err != nil {
				t.Errorf("SignDigest() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if tok.overlap.Load() {
		t.Fatal("token operations overlapped")
	}
	if got := tok.signs.Load(); got != 8 {
		t.Fatalf("signs = %d, want 8", got)
	}
}

// =============================================================================
// [Unit] Guard Tests
// =============================================================================

type slowSource struct {
	*SoftwareKey
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (s *slowSource) SignDigest(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error) {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)
	time.Sleep(2 * time.Millisecond)
	return s.SoftwareKey.SignDigest(ctx, digest, hash)
}

func TestU_Serialize_NoOverlap(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgEd25519)
	key, err := NewSoftwareKey(signer, []*x509.Certificate{cert})
	if err != nil {
		t.Fatal(err)
	}
	slow := &slowSource{SoftwareKey: key}
	src := Serialize(slow)
	if Serialize(src) != src {
		t.Error("Serialize() should not wrap twice")
	}
	if Underlying(src) != Source(slow) {
		t.Error("Underlying() should return the wrapped source")
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := src.SignDigest(context.Background(), []byte("msg"), 0); err != nil {
				t.Errorf("SignDigest() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if slow.overlap.Load() {
		t.Fatal("guarded source ran concurrently")
	}
}

func TestU_Serialize_WaiterCancelled(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	key, _ := NewSoftwareKey(signer, []*x509.Certificate{cert})
	g := Serialize(key).(*guarded)

	g.sem <- struct{}{}
	defer g.leave()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.SignDigest(ctx, []byte("d"), crypto.SHA256); !errors.Is(err, status.ErrUserCancelled) {
		t.Fatalf("SignDigest() error = %v, want UserCancelled", err)
	}
}

func TestU_HardwareToken_CloseWaitsForCancelledSign(t *testing.T) {
	tok := newFakeToken(t)
	tok.started = make(chan struct{})
	tok.gate = make(chan struct{})
	h := newHardwareToken(tok, "card", StaticPIN("1234"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-tok.started
		cancel()
	}()
	digest, _ := pkicrypto.Digest(crypto.SHA256, []byte("x"))
	if _, err := h.SignDigest(ctx, digest, crypto.SHA256); !errors.Is(err, status.ErrUserCancelled) {
		t.Fatalf("SignDigest() error = %v, want UserCancelled", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- h.Close() }()
	select {
	case <-closed:
		t.Fatal("Close() returned while the card was still signing")
	case <-time.After(20 * time.Millisecond):
	}

	close(tok.gate)
	if err := <-closed; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if tok.closedWhileBusy.Load() {
		t.Error("token closed during a signature")
	}
	if !tok.closed.Load() {
		t.Error("token not closed")
	}

	if _, err := h.SignDigest(context.Background(), digest, crypto.SHA256); !errors.Is(err, status.ErrCredentialUnavailable) {
		t.Errorf("SignDigest() after Close error = %v, want CredentialUnavailable", err)
	}
	if tok.closedBeforeSign.Load() {
		t.Error("closed token was asked to sign")
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestU_HardwareToken_ChangePIN(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     error
	}{
		{"[Unit] ChangePIN: accepted", "1234", "5678", nil},
		{"[Unit] ChangePIN: wrong current PIN", "0000", "5678", status.ErrCredentialUnavailable},
		{"[Unit] ChangePIN: new PIN too short", "1234", "56", status.ErrInvalidRequest},
		{"[Unit] ChangePIN: empty", "", "5678", status.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := newFakeToken(t)
			h := newHardwareToken(tok, "card", nil)
			err := h.ChangePIN(context.Background(), tt.old, tt.new)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("ChangePIN() error = %v", err)
				}
				if tok.pin != tt.new {
					t.Errorf("pin = %q, want %q", tok.pin, tt.new)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("ChangePIN() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestU_HardwareToken_TokenInfo(t *testing.T) {
	h := newHardwareToken(newFakeToken(t), "card", nil)
	info, err := h.TokenInfo(context.Background())
	if err != nil {
		t.Fatalf("TokenInfo() error = %v", err)
	}
	if info.Serial != "0042" || info.Reader == "" || info.FirmwareVersion != "2.1" {
		t.Errorf("TokenInfo() = %+v", info)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.TokenInfo(context.Background()); !errors.Is(err, status.ErrCredentialUnavailable) {
		t.Errorf("TokenInfo() after Close error = %v, want CredentialUnavailable", err)
	}
}

func TestU_SignPSS(t *testing.T) {
	ca := testpki.NewCA(t)
	rsaSigner, rsaCert := ca.IssueSigner(t, pkicrypto.AlgRSA2048)
	digest, _ := pkicrypto.Digest(crypto.SHA256, []byte("x"))
	pssOpts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

	key, err := NewSoftwareKey(rsaSigner, []*x509.Certificate{rsaCert})
	if err != nil {
		t.Fatal(err)
	}
	tok := &fakeToken{signer: rsaSigner, certs: []*x509.Certificate{rsaCert}, pin: "1234"}
	sources := []struct {
		name string
		src  Source
	}{
		{"[Unit] SignPSS: software key", key},
		{"[Unit] SignPSS: hardware token", newHardwareToken(tok, "card", StaticPIN("1234"))},
		{"[Unit] SignPSS: serialized", Serialize(key)},
	}
	for _, tt := range sources {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := AsSigner(context.Background(), tt.src).Sign(rand.Reader, digest, pssOpts)
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if err := rsa.VerifyPSS(rsaCert.PublicKey.(*rsa.PublicKey), crypto.SHA256, digest, sig, pssOpts); err != nil {
				t.Errorf("VerifyPSS() error = %v", err)
			}
		})
	}

	t.Run("[Unit] SignPSS: ECDSA key", func(t *testing.T) {
		ecSigner, ecCert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
		ecKey, _ := NewSoftwareKey(ecSigner, []*x509.Certificate{ecCert})
		if _, err := SignPSS(context.Background(), ecKey, digest, crypto.SHA256); !errors.Is(err, status.ErrInvalidRequest) {
			t.Errorf("SignPSS() error = %v, want InvalidRequest", err)
		}
	})

	t.Run("[Unit] SignPSS: source without PSS", func(t *testing.T) {
		slow := &slowSource{SoftwareKey: key}
		var src Source = struct{ Source }{slow}
		if _, err := SignPSS(context.Background(), src, digest, crypto.SHA256); !errors.Is(err, ErrPSSUnsupported) {
			t.Errorf("SignPSS() error = %v, want ErrPSSUnsupported", err)
		}
	})
}

func TestU_Serialize_CloseWaitsForCall(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	key, _ := NewSoftwareKey(signer, []*x509.Certificate{cert})
	g := Serialize(key).(*guarded)

	g.sem <- struct{}{}
	closed := make(chan error, 1)
	go func() { closed <- g.Close() }()
	select {
	case <-closed:
		t.Fatal("Close() returned while a call was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	g.leave()
	if err := <-closed; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
