package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"golang.org/x/crypto/pkcs12"
)

// SoftwareSigner implements Signer with an in-memory private key.
type SoftwareSigner struct {
	alg   AlgorithmID
	priv  crypto.PrivateKey
	pub   crypto.PublicKey
	certs []*x509.Certificate
}

var (
	_ Signer            = (*SoftwareSigner)(nil)
	_ CertificateHolder = (*SoftwareSigner)(nil)
)

// NewSoftwareSigner wraps a private key.
func NewSoftwareSigner(priv crypto.PrivateKey) (*SoftwareSigner, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key is nil")
	}
	cs, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", priv)
	}
	pub := cs.Public()
	alg := AlgorithmFromPublicKey(pub)
	if alg == AlgUnknown {
		return nil, fmt.Errorf("unsupported private key type: %T", priv)
	}
	return &SoftwareSigner{alg: alg, priv: priv, pub: pub}, nil
}

// Algorithm returns the algorithm used by this signer.
func (s *SoftwareSigner) Algorithm() AlgorithmID {
	return s.alg
}

// Public returns the public key.
func (s *SoftwareSigner) Public() crypto.PublicKey {
	return s.pub
}

// PrivateKey returns the underlying private key.
func (s *SoftwareSigner) PrivateKey() crypto.PrivateKey {
	return s.priv
}

// Certificates returns the certificates loaded alongside the key, if any.
func (s *SoftwareSigner) Certificates() ([]*x509.Certificate, error) {
	return s.certs, nil
}

// Sign signs digest with the private key. ECDSA and RSA expect a digest,
// EdDSA and ML-DSA expect the full message. RSA uses PSS when opts is a
// *rsa.PSSOptions and PKCS#1 v1.5 otherwise.
func (s *SoftwareSigner) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if random == nil {
		random = rand.Reader
	}
	switch priv := s.priv.(type) {
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(random, priv, digest)

	case ed25519.PrivateKey:
		return ed25519.Sign(priv, digest), nil

	case ed448.PrivateKey:
		return ed448.Sign(priv, digest, ""), nil

	case *rsa.PrivateKey:
		if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
			return rsa.SignPSS(random, priv, pssOpts.Hash, digest, pssOpts)
		}
		hash := crypto.SHA256
		if opts != nil && opts.HashFunc() != 0 {
			hash = opts.HashFunc()
		}
		return rsa.SignPKCS1v15(random, priv, hash, digest)

	case *mldsa44.PrivateKey:
		return priv.Sign(random, digest, crypto.Hash(0))
	case *mldsa65.PrivateKey:
		return priv.Sign(random, digest, crypto.Hash(0))
	case *mldsa87.PrivateKey:
		return priv.Sign(random, digest, crypto.Hash(0))

	default:
		return nil, fmt.Errorf("unsupported private key type: %T", priv)
	}
}

// Decrypt implements crypto.Decrypter for RSA keys.
func (s *SoftwareSigner) Decrypt(_ io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	rsaKey, ok := s.priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("decrypt only supported for RSA keys, got %T", s.priv)
	}
	switch o := opts.(type) {
	case *rsa.OAEPOptions:
		return rsa.DecryptOAEP(o.Hash.New(), rand.Reader, rsaKey, ciphertext, o.Label)
	case *rsa.PKCS1v15DecryptOptions:
		return rsa.DecryptPKCS1v15(rand.Reader, rsaKey, ciphertext)
	default:
		return rsa.DecryptOAEP(sha256.New(), rand.Reader, rsaKey, ciphertext, nil)
	}
}

// pkcs8 is the RFC 5958 OneAsymmetricKey subset needed for Ed448.
type pkcs8 struct {
	Version    int
	Algo       pkix.AlgorithmIdentifier
	PrivateKey []byte
}

var oidEd448 = asn1.ObjectIdentifier{1, 3, 101, 113}

// MarshalPrivateKeyPEM encodes the key as PEM. A non-empty passphrase
// encrypts the block with the legacy PEM encryption scheme.
func (s *SoftwareSigner) MarshalPrivateKeyPEM(passphrase []byte) ([]byte, error) {
	var block *pem.Block

	switch priv := s.priv.(type) {
	case *ecdsa.PrivateKey, ed25519.PrivateKey, *rsa.PrivateKey:
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}

	case ed448.PrivateKey:
		seed, err := asn1.Marshal(priv.Seed())
		if err != nil {
			return nil, err
		}
		der, err := asn1.Marshal(pkcs8{Algo: pkix.AlgorithmIdentifier{Algorithm: oidEd448}, PrivateKey: seed})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal Ed448 key: %w", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}

	case *mldsa44.PrivateKey:
		block = &pem.Block{Type: "ML-DSA-44 PRIVATE KEY", Bytes: priv.Bytes()}
	case *mldsa65.PrivateKey:
		block = &pem.Block{Type: "ML-DSA-65 PRIVATE KEY", Bytes: priv.Bytes()}
	case *mldsa87.PrivateKey:
		block = &pem.Block{Type: "ML-DSA-87 PRIVATE KEY", Bytes: priv.Bytes()}

	default:
		return nil, fmt.Errorf("unsupported private key type: %T", s.priv)
	}

	if len(passphrase) > 0 {
		var err error
		block, err = x509.EncryptPEMBlock(rand.Reader, block.Type, block.Bytes, passphrase, x509.PEMCipherAES256) //nolint:staticcheck // legacy format still produced by the signing clients
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt private key: %w", err)
		}
	}
	return pem.EncodeToMemory(block), nil
}

// SavePrivateKey writes the key as PEM with 0600 permissions.
func (s *SoftwareSigner) SavePrivateKey(path string, passphrase []byte) error {
	data, err := s.MarshalPrivateKeyPEM(passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadPrivateKey loads a private key from a PEM file.
func LoadPrivateKey(path string, passphrase []byte) (*SoftwareSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return ParsePrivateKeyPEM(data, passphrase)
}

// ErrPassphraseRequired is returned when an encrypted key is loaded without
// a passphrase.
var ErrPassphraseRequired = fmt.Errorf("private key is encrypted but no passphrase provided")

// ParsePrivateKeyPEM parses the first private key block of data.
func ParsePrivateKeyPEM(data, passphrase []byte) (*SoftwareSigner, error) {
	var block *pem.Block
	rest := data
	for {
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("no private key PEM block found")
		}
		if block.Type != "CERTIFICATE" {
			break
		}
	}

	keyBytes := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		if len(passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
		var err error
		keyBytes, err = x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
	}

	priv, err := parsePEMKeyBlock(block.Type, keyBytes)
	if err != nil {
		return nil, err
	}
	signer, err := NewSoftwareSigner(priv)
	if err != nil {
		return nil, err
	}

	// Certificates bundled in the same file follow the key.
	for {
		var cb *pem.Block
		cb, rest = pem.Decode(rest)
		if cb == nil {
			break
		}
		if cb.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(cb.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bundled certificate: %w", err)
		}
		signer.certs = append(signer.certs, cert)
	}
	return signer, nil
}

func parsePEMKeyBlock(pemType string, keyBytes []byte) (crypto.PrivateKey, error) {
	switch pemType {
	case "PRIVATE KEY":
		priv, err := x509.ParsePKCS8PrivateKey(keyBytes)
		if err == nil {
			return priv, nil
		}
		var p8 pkcs8
		if _, perr := asn1.Unmarshal(keyBytes, &p8); perr == nil && p8.Algo.Algorithm.Equal(oidEd448) {
			var seed []byte
			if _, serr := asn1.Unmarshal(p8.PrivateKey, &seed); serr != nil || len(seed) != ed448.SeedSize {
				return nil, fmt.Errorf("invalid Ed448 private key")
			}
			return ed448.NewKeyFromSeed(seed), nil
		}
		return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)

	case "EC PRIVATE KEY":
		priv, err := x509.ParseECPrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC key: %w", err)
		}
		return priv, nil

	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA key: %w", err)
		}
		return priv, nil

	case "ML-DSA-44 PRIVATE KEY":
		var k mldsa44.PrivateKey
		if err := k.UnmarshalBinary(keyBytes); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-44 key: %w", err)
		}
		return &k, nil

	case "ML-DSA-65 PRIVATE KEY":
		var k mldsa65.PrivateKey
		if err := k.UnmarshalBinary(keyBytes); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-65 key: %w", err)
		}
		return &k, nil

	case "ML-DSA-87 PRIVATE KEY":
		var k mldsa87.PrivateKey
		if err := k.UnmarshalBinary(keyBytes); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-87 key: %w", err)
		}
		return &k, nil

	default:
		return nil, fmt.Errorf("unknown PEM type: %s", pemType)
	}
}

// LoadPKCS12 decodes a PKCS#12 bundle. The leaf certificate comes first in
// Certificates(), followed by the bundled CA certificates.
func LoadPKCS12(data []byte, password string) (*SoftwareSigner, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 bundle: %w", err)
	}
	var (
		priv  crypto.PrivateKey
		certs []*x509.Certificate
	)
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse PKCS#12 certificate: %w", err)
			}
			certs = append(certs, cert)
		case "RSA PRIVATE KEY":
			if priv, err = x509.ParsePKCS1PrivateKey(b.Bytes); err != nil {
				return nil, fmt.Errorf("failed to parse PKCS#12 key: %w", err)
			}
		case "EC PRIVATE KEY":
			if priv, err = x509.ParseECPrivateKey(b.Bytes); err != nil {
				return nil, fmt.Errorf("failed to parse PKCS#12 key: %w", err)
			}
		}
	}
	if priv == nil {
		return nil, fmt.Errorf("PKCS#12 bundle holds no private key")
	}
	signer, err := NewSoftwareSigner(priv)
	if err != nil {
		return nil, err
	}
	// Leaf first: the certificate matching the key.
	for i, cert := range certs {
		if pub, err := PublicKeyFromCertificate(cert); err == nil && PublicKeysEqual(pub, signer.pub) {
			certs[0], certs[i] = certs[i], certs[0]
			break
		}
	}
	signer.certs = certs
	return signer, nil
}
