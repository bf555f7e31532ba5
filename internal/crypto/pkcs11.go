//go:build cgo

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS11Signer implements Signer with a private key held on a token.
// Sessions are acquired from the pool for each operation.
type PKCS11Signer struct {
	pool      *PKCS11SessionPool
	keyHandle pkcs11.ObjectHandle
	alg       AlgorithmID
	pub       crypto.PublicKey
	mu        sync.Mutex
	closed    bool
}

var (
	_ Signer            = (*PKCS11Signer)(nil)
	_ CertificateHolder = (*PKCS11Signer)(nil)
)

// NewPKCS11Signer opens the token and locates the private key. Key objects
// are looked up before login, so tokens that hide private objects until
// login need cfg.PIN set.
func NewPKCS11Signer(cfg PKCS11Config) (*PKCS11Signer, error) {
	if cfg.ModulePath == "" {
		return nil, fmt.Errorf("PKCS#11 module path is required")
	}
	if cfg.KeyLabel == "" && cfg.KeyID == "" {
		return nil, fmt.Errorf("at least one of key_label or key_id is required")
	}

	slotID, err := findSlotID(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to find slot: %w", err)
	}

	pool, err := GetSessionPool(cfg.ModulePath, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session pool: %w", err)
	}
	if cfg.PIN != "" {
		if err := pool.Login(cfg.PIN); err != nil {
			return nil, err
		}
	}

	session, release, err := pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}
	defer release()

	keyHandle, err := findPrivateKey(pool.Context(), session, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to find private key: %w", err)
	}

	pub, alg, err := extractPublicKey(pool.Context(), session, keyHandle)
	if err != nil {
		return nil, fmt.Errorf("failed to extract public key: %w", err)
	}

	return &PKCS11Signer{
		pool:      pool,
		keyHandle: keyHandle,
		alg:       alg,
		pub:       pub,
	}, nil
}

func findSlotID(cfg PKCS11Config) (uint, error) {
	if cfg.SlotID != nil {
		return *cfg.SlotID, nil
	}
	ctx, err := initModule(cfg.ModulePath)
	if err != nil {
		return 0, err
	}
	// Finalize is process-wide; the pool finalizes at shutdown.
	defer ctx.Destroy()
	return findSlot(ctx, cfg)
}

func findSlot(ctx *pkcs11.Ctx, cfg PKCS11Config) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to get slot list: %w", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("no slots with tokens found")
	}

	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if cfg.TokenLabel != "" && info.Label == cfg.TokenLabel {
			return slot, nil
		}
		if cfg.TokenSerial != "" && info.SerialNumber == cfg.TokenSerial {
			return slot, nil
		}
	}

	if cfg.TokenLabel != "" {
		return 0, fmt.Errorf("token with label %q not found", cfg.TokenLabel)
	}
	if cfg.TokenSerial != "" {
		return 0, fmt.Errorf("token with serial %q not found", cfg.TokenSerial)
	}
	return slots[0], nil
}

func findPrivateKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, cfg PKCS11Config) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}
	if cfg.KeyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, cfg.KeyLabel))
	}
	if cfg.KeyID != "" {
		id, err := hex.DecodeString(cfg.KeyID)
		if err != nil {
			return 0, fmt.Errorf("invalid key_id hex: %w", err)
		}
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}

	objs, err := findObjects(ctx, session, template, 2)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("private key not found")
	}
	if len(objs) > 1 {
		return 0, fmt.Errorf("multiple keys found, please specify both key_label and key_id")
	}
	return objs[0], nil
}

func findObjects(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return nil, fmt.Errorf("failed to init find objects: %w", err)
	}
	defer func() { _ = ctx.FindObjectsFinal(session) }()

	objs, _, err := ctx.FindObjects(session, max)
	if err != nil {
		return nil, fmt.Errorf("failed to find objects: %w", err)
	}
	return objs, nil
}

func extractPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, AlgorithmID, error) {
	attrs, err := ctx.GetAttributeValue(session, keyHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get key type: %w", err)
	}

	switch keyType := bytesToUint(attrs[0].Value); keyType {
	case pkcs11.CKK_EC:
		return extractECPublicKey(ctx, session, keyHandle)
	case pkcs11.CKK_RSA:
		return extractRSAPublicKey(ctx, session, keyHandle)
	default:
		return nil, "", fmt.Errorf("unsupported key type: 0x%X", keyType)
	}
}

func extractECPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, AlgorithmID, error) {
	attrs, err := ctx.GetAttributeValue(session, keyHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get EC params: %w", err)
	}
	curve, alg, err := parseECParams(attrs[0].Value)
	if err != nil {
		return nil, "", err
	}

	// Some tokens expose CKA_EC_POINT on the private key, others only on
	// the matching public key object.
	var point []byte
	privAttrs, err := ctx.GetAttributeValue(session, keyHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err == nil && len(privAttrs[0].Value) > 0 {
		point = privAttrs[0].Value
	} else {
		pubHandle, err := findPublicKeyForPrivate(ctx, session, keyHandle)
		if err != nil {
			return nil, "", err
		}
		pubAttrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to get EC point: %w", err)
		}
		point = pubAttrs[0].Value
	}

	// CKA_EC_POINT is a DER OCTET STRING around the uncompressed point.
	var inner []byte
	if rest, err := asn1.Unmarshal(point, &inner); err == nil && len(rest) == 0 && len(inner) > 0 && inner[0] == 0x04 {
		point = inner
	}

	x, y := elliptic.Unmarshal(curve, point) //nolint:staticcheck // ECDSA key, not ECDH
	if x == nil {
		return nil, "", fmt.Errorf("failed to unmarshal EC point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, alg, nil
}

func extractRSAPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, AlgorithmID, error) {
	pubHandle, err := findPublicKeyForPrivate(ctx, session, keyHandle)
	if err != nil {
		return nil, "", err
	}
	attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get RSA attributes: %w", err)
	}

	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		// Big integer attribute, not CK_ULONG.
		E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
	}
	return pub, AlgorithmFromPublicKey(pub), nil
}

func findPublicKeyForPrivate(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, privHandle pkcs11.ObjectHandle) (pkcs11.ObjectHandle, error) {
	attrs, err := ctx.GetAttributeValue(session, privHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get private key ID/type: %w", err)
	}
	objs, err := findObjects(ctx, session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, attrs[0].Value),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, attrs[1].Value),
	}, 1)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("public key not found for private key")
	}
	return objs[0], nil
}

func parseECParams(params []byte) (elliptic.Curve, AlgorithmID, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, "", fmt.Errorf("failed to parse EC params OID: %w", err)
	}
	switch {
	case oid.Equal(asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}):
		return elliptic.P256(), AlgECDSAP256, nil
	case oid.Equal(asn1.ObjectIdentifier{1, 3, 132, 0, 34}):
		return elliptic.P384(), AlgECDSAP384, nil
	case oid.Equal(asn1.ObjectIdentifier{1, 3, 132, 0, 35}):
		return elliptic.P521(), AlgECDSAP521, nil
	default:
		return nil, "", fmt.Errorf("unsupported EC curve OID: %v", oid)
	}
}

// bytesToUint decodes a native-endian CK_ULONG.
func bytesToUint(b []byte) uint {
	var result uint
	for i := len(b) - 1; i >= 0; i-- {
		result = result<<8 | uint(b[i])
	}
	return result
}

// Algorithm returns the algorithm used by this signer.
func (s *PKCS11Signer) Algorithm() AlgorithmID {
	return s.alg
}

// Public returns the public key.
func (s *PKCS11Signer) Public() crypto.PublicKey {
	return s.pub
}

// NeedsLogin reports whether the token still waits for the user PIN.
func (s *PKCS11Signer) NeedsLogin() bool {
	return !s.pool.LoggedIn()
}

// Login presents the user PIN to the token.
func (s *PKCS11Signer) Login(pin string) error {
	return s.pool.Login(pin)
}

// Sign signs the digest on the token.
func (s *PKCS11Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("signer is closed")
	}
	if !s.pool.LoggedIn() {
		return nil, ErrLoginRequired
	}

	session, release, err := s.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}
	defer release()

	var mech *pkcs11.Mechanism
	dataToSign := digest

	switch s.pub.(type) {
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	case *rsa.PublicKey:
		if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
			params, err := pssParams(pssOpts)
			if err != nil {
				return nil, err
			}
			mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params)
			break
		}
		// CKM_RSA_PKCS expects the DigestInfo, not the bare digest.
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		dataToSign, err = addDigestInfoPrefix(digest, opts.HashFunc())
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported key type for signing")
	}

	ctx := s.pool.Context()
	if err := ctx.SignInit(session, []*pkcs11.Mechanism{mech}, s.keyHandle); err != nil {
		return nil, fmt.Errorf("failed to init sign: %w", err)
	}
	sig, err := ctx.Sign(session, dataToSign)
	if err != nil {
		if e, ok := err.(pkcs11.Error); ok && e == pkcs11.CKR_USER_NOT_LOGGED_IN {
			return nil, ErrLoginRequired
		}
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		return ECDSARawToDER(sig)
	}
	return sig, nil
}

// DigestInfo prefixes for PKCS#1 v1.5 signatures (RFC 8017)
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

func addDigestInfoPrefix(digest []byte, hash crypto.Hash) ([]byte, error) {
	prefix, ok := digestInfoPrefixes[hash]
	if !ok {
		return nil, fmt.Errorf("unsupported hash for token RSA signing: %v", hash)
	}
	out := make([]byte, 0, len(prefix)+len(digest))
	out = append(out, prefix...)
	return append(out, digest...), nil
}

var pssMechanisms = map[crypto.Hash][2]uint{
	crypto.SHA256: {pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256},
	crypto.SHA384: {pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384},
	crypto.SHA512: {pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512},
}

// pssParams builds CK_RSA_PKCS_PSS_PARAMS with a salt as long as the digest.
func pssParams(opts *rsa.PSSOptions) ([]byte, error) {
	m, ok := pssMechanisms[opts.Hash]
	if !ok {
		return nil, fmt.Errorf("unsupported hash for token RSA-PSS signing: %v", opts.Hash)
	}
	salt := opts.SaltLength
	if salt <= 0 {
		salt = opts.Hash.Size()
	}
	return pkcs11.NewPSSParams(m[0], m[1], uint(salt)), nil
}

// ChangePIN replaces the user PIN of the token.
func (s *PKCS11Signer) ChangePIN(oldPIN, newPIN string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("signer is closed")
	}
	return s.pool.ChangePIN(oldPIN, newPIN)
}

// TokenInfo reads the token and slot descriptions.
func (s *PKCS11Signer) TokenInfo() (TokenInfo, error) {
	ctx := s.pool.Context()
	slot := s.pool.slotID
	ti, err := ctx.GetTokenInfo(slot)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to get token info: %w", err)
	}
	info := TokenInfo{
		SlotID:          slot,
		Label:           strings.TrimSpace(ti.Label),
		Manufacturer:    strings.TrimSpace(ti.ManufacturerID),
		Model:           strings.TrimSpace(ti.Model),
		Serial:          strings.TrimSpace(ti.SerialNumber),
		HardwareVersion: fmt.Sprintf("%d.%d", ti.HardwareVersion.Major, ti.HardwareVersion.Minor),
		FirmwareVersion: fmt.Sprintf("%d.%d", ti.FirmwareVersion.Major, ti.FirmwareVersion.Minor),
		PINCountLow:     ti.Flags&pkcs11.CKF_USER_PIN_COUNT_LOW != 0,
		PINFinalTry:     ti.Flags&pkcs11.CKF_USER_PIN_FINAL_TRY != 0,
		PINLocked:       ti.Flags&pkcs11.CKF_USER_PIN_LOCKED != 0,
	}
	if si, err := ctx.GetSlotInfo(slot); err == nil {
		info.Reader = strings.TrimSpace(si.SlotDescription)
	}
	return info, nil
}

// Certificates reads the X.509 certificate objects stored on the token.
func (s *PKCS11Signer) Certificates() ([]*x509.Certificate, error) {
	session, release, err := s.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}
	defer release()

	ctx := s.pool.Context()
	objs, err := findObjects(ctx, session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
	}, 64)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	for _, obj := range objs {
		attrs, err := ctx.GetAttributeValue(session, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil || len(attrs[0].Value) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(attrs[0].Value)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// Close releases the signer. The pool is shared and closed by CloseAllPools.
func (s *PKCS11Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ListHSMSlots lists the slots of a PKCS#11 module.
func ListHSMSlots(modulePath string) ([]SlotInfo, error) {
	ctx, err := initModule(modulePath)
	if err != nil {
		return nil, err
	}
	defer ctx.Destroy()

	slots, err := ctx.GetSlotList(false)
	if err != nil {
		return nil, fmt.Errorf("failed to get slot list: %w", err)
	}

	out := make([]SlotInfo, 0, len(slots))
	for _, slot := range slots {
		slotInfo, err := ctx.GetSlotInfo(slot)
		if err != nil {
			continue
		}
		si := SlotInfo{
			ID:          slot,
			Description: slotInfo.SlotDescription,
			HasToken:    slotInfo.Flags&pkcs11.CKF_TOKEN_PRESENT != 0,
		}
		if si.HasToken {
			if tokenInfo, err := ctx.GetTokenInfo(slot); err == nil {
				si.TokenLabel = tokenInfo.Label
				si.TokenSerial = tokenInfo.SerialNumber
				si.Manufacturer = tokenInfo.ManufacturerID
			}
		}
		out = append(out, si)
	}
	return out, nil
}
