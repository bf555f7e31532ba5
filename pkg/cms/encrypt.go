package cms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
)

// EncryptOptions configures CMS encryption.
type EncryptOptions struct {
	// Recipients is the list of recipient certificates. Each recipient gets
	// its own RecipientInfo.
	Recipients []*x509.Certificate

	// ContentType defaults to id-data.
	ContentType asn1.ObjectIdentifier

	// ContentEncryption defaults to AES-256-GCM.
	ContentEncryption ContentEncryptionAlgorithm
}

// ContentEncryptionAlgorithm identifies the content encryption algorithm.
type ContentEncryptionAlgorithm int

const (
	AES256GCM ContentEncryptionAlgorithm = iota
	AES256CBC
	AES128GCM
)

var (
	oidP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

// Encrypt creates a CMS EnvelopedData structure. The content is encrypted
// with a random content-encryption key, which is then transported to each
// recipient:
//   - RSA: RSA-OAEP with SHA-256
//   - EC: ephemeral-static ECDH, X9.63 KDF and AES-256 key wrap (RFC 5753)
func Encrypt(data []byte, opts *EncryptOptions) ([]byte, error) {
	if opts == nil || len(opts.Recipients) == 0 {
		return nil, NewCMSError("encrypt", ErrNoRecipient)
	}
	contentType := opts.ContentType
	if contentType == nil {
		contentType = OIDData
	}

	cekSize := 32
	if opts.ContentEncryption == AES128GCM {
		cekSize = 16
	}
	cek := make([]byte, cekSize)
	if _, err := rand.Read(cek); err != nil {
		return nil, NewCMSError("encrypt", fmt.Errorf("failed to generate CEK: %w", err))
	}

	encrypted, contentEncAlg, err := encryptContent(data, cek, opts.ContentEncryption)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}

	env := EnvelopedData{
		Version: 0,
		EncryptedContentInfo: EncryptedContentInfo{
			ContentType:                contentType,
			ContentEncryptionAlgorithm: contentEncAlg,
			EncryptedContent:           encrypted,
		},
	}
	for _, cert := range opts.Recipients {
		ri, err := newRecipientInfo(cek, cert)
		if err != nil {
			return nil, NewCMSError("encrypt", fmt.Errorf("recipient %q: %w", cert.Subject.CommonName, err))
		}
		// kari forces version 2 (RFC 5652 Section 6.1).
		if ri.Class == asn1.ClassContextSpecific {
			env.Version = 2
		}
		env.RecipientInfos = append(env.RecipientInfos, ri)
	}
	return env.Marshal()
}

func encryptContent(data, cek []byte, alg ContentEncryptionAlgorithm) ([]byte, pkix.AlgorithmIdentifier, error) {
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}
	if alg == AES256CBC {
		return encryptAESCBC(block, data)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}
	params, err := asn1.Marshal(gcmParameters{Nonce: nonce, ICVLen: gcm.Overhead()})
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}
	oid := OIDAES256GCM
	if len(cek) == 16 {
		oid = OIDAES128GCM
	}
	return gcm.Seal(nil, nonce, data, nil), pkix.AlgorithmIdentifier{
		Algorithm:  oid,
		Parameters: asn1.RawValue{FullBytes: params},
	}, nil
}

// encryptAESCBC encrypts with PKCS#7 padding; the IV is the parameter.
func encryptAESCBC(block cipher.Block, data []byte) ([]byte, pkix.AlgorithmIdentifier, error) {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	ivDER, err := asn1.Marshal(iv)
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}
	return out, pkix.AlgorithmIdentifier{
		Algorithm:  OIDAES256CBC,
		Parameters: asn1.RawValue{FullBytes: ivDER},
	}, nil
}

func newRecipientInfo(cek []byte, cert *x509.Certificate) (asn1.RawValue, error) {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return newKeyTransRecipientInfo(cek, cert, pub)
	case *ecdsa.PublicKey:
		return newKeyAgreeRecipientInfo(cek, cert, pub)
	default:
		return asn1.RawValue{}, fmt.Errorf("%w: recipient key %T", ErrUnsupportedAlgorithm, pub)
	}
}

func oaepAlgorithm() (pkix.AlgorithmIdentifier, error) {
	sha256ID := pkix.AlgorithmIdentifier{Algorithm: OIDSHA256}
	sha256DER, err := asn1.Marshal(sha256ID)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	params, err := asn1.Marshal(rsaOAEPParams{
		HashAlgorithm:    sha256ID,
		MaskGenAlgorithm: pkix.AlgorithmIdentifier{Algorithm: OIDMGF1, Parameters: asn1.RawValue{FullBytes: sha256DER}},
	})
	if err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	return pkix.AlgorithmIdentifier{Algorithm: OIDRSAOAEP, Parameters: asn1.RawValue{FullBytes: params}}, nil
}

func newKeyTransRecipientInfo(cek []byte, cert *x509.Certificate, pub *rsa.PublicKey) (asn1.RawValue, error) {
	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, cek, nil)
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("RSA-OAEP encryption failed: %w", err)
	}
	alg, err := oaepAlgorithm()
	if err != nil {
		return asn1.RawValue{}, err
	}
	rid, err := issuerAndSerial(cert)
	if err != nil {
		return asn1.RawValue{}, err
	}
	der, err := asn1.Marshal(keyTransRecipientInfo{
		Version:                0,
		RID:                    rid,
		KeyEncryptionAlgorithm: alg,
		EncryptedKey:           encryptedKey,
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, FullBytes: der}, nil
}

func curveOID(c elliptic.Curve) (asn1.ObjectIdentifier, error) {
	switch c {
	case elliptic.P256():
		return oidP256, nil
	case elliptic.P384():
		return oidP384, nil
	case elliptic.P521():
		return oidP521, nil
	}
	return nil, fmt.Errorf("%w: curve %s", ErrUnsupportedAlgorithm, c.Params().Name)
}

func ecdhCurve(oid asn1.ObjectIdentifier) (ecdh.Curve, error) {
	switch {
	case oid.Equal(oidP256):
		return ecdh.P256(), nil
	case oid.Equal(oidP384):
		return ecdh.P384(), nil
	case oid.Equal(oidP521):
		return ecdh.P521(), nil
	}
	return nil, fmt.Errorf("%w: curve %v", ErrUnsupportedAlgorithm, oid)
}

// keyAgreeAlgorithm is dhSinglePass-stdDH-sha256kdf-scheme whose parameter
// is the key wrap algorithm.
func keyAgreeAlgorithm() (pkix.AlgorithmIdentifier, error) {
	wrap, err := asn1.Marshal(pkix.AlgorithmIdentifier{Algorithm: OIDAESWrap256})
	if err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	return pkix.AlgorithmIdentifier{Algorithm: OIDECDHStdSHA256KDF, Parameters: asn1.RawValue{FullBytes: wrap}}, nil
}

// deriveKEK applies the X9.63 KDF with ECC-CMS-SharedInfo naming the wrap
// algorithm and the KEK size in bits.
func deriveKEK(secret []byte, wrapOID asn1.ObjectIdentifier, ukm []byte, keySize int) ([]byte, error) {
	supp := make([]byte, 4)
	binary.BigEndian.PutUint32(supp, uint32(keySize*8))
	info, err := asn1.Marshal(eccCMSSharedInfo{
		KeyInfo:     pkix.AlgorithmIdentifier{Algorithm: wrapOID},
		EntityUInfo: ukm,
		SuppPubInfo: supp,
	})
	if err != nil {
		return nil, err
	}
	return x963KDF(secret, keySize, info), nil
}

func newKeyAgreeRecipientInfo(cek []byte, cert *x509.Certificate, pub *ecdsa.PublicKey) (asn1.RawValue, error) {
	oid, err := curveOID(pub.Curve)
	if err != nil {
		return asn1.RawValue{}, err
	}
	peer, err := pub.ECDH()
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("invalid recipient key: %w", err)
	}
	eph, err := peer.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	secret, err := eph.ECDH(peer)
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("ECDH failed: %w", err)
	}
	kek, err := deriveKEK(secret, OIDAESWrap256, nil, 32)
	if err != nil {
		return asn1.RawValue{}, err
	}
	wrapped, err := aesKeyWrap(kek, cek)
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("key wrap failed: %w", err)
	}

	curveDER, err := asn1.Marshal(oid)
	if err != nil {
		return asn1.RawValue{}, err
	}
	ephPub := eph.PublicKey().Bytes()
	origKey, err := asn1.Marshal(originatorPublicKey{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: OIDECPublicKey, Parameters: asn1.RawValue{FullBytes: curveDER}},
		PublicKey: asn1.BitString{Bytes: ephPub, BitLength: 8 * len(ephPub)},
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	// originator [0] EXPLICIT { originatorKey [1] IMPLICIT }
	origKey, err = retag(origKey, asn1.ClassContextSpecific, 1)
	if err != nil {
		return asn1.RawValue{}, err
	}
	originator, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: origKey})
	if err != nil {
		return asn1.RawValue{}, err
	}

	alg, err := keyAgreeAlgorithm()
	if err != nil {
		return asn1.RawValue{}, err
	}
	rid, err := issuerAndSerial(cert)
	if err != nil {
		return asn1.RawValue{}, err
	}
	der, err := asn1.Marshal(keyAgreeRecipientInfo{
		Version:                3,
		Originator:             asn1.RawValue{FullBytes: originator},
		KeyEncryptionAlgorithm: alg,
		RecipientEncryptedKeys: []recipientEncryptedKey{{RID: rid, EncryptedKey: wrapped}},
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	der, err = retag(der, asn1.ClassContextSpecific, 1)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, FullBytes: der}, nil
}
