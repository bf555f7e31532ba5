package cms

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// DecryptOptions configures CMS decryption.
type DecryptOptions struct {
	// PrivateKey is the recipient key: *rsa.PrivateKey, *ecdsa.PrivateKey,
	// *ecdh.PrivateKey or an RSA crypto.Decrypter.
	PrivateKey crypto.PrivateKey

	// Certificate selects the matching RecipientInfo. When nil every
	// RecipientInfo of a compatible type is tried.
	Certificate *x509.Certificate
}

// DecryptResult contains the decryption result.
type DecryptResult struct {
	Content     []byte
	ContentType asn1.ObjectIdentifier
}

// Decrypt decrypts a CMS EnvelopedData structure.
func Decrypt(data []byte, opts *DecryptOptions) (*DecryptResult, error) {
	if opts == nil || opts.PrivateKey == nil {
		return nil, NewCMSError("decrypt", fmt.Errorf("private key is required"))
	}
	env, err := ParseEnvelopedData(data)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}

	cek, err := decryptCEK(env, opts)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}
	content, err := decryptContent(&env.EncryptedContentInfo, cek)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}
	return &DecryptResult{
		Content:     content,
		ContentType: env.EncryptedContentInfo.ContentType,
	}, nil
}

func decryptCEK(env *EnvelopedData, opts *DecryptOptions) ([]byte, error) {
	var lastErr error
	for _, ri := range env.RecipientInfos {
		cek, err := tryRecipientInfo(ri, opts)
		if err == nil {
			return cek, nil
		}
		if !errors.Is(err, ErrNoRecipient) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoRecipient
}

func tryRecipientInfo(ri asn1.RawValue, opts *DecryptOptions) ([]byte, error) {
	switch {
	case ri.Class == asn1.ClassUniversal && ri.Tag == asn1.TagSequence:
		var ktri keyTransRecipientInfo
		if _, err := asn1.Unmarshal(ri.FullBytes, &ktri); err != nil {
			return nil, fmt.Errorf("%w: KeyTransRecipientInfo: %v", ErrInvalidContent, err)
		}
		if opts.Certificate != nil && !matchesIdentifier(ktri.RID, opts.Certificate) {
			return nil, ErrNoRecipient
		}
		return decryptKeyTrans(&ktri, opts.PrivateKey)

	case ri.Class == asn1.ClassContextSpecific && ri.Tag == 1:
		der, err := retag(ri.FullBytes, asn1.ClassUniversal, asn1.TagSequence)
		if err != nil {
			return nil, fmt.Errorf("%w: KeyAgreeRecipientInfo: %v", ErrInvalidContent, err)
		}
		var kari keyAgreeRecipientInfo
		if _, err := asn1.Unmarshal(der, &kari); err != nil {
			return nil, fmt.Errorf("%w: KeyAgreeRecipientInfo: %v", ErrInvalidContent, err)
		}
		return decryptKeyAgree(&kari, opts)

	default:
		return nil, ErrNoRecipient
	}
}

func decryptKeyTrans(ktri *keyTransRecipientInfo, priv crypto.PrivateKey) ([]byte, error) {
	if !ktri.KeyEncryptionAlgorithm.Algorithm.Equal(OIDRSAOAEP) {
		return nil, fmt.Errorf("%w: key transport %v", ErrUnsupportedAlgorithm, ktri.KeyEncryptionAlgorithm.Algorithm)
	}
	var (
		cek []byte
		err error
	)
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		cek, err = rsa.DecryptOAEP(sha256.New(), rand.Reader, k, ktri.EncryptedKey, nil)
	case crypto.Decrypter:
		if _, ok := k.Public().(*rsa.PublicKey); !ok {
			return nil, ErrNoRecipient
		}
		cek, err = k.Decrypt(rand.Reader, ktri.EncryptedKey, &rsa.OAEPOptions{Hash: crypto.SHA256})
	default:
		return nil, ErrNoRecipient
	}
	if err != nil {
		return nil, fmt.Errorf("%w: RSA-OAEP: %v", ErrDecryptFailed, err)
	}
	return cek, nil
}

func ecdhPrivateKey(priv crypto.PrivateKey) (*ecdh.PrivateKey, bool) {
	switch k := priv.(type) {
	case *ecdh.PrivateKey:
		return k, true
	case *ecdsa.PrivateKey:
		e, err := k.ECDH()
		return e, err == nil
	}
	return nil, false
}

func decryptKeyAgree(kari *keyAgreeRecipientInfo, opts *DecryptOptions) ([]byte, error) {
	priv, ok := ecdhPrivateKey(opts.PrivateKey)
	if !ok {
		return nil, ErrNoRecipient
	}

	var wrapped []byte
	for _, rek := range kari.RecipientEncryptedKeys {
		if opts.Certificate == nil || matchesIdentifier(rek.RID, opts.Certificate) {
			wrapped = rek.EncryptedKey
			break
		}
	}
	if wrapped == nil {
		return nil, ErrNoRecipient
	}

	peer, err := originatorKey(kari.Originator)
	if err != nil {
		return nil, err
	}
	if peer.Curve() != priv.Curve() {
		return nil, ErrNoRecipient
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: ECDH: %v", ErrDecryptFailed, err)
	}

	if !kari.KeyEncryptionAlgorithm.Algorithm.Equal(OIDECDHStdSHA256KDF) {
		return nil, fmt.Errorf("%w: key agreement %v", ErrUnsupportedAlgorithm, kari.KeyEncryptionAlgorithm.Algorithm)
	}
	var wrapAlg pkix.AlgorithmIdentifier
	if _, err := asn1.Unmarshal(kari.KeyEncryptionAlgorithm.Parameters.FullBytes, &wrapAlg); err != nil {
		return nil, fmt.Errorf("%w: key wrap algorithm: %v", ErrInvalidContent, err)
	}
	var kekSize int
	switch {
	case wrapAlg.Algorithm.Equal(OIDAESWrap256):
		kekSize = 32
	case wrapAlg.Algorithm.Equal(OIDAESWrap128):
		kekSize = 16
	default:
		return nil, fmt.Errorf("%w: key wrap %v", ErrUnsupportedAlgorithm, wrapAlg.Algorithm)
	}

	kek, err := deriveKEK(secret, wrapAlg.Algorithm, kari.UKM, kekSize)
	if err != nil {
		return nil, err
	}
	return aesKeyUnwrap(kek, wrapped)
}

// originatorKey extracts the ephemeral public key from the [0] originator.
func originatorKey(originator asn1.RawValue) (*ecdh.PublicKey, error) {
	var inner asn1.RawValue
	if _, err := asn1.Unmarshal(originator.Bytes, &inner); err != nil {
		return nil, fmt.Errorf("%w: originator: %v", ErrInvalidContent, err)
	}
	if inner.Class != asn1.ClassContextSpecific || inner.Tag != 1 {
		return nil, fmt.Errorf("%w: originator is not an originatorKey", ErrUnsupportedAlgorithm)
	}
	der, err := retag(inner.FullBytes, asn1.ClassUniversal, asn1.TagSequence)
	if err != nil {
		return nil, fmt.Errorf("%w: originator: %v", ErrInvalidContent, err)
	}
	var opk originatorPublicKey
	if _, err := asn1.Unmarshal(der, &opk); err != nil {
		return nil, fmt.Errorf("%w: originator: %v", ErrInvalidContent, err)
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(opk.Algorithm.Parameters.FullBytes, &oid); err != nil {
		return nil, fmt.Errorf("%w: originator curve: %v", ErrInvalidContent, err)
	}
	curve, err := ecdhCurve(oid)
	if err != nil {
		return nil, err
	}
	pub, err := curve.NewPublicKey(opk.PublicKey.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: originator key: %v", ErrInvalidContent, err)
	}
	return pub, nil
}

func decryptContent(eci *EncryptedContentInfo, cek []byte) ([]byte, error) {
	alg := eci.ContentEncryptionAlgorithm
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	switch {
	case alg.Algorithm.Equal(OIDAES256GCM), alg.Algorithm.Equal(OIDAES128GCM):
		var params gcmParameters
		if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
			return nil, fmt.Errorf("%w: GCM parameters: %v", ErrInvalidContent, err)
		}
		gcm, err := cipher.NewGCMWithNonceSize(block, len(params.Nonce))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
		out, err := gcm.Open(nil, params.Nonce, eci.EncryptedContent, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
		return out, nil

	case alg.Algorithm.Equal(OIDAES256CBC), alg.Algorithm.Equal(OIDAES128CBC):
		var iv []byte
		if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &iv); err != nil || len(iv) != aes.BlockSize {
			return nil, fmt.Errorf("%w: CBC IV", ErrInvalidContent)
		}
		ct := eci.EncryptedContent
		if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrDecryptFailed)
		}
		out := make([]byte, len(ct))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
		pad := int(out[len(out)-1])
		if pad == 0 || pad > aes.BlockSize {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryptFailed)
		}
		for _, b := range out[len(out)-pad:] {
			if int(b) != pad {
				return nil, fmt.Errorf("%w: invalid padding", ErrDecryptFailed)
			}
		}
		return out[:len(out)-pad], nil
	}
	return nil, fmt.Errorf("%w: content encryption %v", ErrUnsupportedAlgorithm, alg.Algorithm)
}
