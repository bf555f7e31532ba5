package engine

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/audit"
	"github.com/remiblancher/qsign/pkg/cms"
	"github.com/remiblancher/qsign/pkg/credential"
	"github.com/remiblancher/qsign/pkg/status"
)

// decrypter is implemented by sources holding a key usable for key
// transport or key agreement.
type decrypter interface {
	Decrypter() crypto.PrivateKey
}

// EncryptOnly envelopes data for recipients as CMS EnvelopedData. It needs
// no credential.
func (c *Context) EncryptOnly(ctx context.Context, data []byte, recipients []*x509.Certificate) ([]byte, error) {
	const op = "encrypt"
	_, done, err := c.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()
	switch {
	case len(data) == 0:
		return nil, c.fail(op, status.New(status.KindInvalidRequest, op, "nothing to encrypt"))
	case len(recipients) == 0:
		return nil, c.fail(op, status.New(status.KindInvalidRequest, op, "no recipients"))
	}
	if err := ctx.Err(); err != nil {
		return nil, c.fail(op, err)
	}

	env, err := cms.Encrypt(data, &cms.EncryptOptions{Recipients: recipients})
	digest := sha256.Sum256(data)
	c.record(audit.NewEvent(audit.EventEncrypt, audit.ResultOf(err)).
		WithObject(audit.Object{Type: "data", Digest: hex.EncodeToString(digest[:])}).
		WithDetails(audit.Details{Count: len(recipients)}))
	if err != nil {
		return nil, c.fail(op, status.Wrap(status.KindInvalidRequest, op, err))
	}
	c.log.Info("data encrypted", zap.Int("size", len(env)), zap.Int("recipients", len(recipients)))
	return env, nil
}

// Decrypt opens an EnvelopedData addressed to the credential. A positive
// capacity bounds the size of the plaintext.
func (c *Context) Decrypt(ctx context.Context, envelope []byte, capacity int) ([]byte, error) {
	const op = "decrypt"
	src, done, err := c.source(op)
	if err != nil {
		return nil, err
	}
	defer done()
	if len(envelope) == 0 {
		return nil, c.fail(op, status.New(status.KindInvalidRequest, op, "empty envelope"))
	}
	d, ok := credential.Underlying(src).(decrypter)
	if !ok || d.Decrypter() == nil {
		return nil, c.fail(op, status.New(status.KindCredentialUnavailable, op, "credential cannot decrypt"))
	}
	chain, err := src.Certificates(ctx)
	if err != nil {
		return nil, c.fail(op, err)
	}
	cert := chain.Encryption
	if cert == nil {
		cert = chain.Signing
	}

	res, err := cms.Decrypt(envelope, &cms.DecryptOptions{PrivateKey: d.Decrypter(), Certificate: cert})
	c.record(audit.NewEvent(audit.EventDecrypt, audit.ResultOf(err)).
		WithObject(audit.Object{Type: "envelope", Signer: cert.Subject.String(), Serial: fmt.Sprintf("%X", cert.SerialNumber)}))
	if err != nil {
		if errors.Is(err, cms.ErrNoRecipient) {
			return nil, c.fail(op, status.Wrap(status.KindCredentialUnavailable, op, err))
		}
		return nil, c.fail(op, status.Wrap(status.KindInvalidRequest, op, err))
	}
	if capacity > 0 && len(res.Content) > capacity {
		return nil, c.fail(op, status.TooSmall(op, len(res.Content), capacity))
	}
	return res.Content, nil
}
