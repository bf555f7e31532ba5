package credential

import (
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/status"
)

// token is the PKCS#11 surface HardwareToken needs.
type token interface {
	pkicrypto.Signer
	pkicrypto.CertificateHolder
	NeedsLogin() bool
	Login(pin string) error
	ChangePIN(oldPIN, newPIN string) error
	TokenInfo() (pkicrypto.TokenInfo, error)
	Close() error
}

// HardwareToken is a Source backed by a smart card or HSM. Operations on one
// token are serialized; the PIN is requested through the Prompter on first
// use and the login is kept for the life of the session pool.
type HardwareToken struct {
	tok      token
	label    string
	prompter Prompter
	busy     chan struct{}

	mu     sync.Mutex
	chain  *Chain
	closed bool
}

var (
	_ Source    = (*HardwareToken)(nil)
	_ PSSSigner = (*HardwareToken)(nil)
)

// OpenHardwareToken opens the PKCS#11 token described by cfg. If cfg.PIN is
// empty the prompter is asked for it when a signature is first needed.
func OpenHardwareToken(cfg pkicrypto.PKCS11Config, prompter Prompter) (*HardwareToken, error) {
	signer, err := pkicrypto.NewPKCS11Signer(cfg)
	if err != nil {
		return nil, unavailable("open", err)
	}
	label := cfg.TokenLabel
	if label == "" {
		label = cfg.KeyLabel
	}
	return newHardwareToken(signer, label, prompter), nil
}

func newHardwareToken(tok token, label string, prompter Prompter) *HardwareToken {
	return &HardwareToken{
		tok:      tok,
		label:    label,
		prompter: prompter,
		busy:     make(chan struct{}, 1),
	}
}

var errTokenClosed = errors.New("token is closed")

func (h *HardwareToken) acquire(ctx context.Context) error {
	select {
	case h.busy <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		h.release()
		return errTokenClosed
	}
	return nil
}

func (h *HardwareToken) release() { <-h.busy }

// Certificates reads the certificates stored on the token.
func (h *HardwareToken) Certificates(ctx context.Context) (*Chain, error) {
	h.mu.Lock()
	cached := h.chain
	h.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	if err := h.acquire(ctx); err != nil {
		return nil, acquireError("certificates", err)
	}
	defer h.release()

	certs, err := h.tok.Certificates()
	if err != nil {
		return nil, unavailable("certificates", err)
	}
	chain, err := buildChain(h.tok.Public(), certs)
	if err != nil {
		return nil, unavailable("certificates", err)
	}

	h.mu.Lock()
	h.chain = chain
	h.mu.Unlock()
	return chain, nil
}

// SignDigest signs on the token. It may block on the PIN prompt or on the
// card itself; cancelling ctx returns UserCancelled right away while the
// token finishes in the background, and later calls and Close wait for it.
func (h *HardwareToken) SignDigest(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error) {
	return h.signWith(ctx, digest, pkicrypto.SignerOpts(h.tok.Algorithm(), hash))
}

// SignDigestPSS signs with RSASSA-PSS (CKM_RSA_PKCS_PSS) and a salt as long
// as the digest.
func (h *HardwareToken) SignDigestPSS(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error) {
	if !h.tok.Algorithm().IsRSA() {
		return nil, status.New(status.KindInvalidRequest, "sign", "PSS padding needs an RSA key, token holds %s", h.tok.Algorithm())
	}
	return h.signWith(ctx, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash})
}

func (h *HardwareToken) signWith(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	const op = "sign"
	if err := h.acquire(ctx); err != nil {
		return nil, acquireError(op, err)
	}

	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer h.release()
		sig, err := h.sign(ctx, digest, opts)
		done <- result{sig, err}
	}()

	select {
	case r := <-done:
		return r.sig, r.err
	case <-ctx.Done():
		return nil, cancelled(op, ctx.Err())
	}
}

func (h *HardwareToken) sign(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	const op = "sign"
	if err := h.login(ctx); err != nil {
		return nil, err
	}
	sig, err := h.tok.Sign(nil, digest, opts)
	if err != nil {
		return nil, unavailable(op, fmt.Errorf("token signing failed: %w", err))
	}
	return sig, nil
}

func (h *HardwareToken) login(ctx context.Context) error {
	const op = "login"
	if !h.tok.NeedsLogin() {
		return nil
	}
	if h.prompter == nil {
		return unavailable(op, pkicrypto.ErrLoginRequired)
	}
	pin, err := h.prompter.PromptPIN(ctx, h.label)
	if err != nil {
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return cancelled(op, err)
		}
		return unavailable(op, err)
	}
	if err := h.tok.Login(pin); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// Algorithm returns the key algorithm.
func (h *HardwareToken) Algorithm() pkicrypto.AlgorithmID { return h.tok.Algorithm() }

// Public returns the public key.
func (h *HardwareToken) Public() crypto.PublicKey { return h.tok.Public() }

// ChangePIN replaces the user PIN of the token. It waits for any signature
// still running on the card.
func (h *HardwareToken) ChangePIN(ctx context.Context, oldPIN, newPIN string) error {
	const op = "change-pin"
	if oldPIN == "" || newPIN == "" {
		return status.New(status.KindInvalidRequest, op, "current and new PIN are required")
	}
	if err := h.acquire(ctx); err != nil {
		return acquireError(op, err)
	}
	defer h.release()
	if err := h.tok.ChangePIN(oldPIN, newPIN); err != nil {
		if errors.Is(err, pkicrypto.ErrPINInvalid) {
			return status.Wrap(status.KindInvalidRequest, op, err)
		}
		return unavailable(op, err)
	}
	return nil
}

// TokenInfo describes the token: label, manufacturer, model, serial number,
// firmware and the reader holding it.
func (h *HardwareToken) TokenInfo(ctx context.Context) (pkicrypto.TokenInfo, error) {
	const op = "token-info"
	if err := h.acquire(ctx); err != nil {
		return pkicrypto.TokenInfo{}, acquireError(op, err)
	}
	defer h.release()
	info, err := h.tok.TokenInfo()
	if err != nil {
		return pkicrypto.TokenInfo{}, unavailable(op, err)
	}
	return info, nil
}

// Close waits for the operation running on the card, if any, then releases
// the token signer. Later operations fail with CredentialUnavailable.
func (h *HardwareToken) Close() error {
	h.busy <- struct{}{}
	defer h.release()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.tok.Close()
}

func acquireError(op string, err error) error {
	if errors.Is(err, errTokenClosed) {
		return unavailable(op, err)
	}
	return cancelled(op, err)
}

func cancelled(op string, err error) error {
	return status.Wrap(status.KindUserCancelled, op, err)
}
