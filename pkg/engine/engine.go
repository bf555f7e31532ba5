// Package engine is the signature engine: batch signing, verification,
// certificate retrieval and encryption over a credential Source.
//
// A Context owns all engine state. It is created with New, initialized once
// with Init and released once with Close. Every operation returns a
// *status.Error on failure and records it as the LastError of the context.
package engine

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/audit"
	"github.com/remiblancher/qsign/pkg/credential"
	"github.com/remiblancher/qsign/pkg/ers"
	"github.com/remiblancher/qsign/pkg/ocsp"
	"github.com/remiblancher/qsign/pkg/status"
)

// Version is the engine version, overridden at build time.
var Version = "1.0.0"

const (
	defaultSignatureLimit = 100
	defaultParallelism    = 4
)

// Config configures a Context. The zero value is usable.
type Config struct {
	// SignatureLimit bounds the documents per Sign call (default 100).
	SignatureLimit int
	// Parallelism bounds concurrent signatures in a batch (default 4).
	Parallelism int

	// RequireLicense makes every operation fail until SetLicense succeeds.
	RequireLicense bool
	// LicenseCheck validates license bytes. The default accepts any
	// non-empty license.
	LicenseCheck func(license []byte) error

	// TrustAnchors are used when Verify is called without anchors.
	TrustAnchors []*x509.Certificate

	// OCSP fetches revocation status. Nil uses a default client.
	OCSP *ocsp.Client
	// DisableOCSPFetch only uses supplied and embedded responses.
	DisableOCSPFetch bool

	// TSA timestamps signatures on request; nil disables timestamping.
	TSA ers.Timestamper
	// TSARoots validates timestamp tokens and evidence records.
	TSARoots *x509.CertPool
	// RequireTimestamp makes a missing or invalid timestamp a failure.
	RequireTimestamp bool

	Logger  *zap.Logger
	Metrics Recorder
	Audit   audit.Writer

	// Now is the clock (default time.Now).
	Now func() time.Time
}

type state int

const (
	stateNew state = iota
	stateReady
	stateClosed
)

// Context is one engine instance.
type Context struct {
	cfg     Config
	log     *zap.Logger
	metrics Recorder
	audit   audit.Writer
	ocsp    *ocsp.Client

	mu       sync.RWMutex
	state    state
	src      credential.Source
	licensed bool
	// ops counts operations admitted by begin and not yet finished.
	ops sync.WaitGroup

	errMu   sync.Mutex
	lastErr *status.Error
}

// New creates an uninitialized context.
func New(cfg Config) *Context {
	if cfg.SignatureLimit <= 0 {
		cfg.SignatureLimit = defaultSignatureLimit
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.LicenseCheck == nil {
		cfg.LicenseCheck = func(license []byte) error {
			if len(license) == 0 {
				return errors.New("empty license")
			}
			return nil
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Context{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		audit:   cfg.Audit,
		ocsp:    cfg.OCSP,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = NopRecorder{}
	}
	if c.audit == nil {
		c.audit = audit.NopWriter{}
	}
	if c.ocsp == nil {
		c.ocsp = &ocsp.Client{}
	}
	return c
}

// Init binds the credential source. A nil source gives a verify-only
// context. Init succeeds once; later calls fail with InvalidRequest, and
// calls after Close fail with NotInitialized.
func (c *Context) Init(ctx context.Context, src credential.Source) error {
	const op = "init"
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateReady:
		return c.fail(op, status.New(status.KindInvalidRequest, op, "engine already initialized"))
	case stateClosed:
		return c.fail(op, status.New(status.KindNotInitialized, op, "engine is closed"))
	}
	if err := ctx.Err(); err != nil {
		return c.fail(op, status.Wrap(status.KindUserCancelled, op, err))
	}
	if src != nil {
		c.src = credential.Serialize(src)
	}
	c.state = stateReady
	c.log.Info("engine initialized", zap.String("version", Version), zap.Bool("credential", src != nil))
	c.record(audit.NewEvent(audit.EventEngineInit, audit.ResultSuccess))
	return nil
}

// Close stops accepting operations, waits for those in flight and releases
// the credential source. A second call returns NotInitialized.
func (c *Context) Close() error {
	const op = "close"
	c.mu.Lock()
	if c.state != stateReady {
		c.mu.Unlock()
		return c.fail(op, status.New(status.KindNotInitialized, op, "engine is not initialized"))
	}
	c.state = stateClosed
	src := c.src
	c.src = nil
	c.mu.Unlock()

	c.ops.Wait()
	var err error
	if src != nil {
		err = src.Close()
	}
	c.record(audit.NewEvent(audit.EventEngineClose, audit.ResultOf(err)))
	c.log.Info("engine closed")
	if err != nil {
		return c.fail(op, status.Wrap(status.KindEngineFailure, op, err))
	}
	return nil
}

// SetLicense installs the license. It may be called before Init.
func (c *Context) SetLicense(license []byte) error {
	const op = "license"
	err := c.cfg.LicenseCheck(license)
	c.record(audit.NewEvent(audit.EventLicenseSet, audit.ResultOf(err)))
	if err != nil {
		return c.fail(op, status.Wrap(status.KindInvalidRequest, op, err))
	}
	c.mu.Lock()
	c.licensed = true
	c.mu.Unlock()
	return nil
}

// Ready reports whether the context is initialized, not closed and, when a
// license is required, licensed.
func (c *Context) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateReady && (!c.cfg.RequireLicense || c.licensed)
}

// Version returns the engine version.
func (c *Context) Version() string { return Version }

// SignatureLimit returns the maximum number of documents per Sign call.
func (c *Context) SignatureLimit() int { return c.cfg.SignatureLimit }

// LastError returns the most recent failure of the context, or nil.
func (c *Context) LastError() *status.Error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// begin checks that the context accepts operations and returns the source.
// On success the caller must call done when the operation ends; Close waits
// for it.
func (c *Context) begin(op string) (src credential.Source, done func(), err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != stateReady {
		return nil, nil, c.fail(op, status.New(status.KindNotInitialized, op, "engine is not initialized"))
	}
	if c.cfg.RequireLicense && !c.licensed {
		return nil, nil, c.fail(op, status.New(status.KindNotInitialized, op, "no valid license installed"))
	}
	c.ops.Add(1)
	return c.src, c.ops.Done, nil
}

// source is begin for operations that need a credential.
func (c *Context) source(op string) (credential.Source, func(), error) {
	src, done, err := c.begin(op)
	if err != nil {
		return nil, nil, err
	}
	if src == nil {
		done()
		return nil, nil, c.fail(op, status.New(status.KindCredentialUnavailable, op, "no credential configured"))
	}
	return src, done, nil
}

// fail classifies err, stores it as the last error and returns it.
func (c *Context) fail(op string, err error) *status.Error {
	e := classify(op, err)
	if e == nil {
		return nil
	}
	c.errMu.Lock()
	c.lastErr = e
	c.errMu.Unlock()
	c.log.Debug("operation failed", zap.String("op", op), zap.Stringer("kind", e.Kind), zap.Error(e))
	return e
}

// classify maps lower layer errors to status kinds.
func classify(op string, err error) *status.Error {
	if err == nil {
		return nil
	}
	var e *status.Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, credential.ErrCancelled):
		return status.Wrap(status.KindUserCancelled, op, err)
	}
	return status.Wrap(status.KindEngineFailure, op, err)
}

// record writes an audit event. Audit failures are logged; the audited
// operation has already completed.
func (c *Context) record(event *audit.Event) {
	if err := c.audit.Write(event); err != nil {
		c.log.Error("audit write failed", zap.String("event", string(event.EventType)), zap.Error(err))
	}
}

// Certificates returns the credential certificates. A positive capacity
// bounds their total DER size.
func (c *Context) Certificates(ctx context.Context, capacity int) (*credential.Chain, error) {
	const op = "certificates"
	src, done, err := c.source(op)
	if err != nil {
		return nil, err
	}
	defer done()
	chain, err := src.Certificates(ctx)
	c.record(audit.NewEvent(audit.EventCertificates, audit.ResultOf(err)))
	if err != nil {
		return nil, c.fail(op, err)
	}
	if size := chain.EncodedSize(); capacity > 0 && size > capacity {
		return nil, c.fail(op, status.TooSmall(op, size, capacity))
	}
	return chain, nil
}

// CertificatesSize returns the capacity Certificates needs.
func (c *Context) CertificatesSize(ctx context.Context) (int, error) {
	chain, err := c.Certificates(ctx, 0)
	if err != nil {
		return 0, err
	}
	return chain.EncodedSize(), nil
}

// RequiredSize returns the size carried by a BufferTooSmall error.
func RequiredSize(err error) (int, bool) {
	var e *status.Error
	if errors.As(err, &e) && e.Kind == status.KindBufferTooSmall {
		return e.Required, true
	}
	return 0, false
}
