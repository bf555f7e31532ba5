//go:build cgo

package crypto

import (
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS11SessionPool manages PKCS#11 sessions for one module and slot with
// Acquire/Release semantics. Login is per token, so it happens once for the
// pool and applies to every session.
type PKCS11SessionPool struct {
	mu        sync.Mutex
	ctx       *pkcs11.Ctx
	module    string
	slotID    uint
	available []pkcs11.SessionHandle
	inUse     map[pkcs11.SessionHandle]bool
	loginDone bool
	closed    bool
}

var (
	// globalPools holds one pool per (module, slot).
	globalPools   = make(map[string]*PKCS11SessionPool)
	globalPoolsMu sync.Mutex
)

func poolKey(modulePath string, slotID uint) string {
	return fmt.Sprintf("%s:%d", modulePath, slotID)
}

// initModule loads and initializes a module, tolerating an already
// initialized library.
func initModule(modulePath string) (*pkcs11.Ctx, error) {
	ctx := pkcs11.New(modulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module: %s", modulePath)
	}
	if err := ctx.Initialize(); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			ctx.Destroy()
			return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
		}
	}
	return ctx, nil
}

// GetSessionPool returns the session pool for a module and slot, creating it
// on first use.
func GetSessionPool(modulePath string, slotID uint) (*PKCS11SessionPool, error) {
	globalPoolsMu.Lock()
	defer globalPoolsMu.Unlock()

	key := poolKey(modulePath, slotID)
	if pool, ok := globalPools[key]; ok {
		pool.mu.Lock()
		closed := pool.closed
		pool.mu.Unlock()
		if !closed {
			return pool, nil
		}
		delete(globalPools, key)
	}

	ctx, err := initModule(modulePath)
	if err != nil {
		return nil, err
	}

	pool := &PKCS11SessionPool{
		ctx:    ctx,
		module: modulePath,
		slotID: slotID,
		inUse:  make(map[pkcs11.SessionHandle]bool),
	}
	globalPools[key] = pool
	return pool, nil
}

// Context returns the underlying PKCS#11 context.
func (p *PKCS11SessionPool) Context() *pkcs11.Ctx {
	return p.ctx
}

// LoggedIn reports whether the user PIN was accepted for this token.
func (p *PKCS11SessionPool) LoggedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginDone
}

// Login logs the user in once for the whole token.
func (p *PKCS11SessionPool) Login(pin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("session pool is closed")
	}
	if p.loginDone {
		return nil
	}

	session, err := p.takeLocked()
	if err != nil {
		return err
	}
	defer func() { p.available = append(p.available, session) }()

	if err := p.ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
		if e, ok := err.(pkcs11.Error); !ok || e != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
			return pinError("login", err)
		}
	}
	p.loginDone = true
	return nil
}

// ChangePIN replaces the user PIN (C_SetPIN). Tokens that require a login
// first get it with oldPIN.
func (p *PKCS11SessionPool) ChangePIN(oldPIN, newPIN string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("session pool is closed")
	}
	session, err := p.takeLocked()
	if err != nil {
		return err
	}
	defer func() { p.available = append(p.available, session) }()

	if err := p.ctx.SetPIN(session, oldPIN, newPIN); err != nil {
		return pinError("change PIN", err)
	}
	return nil
}

func pinError(op string, err error) error {
	e, ok := err.(pkcs11.Error)
	switch {
	case ok && e == pkcs11.CKR_PIN_INCORRECT:
		return ErrPINIncorrect
	case ok && e == pkcs11.CKR_PIN_LOCKED:
		return ErrPINLocked
	case ok && (e == pkcs11.CKR_PIN_INVALID || e == pkcs11.CKR_PIN_LEN_RANGE):
		return ErrPINInvalid
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

func (p *PKCS11SessionPool) takeLocked() (pkcs11.SessionHandle, error) {
	if n := len(p.available); n > 0 {
		s := p.available[n-1]
		p.available = p.available[:n-1]
		return s, nil
	}
	s, err := p.ctx.OpenSession(p.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return 0, fmt.Errorf("failed to open session: %w", err)
	}
	return s, nil
}

// Acquire reserves a session. The returned release function must be called
// when done:
//
//	session, release, err := pool.Acquire()
//	if err != nil { return err }
//	defer release()
func (p *PKCS11SessionPool) Acquire() (pkcs11.SessionHandle, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, nil, fmt.Errorf("session pool is closed")
	}
	session, err := p.takeLocked()
	if err != nil {
		return 0, nil, err
	}
	p.inUse[session] = true

	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.inUse, session)
		if p.closed {
			_ = p.ctx.CloseSession(session)
			return
		}
		p.available = append(p.available, session)
	}
	return session, release, nil
}

// Close logs out, closes all sessions and finalizes the module.
func (p *PKCS11SessionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error

	if p.loginDone && len(p.available) > 0 {
		if err := p.ctx.Logout(p.available[0]); err != nil {
			if e, ok := err.(pkcs11.Error); !ok || e != pkcs11.CKR_USER_NOT_LOGGED_IN {
				errs = append(errs, fmt.Errorf("logout: %w", err))
			}
		}
	}
	for _, session := range p.available {
		if err := p.ctx.CloseSession(session); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	for session := range p.inUse {
		if err := p.ctx.CloseSession(session); err != nil {
			errs = append(errs, fmt.Errorf("close in-use session: %w", err))
		}
	}
	if err := p.ctx.Finalize(); err != nil {
		if e, ok := err.(pkcs11.Error); !ok || e != pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED {
			errs = append(errs, fmt.Errorf("finalize: %w", err))
		}
	}
	p.ctx.Destroy()

	globalPoolsMu.Lock()
	delete(globalPools, poolKey(p.module, p.slotID))
	globalPoolsMu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("errors closing pool: %v", errs)
	}
	return nil
}

// CloseAllPools closes every session pool. Call it at program exit.
func CloseAllPools() {
	globalPoolsMu.Lock()
	pools := make([]*PKCS11SessionPool, 0, len(globalPools))
	for _, pool := range globalPools {
		pools = append(pools, pool)
	}
	globalPoolsMu.Unlock()

	for _, pool := range pools {
		_ = pool.Close()
	}
}
