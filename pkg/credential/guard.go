package credential

import (
	"context"
	"crypto"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// Serialize wraps src so that at most one certificate or signing call is in
// flight at a time. Waiting callers give up when their ctx is done.
func Serialize(src Source) Source {
	if g, ok := src.(*guarded); ok {
		return g
	}
	return &guarded{src: src, sem: make(chan struct{}, 1)}
}

type guarded struct {
	src Source
	sem chan struct{}
}

func (g *guarded) enter(ctx context.Context, op string) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return cancelled(op, ctx.Err())
	}
}

func (g *guarded) leave() { <-g.sem }

func (g *guarded) Certificates(ctx context.Context) (*Chain, error) {
	if err := g.enter(ctx, "certificates"); err != nil {
		return nil, err
	}
	defer g.leave()
	return g.src.Certificates(ctx)
}

func (g *guarded) SignDigest(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error) {
	if err := g.enter(ctx, "sign"); err != nil {
		return nil, err
	}
	defer g.leave()
	return g.src.SignDigest(ctx, digest, hash)
}

func (g *guarded) SignDigestPSS(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error) {
	if _, ok := g.src.(PSSSigner); !ok {
		return SignPSS(ctx, g.src, digest, hash)
	}
	if err := g.enter(ctx, "sign"); err != nil {
		return nil, err
	}
	defer g.leave()
	return SignPSS(ctx, g.src, digest, hash)
}

func (g *guarded) Algorithm() pkicrypto.AlgorithmID { return g.src.Algorithm() }

func (g *guarded) Public() crypto.PublicKey { return g.src.Public() }

// Close waits for the call in flight, if any, before closing the source.
func (g *guarded) Close() error {
	g.sem <- struct{}{}
	defer g.leave()
	return g.src.Close()
}

// Unwrap returns the wrapped source.
func (g *guarded) Unwrap() Source { return g.src }

// Underlying returns the innermost source behind any guards.
func Underlying(src Source) Source {
	for {
		u, ok := src.(interface{ Unwrap() Source })
		if !ok {
			return src
		}
		src = u.Unwrap()
	}
}
