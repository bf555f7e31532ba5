package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

const (
	queryContentType = "application/timestamp-query"
	replyContentType = "application/timestamp-reply"

	maxMessageSize = 1 << 20
)

// Client requests timestamp tokens over HTTP (RFC 3161 Section 3.4).
type Client struct {
	URL        string
	HTTPClient *http.Client
	// Timeout bounds each request (default 10s).
	Timeout time.Duration
	// Hash is the message imprint algorithm (default SHA-256).
	Hash crypto.Hash
}

// Timestamp requests a token over data and checks that it answers the
// request. The token signature is verified by Verify, not here.
func (c *Client) Timestamp(ctx context.Context, data []byte) (*Token, error) {
	hash := c.Hash
	if hash == 0 {
		hash = crypto.SHA256
	}
	digest, err := pkicrypto.Digest(hash, data)
	if err != nil {
		return nil, NewTSAError("request", fmt.Errorf("%w: %v", ErrUnsupportedHashAlgorithm, err))
	}
	return c.TimestampDigest(ctx, hash, digest)
}

// TimestampDigest requests a token over a precomputed digest.
func (c *Client) TimestampDigest(ctx context.Context, hash crypto.Hash, digest []byte) (*Token, error) {
	if c.URL == "" {
		return nil, NewTSAError("request", fmt.Errorf("%w: no TSA URL configured", ErrInvalidRequest))
	}
	mi, err := NewMessageImprint(hash, digest)
	if err != nil {
		return nil, NewTSAError("request", err)
	}
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, NewTSAError("request", err)
	}
	req := &TimeStampReq{Version: 1, MessageImprint: mi, Nonce: nonce, CertReq: true}
	der, err := req.Marshal()
	if err != nil {
		return nil, NewTSAError("request", err)
	}

	body, err := c.post(ctx, der)
	if err != nil {
		return nil, NewTSAError("request", err)
	}
	resp, err := ParseResponse(body)
	if err != nil {
		return nil, NewTSAError("response", err)
	}
	if !resp.IsGranted() {
		return nil, NewTSAError("response", fmt.Errorf("%w: %s: %s", ErrRejected, resp.StatusString(), resp.FailureString()))
	}

	info := resp.Token.Info
	if info.Nonce == nil || info.Nonce.Cmp(nonce) != 0 {
		return nil, NewTSAError("response", ErrNonceMismatch)
	}
	if !bytes.Equal(info.MessageImprint.HashedMessage, digest) {
		return nil, NewTSAError("response", ErrHashMismatch)
	}
	return resp.Token, nil
}

func (c *Client) post(ctx context.Context, der []byte) ([]byte, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(der))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", queryContentType)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("TSA request to %s failed: %w", c.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TSA %s returned HTTP %d", c.URL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
}
