package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	requestContentType  = "application/ocsp-request"
	responseContentType = "application/ocsp-response"

	maxResponseSize = 1 << 20
)

// Client fetches and verifies OCSP responses over HTTP POST.
type Client struct {
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// URL overrides the responder named in the certificate.
	URL string

	// Timeout bounds each fetch (default 10s).
	Timeout time.Duration

	// Hash is the CertID hash (default SHA-256).
	Hash crypto.Hash

	// DisableNonce omits the nonce extension.
	DisableNonce bool
}

// Check fetches the status of cert issued by issuer and verifies the
// response. The returned result carries the raw response for embedding.
func (c *Client) Check(ctx context.Context, cert, issuer *x509.Certificate) (*VerifyResult, error) {
	url := c.URL
	if url == "" {
		if len(cert.OCSPServer) == 0 {
			return nil, ErrNoServer
		}
		url = cert.OCSPServer[0]
	}
	hash := c.Hash
	if hash == 0 {
		hash = crypto.SHA256
	}

	var nonce []byte
	if !c.DisableNonce {
		nonce = make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
	}
	req, err := CreateRequest(issuer, cert, hash, nonce)
	if err != nil {
		return nil, err
	}
	der, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OCSP request: %w", err)
	}

	data, err := c.post(ctx, url, der)
	if err != nil {
		return nil, err
	}
	return Verify(data, &VerifyConfig{IssuerCert: issuer, Certificate: cert, Nonce: nonce})
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", requestContentType)
	httpReq.Header.Set("Accept", responseContentType)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("OCSP request to %s failed: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCSP responder %s returned HTTP %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read OCSP response: %w", err)
	}
	return data, nil
}
