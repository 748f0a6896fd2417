package snsverify

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CertCache fetches signing certificates over HTTPS and keeps them for the
// process lifetime. SNS rotates certificates rarely; each rotation is a new
// URL, so entries never need invalidation.
type CertCache struct {
	client *http.Client

	group singleflight.Group
	mu    sync.RWMutex
	certs map[string]*x509.Certificate
}

// NewCertCache creates a CertCache using the given HTTP client.
func NewCertCache(client *http.Client) *CertCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &CertCache{
		client: client,
		certs:  make(map[string]*x509.Certificate),
	}
}

// Fetch returns the certificate at certURL, downloading it at most once per
// URL even under concurrent callers.
func (c *CertCache) Fetch(ctx context.Context, certURL string) (*x509.Certificate, error) {
	c.mu.RLock()
	cert, ok := c.certs[certURL]
	c.mu.RUnlock()
	if ok {
		return cert, nil
	}

	result, err, _ := c.group.Do(certURL, func() (any, error) {
		cert, err := c.download(ctx, certURL)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.certs[certURL] = cert
		c.mu.Unlock()
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*x509.Certificate), nil
}

func (c *CertCache) download(ctx context.Context, certURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	return ParseCertPEM(body)
}

// ParseCertPEM decodes the first certificate in a PEM bundle.
func ParseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate in PEM data")
	}
	return x509.ParseCertificate(block.Bytes)
}
