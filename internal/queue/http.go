package queue

import (
	"crypto/tls"
	"net/http"
	"time"
)

// NewHTTPClient creates the HTTP client used for queue calls and data downloads.
// Certificate verification can be turned off for queues with self-signed certificates.
func NewHTTPClient(timeout time.Duration, verifyTLS bool) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
