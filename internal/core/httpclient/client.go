// Package httpclient builds the pooled HTTP client used to reach the upstream
// map-data provider.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// NewOutbound returns a client tuned for many concurrent fetches against a
// single upstream host. Redirects are not followed, so a 3xx reaches the
// caller's classification as is. There is no client-wide timeout: each attempt
// carries its own deadline, and headers must arrive within attemptTimeout.
func NewOutbound(attemptTimeout time.Duration) *http.Client {
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}
	dialTimeout := min(attemptTimeout, 5*time.Second)
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dialTimeout,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: attemptTimeout,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
