package provider

import (
	"net"
	"net/http"
	"time"
)

// StreamingHTTPClient returns a pooled HTTP client for long-lived streaming
// responses. There is no overall client timeout because a stream may run for
// minutes; headerTimeout bounds the wait for the first response byte and
// callers bound the whole exchange with a context deadline.
func StreamingHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = 60 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// DownloadHTTPClient returns a client with an overall timeout, for bounded
// downloads such as callback media.
func DownloadHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := StreamingHTTPClient(timeout)
	c.Timeout = timeout
	return c
}
