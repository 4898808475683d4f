package main

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// newUpstreamTransport builds the shared HTTP/2-capable transport used for
// every call to the Qwen OAuth/DashScope endpoints. Response-header timeout
// is left disabled since both chat and search apply their own per-request
// context deadlines (60s / 30s).
func newUpstreamTransport() *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
	}
	_ = http2.ConfigureTransport(t)
	return t
}

// configureHTTP2Server tunes the server's HTTP/2 settings for long-lived SSE
// streams.
func configureHTTP2Server(srv *http.Server) error {
	h2 := &http2.Server{
		MaxConcurrentStreams:         250,
		IdleTimeout:                  5 * time.Minute,
		MaxUploadBufferPerConnection: 1 << 20,
		MaxUploadBufferPerStream:     1 << 20,
		MaxReadFrameSize:             1 << 20,
	}
	return http2.ConfigureServer(srv, h2)
}
