// File: internal/network/httpclient.go
package network

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/xkilldash9x/guardbot/internal/observability"
)

// Constants for default optimized TCP/HTTP settings.
const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultRequestTimeout        = 15 * time.Second

	// Connection pool sizes tuned for callback delivery: one or two upstream
	// hosts, low request rate, long-lived process.
	DefaultMaxIdleConns        = 32
	DefaultMaxIdleConnsPerHost = 8
	DefaultMaxConnsPerHost     = 16
	DefaultIdleConnTimeout     = 30 * time.Second
)

// requiredMinTLSVersion is enforced even when a caller supplies a weaker
// custom TLS configuration.
const requiredMinTLSVersion = tls.VersionTLS12

// defaultSecureCipherSuites lists the strong, forward-secret suites this
// client negotiates when the caller does not pin its own.
var defaultSecureCipherSuites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// ClientConfig holds the configuration for the HTTP client and transport layers.
type ClientConfig struct {
	// Security settings
	IgnoreTLSErrors bool
	TLSConfig       *tls.Config // Allows advanced customization if needed

	// Timeout settings
	RequestTimeout        time.Duration // Overall client timeout
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	// Dialer configuration (TCP Layer)
	DialerConfig *DialerConfig

	// Connection pool settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Protocol settings
	ForceHTTP2         bool
	DisableKeepAlives  bool
	DisableCompression bool

	// FollowRedirects controls whether 3xx responses are chased. Callback
	// endpoints are expected to answer directly, but some receivers sit
	// behind path-normalizing proxies.
	FollowRedirects bool

	// Proxy settings
	ProxyURL *url.URL

	// Logger
	Logger *zap.Logger
}

// Client is a wrapper around the standard http.Client.
//
// By embedding the standard client, we inherit all its methods (like Do, Get, Post),
// allowing it to be used as a drop in replacement.
//
// This client is safe for concurrent use by multiple goroutines.
//
// The caller is responsible for closing the Response.Body after consuming it.
type Client struct {
	*http.Client
}

// NewDefaultClientConfig creates a configuration suited to webhook callback
// delivery and portal health probes.
func NewDefaultClientConfig() *ClientConfig {
	dialerCfg := NewDialerConfig()
	dialerCfg.Timeout = DefaultDialTimeout
	dialerCfg.KeepAlive = DefaultKeepAliveInterval
	// TCP_NODELAY: callbacks are single small JSON bodies, flush immediately.
	dialerCfg.ForceNoDelay = true

	return &ClientConfig{
		DialerConfig:          dialerCfg,
		IgnoreTLSErrors:       false,
		RequestTimeout:        DefaultRequestTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       DefaultMaxConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ForceHTTP2:            true,
		DisableKeepAlives:     false,
		DisableCompression:    false,
		FollowRedirects:       true,
		Logger:                observability.GetLogger().Named("httpclient"),
	}
}

// NewHTTPTransport creates and configures an http.Transport based on the provided configuration.
func NewHTTPTransport(config *ClientConfig) *http.Transport {
	if config == nil {
		config = NewDefaultClientConfig()
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	if config.DialerConfig == nil {
		config.DialerConfig = NewDefaultClientConfig().DialerConfig
	}

	tlsConfig := configureTLS(config)

	// Copy the DialerConfig for the transport so the original is not mutated.
	// TLS is handled by the http.Transport itself, not the TCP dialer.
	transportDialerConfig := *config.DialerConfig
	transportDialerConfig.TLSConfig = nil

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return DialTCPContext(ctx, network, addr, &transportDialerConfig)
		},
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		DisableKeepAlives:     config.DisableKeepAlives,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		DisableCompression:    config.DisableCompression,
		ForceAttemptHTTP2:     config.ForceHTTP2,
	}

	if config.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(config.ProxyURL)
	}

	if config.ForceHTTP2 {
		// http2.ConfigureTransport modifies the transport in place to add HTTP/2 support.
		if err := http2.ConfigureTransport(transport); err != nil {
			config.Logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else {
		// Ensure HTTP/1.1 is explicitly set for ALPN negotiation if HTTP/2 is disabled.
		if tlsConfig != nil && len(tlsConfig.NextProtos) == 0 {
			tlsConfig.NextProtos = []string{"http/1.1"}
		}
	}

	return transport
}

// NewClient creates the client wrapper using the configured transport. Unless
// compression is disabled, the transport is wrapped with the decompression
// middleware so brotli-encoded callback responses read as plain text.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = NewDefaultClientConfig()
	}

	var roundTripper http.RoundTripper = NewHTTPTransport(config)
	if !config.DisableCompression {
		roundTripper = NewCompressionMiddleware(roundTripper)
	}

	standardClient := &http.Client{
		Transport: roundTripper,
		Timeout:   config.RequestTimeout,
	}
	if !config.FollowRedirects {
		standardClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &Client{
		Client: standardClient,
	}
}

// configureTLS merges strong defaults into whatever TLS configuration the
// caller provided, then applies the insecure override. Custom configs are
// cloned, never mutated, and weak minimum versions are raised.
func configureTLS(config *ClientConfig) *tls.Config {
	if config == nil {
		config = NewDefaultClientConfig()
	}

	var tlsConfig *tls.Config
	if config.TLSConfig != nil {
		tlsConfig = config.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}

	if tlsConfig.MinVersion < requiredMinTLSVersion {
		tlsConfig.MinVersion = requiredMinTLSVersion
	}
	if len(tlsConfig.CipherSuites) == 0 {
		tlsConfig.CipherSuites = append([]uint16(nil), defaultSecureCipherSuites...)
	}
	if tlsConfig.ClientSessionCache == nil {
		// Session resumption saves a round trip on every callback after the first.
		tlsConfig.ClientSessionCache = tls.NewLRUClientSessionCache(512)
	}

	// Applies to self signed receivers in test environments.
	tlsConfig.InsecureSkipVerify = config.IgnoreTLSErrors

	return tlsConfig
}
