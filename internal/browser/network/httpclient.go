// internal/browser/network/httpclient.go
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/pagewalker/internal/config"
)

// Timeouts and pool sizes for one scripted browser, not a crawler.
const (
	DefaultRequestTimeout = 60 * time.Second

	dialTimeout           = 15 * time.Second
	keepAlive             = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConns          = 32
	maxIdleConnsPerHost   = 6
	tlsSessionCacheSize   = 64
)

// MinTLSVersion is applied unless the caller's TLS config asks for another.
const MinTLSVersion = tls.VersionTLS12

// ClientOptions configures the embedded browser's HTTP client. The zero
// value is usable.
type ClientOptions struct {
	Timeout         time.Duration
	IgnoreTLSErrors bool
	// TLS is cloned, never modified.
	TLS    *tls.Config
	Proxy  *url.URL
	Jar    http.CookieJar
	Logger *zap.Logger
}

// OptionsFromConfig maps the network section of the configuration.
func OptionsFromConfig(n config.NetworkConfig, logger *zap.Logger) (ClientOptions, error) {
	opts := ClientOptions{
		Timeout:         n.Timeout,
		IgnoreTLSErrors: n.IgnoreTLSErrors,
		Logger:          logger,
	}
	if n.Proxy.Enabled {
		proxy, err := url.Parse(n.Proxy.Address)
		if err != nil {
			return ClientOptions{}, fmt.Errorf("invalid proxy address %q: %w", n.Proxy.Address, err)
		}
		opts.Proxy = proxy
	}
	return opts, nil
}

// NewClient returns the client used for navigation, sub-resources and XHR.
// It keeps cookies per public suffix, decodes compressed bodies itself and
// never follows redirects, so the caller sees every hop.
func NewClient(opts ClientOptions) *http.Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.Jar == nil {
		// cookiejar.New only fails on invalid options.
		opts.Jar, _ = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	}
	return &http.Client{
		Transport: NewCompressionMiddleware(newTransport(opts)),
		Timeout:   opts.Timeout,
		Jar:       opts.Jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newTransport(opts ClientOptions) *http.Transport {
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfigFor(opts),
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		// Decoding happens in CompressionMiddleware.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}
	if opts.Proxy != nil {
		t.Proxy = http.ProxyURL(opts.Proxy)
	}
	return t
}

func tlsConfigFor(opts ClientOptions) *tls.Config {
	cfg := &tls.Config{}
	if opts.TLS != nil {
		cfg = opts.TLS.Clone()
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(tlsSessionCacheSize)
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	}
	switch {
	case cfg.MinVersion == 0:
		cfg.MinVersion = MinTLSVersion
	case cfg.MinVersion < MinTLSVersion:
		opts.Logger.Warn("TLS minimum version is below TLS 1.2.", zap.Uint16("min_version", cfg.MinVersion))
	}
	if opts.IgnoreTLSErrors {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}
