package registry

import (
	"net/http"
	"time"
)

// Defaults for a Client talking to Docker Hub's registry, grounded on the same constants
// tinyrange-cc's internal/oci client and the gitsome-ng registry client hardcode.
const (
	DefaultBaseURL         = "https://registry-1.docker.io"
	DefaultAuthURL         = "https://auth.docker.io/token"
	DefaultAuthService     = "registry.docker.io"
	DefaultChunkSize       = 64 * 1024
	DefaultManifestTimeout = 90 * time.Second
	DefaultChunkTimeout    = 30 * time.Second
)

// Option configures a Client, following the teacher's ImageOption/functional-options pattern.
type Option func(*Options)

// Options holds every knob a Client or the Auth/RangeReader it constructs needs.
type Options struct {
	BaseURL     string
	AuthURL     string
	AuthService string
	HTTPClient  *http.Client
	ChunkSize   int64
	Username    string
	Password    string
}

// WithBaseURL points the client at a registry other than Docker Hub.
func WithBaseURL(u string) Option {
	return func(o *Options) {
		o.BaseURL = u
	}
}

// WithAuthEndpoint overrides the token-issuing endpoint and service name, for registries that
// don't use auth.docker.io (spec §4.4 generalizes "the auth service" beyond Docker Hub).
func WithAuthEndpoint(authURL, service string) Option {
	return func(o *Options) {
		o.AuthURL = authURL
		o.AuthService = service
	}
}

// WithHTTPClient lets a caller supply a pre-configured transport (timeouts, proxying, TLS).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

// WithChunkSize sets the Range Blob Reader's chunk size (spec §4.3 default 64 KiB).
func WithChunkSize(n int64) Option {
	return func(o *Options) {
		o.ChunkSize = n
	}
}

// WithBasicAuth presents HTTP Basic credentials when requesting a pull token (spec §4.4).
func WithBasicAuth(username, password string) Option {
	return func(o *Options) {
		o.Username = username
		o.Password = password
	}
}

func newOptions(opts ...Option) Options {
	o := Options{
		BaseURL:     DefaultBaseURL,
		AuthURL:     DefaultAuthURL,
		AuthService: DefaultAuthService,
		ChunkSize:   DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultManifestTimeout}
	}
	return o
}
