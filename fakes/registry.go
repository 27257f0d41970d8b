// Package fakes provides in-memory registry doubles for higher-level tests, grounded on the
// teacher's testhelpers/mock_registry.go (a path-routed httptest.Server standing in for a real
// registry) extended to serve Range-capable blobs and a token endpoint end to end.
package fakes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/layerforensics/layerpeek/registry"
)

// Registry is a path-routed httptest-backed double of a Docker Registry V2 endpoint plus its
// token auth endpoint, serving whatever manifests/indices/blobs a test installs via SetManifest
// and SetBlob.
type Registry struct {
	Namespace string
	Repo      string

	mu            sync.Mutex
	manifests     map[string]taggedManifest
	blobs         map[string][]byte
	tokenRequests int

	server     *httptest.Server
	authServer *httptest.Server
}

type taggedManifest struct {
	body        []byte
	contentType string
}

// NewRegistry starts a fake registry (and its paired auth endpoint) for one (namespace, repo).
func NewRegistry(namespace, repo string) *Registry {
	r := &Registry{
		Namespace: namespace,
		Repo:      repo,
		manifests: map[string]taggedManifest{},
		blobs:     map[string][]byte{},
	}
	r.authServer = httptest.NewServer(http.HandlerFunc(r.handleAuth))
	r.server = httptest.NewServer(http.HandlerFunc(r.handleRegistry))
	return r
}

// Close tears down both httptest servers.
func (r *Registry) Close() {
	r.server.Close()
	r.authServer.Close()
}

// BaseURL is the registry endpoint's base, suitable for registry.Options.BaseURL.
func (r *Registry) BaseURL() string { return r.server.URL }

// AuthURL is the token endpoint's URL, suitable for registry.Options.AuthURL.
func (r *Registry) AuthURL() string { return r.authServer.URL }

// TokenRequests reports how many times the auth endpoint was hit, for asserting token caching.
func (r *Registry) TokenRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokenRequests
}

// ClientOptions returns the registry.Option funcs needed to point a registry.Client (or
// orchestrate.Orchestrator) at this fake instead of a real registry.
func (r *Registry) ClientOptions() []registry.Option {
	return []registry.Option{
		registry.WithBaseURL(r.server.URL),
		registry.WithAuthEndpoint(r.authServer.URL, "registry.docker.io"),
		registry.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
	}
}

// SetManifest installs the body served for manifests/{ref}. ref may be a tag or a digest; the
// body is served only under the ref it was installed with.
func (r *Registry) SetManifest(ref string, body []byte, contentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[ref] = taggedManifest{body: body, contentType: contentType}
}

// SetBlob installs the raw bytes served for blobs/{digest} (config JSON or a layer's
// gzip+tar bytes).
func (r *Registry) SetBlob(digest string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[digest] = content
}

func (r *Registry) handleAuth(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.tokenRequests++
	r.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"token": "fake-token"})
}

func (r *Registry) handleRegistry(w http.ResponseWriter, req *http.Request) {
	manifestPrefix := fmt.Sprintf("/v2/%s/%s/manifests/", r.Namespace, r.Repo)
	blobPrefix := fmt.Sprintf("/v2/%s/%s/blobs/", r.Namespace, r.Repo)

	switch {
	case len(req.URL.Path) > len(manifestPrefix) && req.URL.Path[:len(manifestPrefix)] == manifestPrefix:
		ref := req.URL.Path[len(manifestPrefix):]
		r.mu.Lock()
		m, ok := r.manifests[ref]
		r.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if m.contentType != "" {
			w.Header().Set("Content-Type", m.contentType)
		}
		_, _ = w.Write(m.body)

	case len(req.URL.Path) > len(blobPrefix) && req.URL.Path[:len(blobPrefix)] == blobPrefix:
		digest := req.URL.Path[len(blobPrefix):]
		r.mu.Lock()
		content, ok := r.blobs[digest]
		r.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.ServeContent(w, req, digest, time.Time{}, bytes.NewReader(content))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
