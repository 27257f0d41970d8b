package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-containerregistry/pkg/v1/types"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/layerforensics/layerpeek"
)

// Client resolves manifests and fetches blobs for a single (namespace, repo) (spec §4.5
// Manifest Resolver). It owns one Auth, scoped to that repository.
type Client struct {
	opts      Options
	auth      *Auth
	namespace string
	repo      string
}

// NewClient constructs a Client for one repository.
func NewClient(namespace, repo string, opts ...Option) *Client {
	o := newOptions(opts...)
	return &Client{
		opts:      o,
		auth:      NewAuth(namespace, repo, o),
		namespace: namespace,
		repo:      repo,
	}
}

// Auth exposes the Client's Registry Auth so a RangeReader for one of this repository's blobs
// shares the Client's token and 401-retry state instead of authenticating separately.
func (c *Client) Auth() *Auth { return c.auth }

// ChunkSize returns the configured Range Blob Reader chunk size.
func (c *Client) ChunkSize() int64 { return c.opts.ChunkSize }

func (c *Client) manifestURL(ref string) string {
	return fmt.Sprintf("%s/v2/%s/%s/manifests/%s", c.opts.BaseURL, c.namespace, c.repo, ref)
}

// BlobURL builds the blob endpoint for a digest (config blob or layer blob).
func (c *Client) BlobURL(d digest.Digest) string {
	return fmt.Sprintf("%s/v2/%s/%s/blobs/%s", c.opts.BaseURL, c.namespace, c.repo, d)
}

// Resolve implements spec §4.5: GET the manifest for tag; if it is a manifest index, select a
// child per the arch rule and GET that; then fetch and decode the config blob. Returns the
// single-platform manifest and its decoded config.
func (c *Client) Resolve(tag string, platform layerpeek.Platform) (layerpeek.PlatformManifest, layerpeek.ImageConfig, error) {
	body, contentType, err := c.getManifest(tag)
	if err != nil {
		return layerpeek.PlatformManifest{}, layerpeek.ImageConfig{}, err
	}

	if isIndexMediaType(contentType, body) {
		idx, err := decodeManifestIndex(body)
		if err != nil {
			return layerpeek.PlatformManifest{}, layerpeek.ImageConfig{}, err
		}
		entry, err := idx.SelectPlatform(platform.Architecture)
		if err != nil {
			return layerpeek.PlatformManifest{}, layerpeek.ImageConfig{}, err
		}
		body, _, err = c.getManifest(entry.Digest.String())
		if err != nil {
			return layerpeek.PlatformManifest{}, layerpeek.ImageConfig{}, err
		}
	}

	pm, err := decodePlatformManifest(body)
	if err != nil {
		return layerpeek.PlatformManifest{}, layerpeek.ImageConfig{}, err
	}

	cfg, err := c.getConfig(pm.Config.Digest)
	if err != nil {
		return layerpeek.PlatformManifest{}, layerpeek.ImageConfig{}, err
	}

	return pm, cfg, nil
}

// isIndexMediaType decides whether a fetched manifest body is a multi-architecture index, first
// by classifying the response Content-Type via go-containerregistry's media-type constants, and
// falling back to sniffing for a top-level "manifests" key (registries are not always strict
// about Content-Type, per the gitsome-ng registry client's comment on this same ambiguity).
func isIndexMediaType(contentType string, body []byte) bool {
	switch types.MediaType(contentType) {
	case types.DockerManifestList, types.OCIImageIndex:
		return true
	}
	var sniff struct {
		Manifests []json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(body, &sniff); err != nil {
		return false
	}
	return len(sniff.Manifests) > 0
}

func (c *Client) getManifest(ref string) ([]byte, string, error) {
	req, err := http.NewRequest(http.MethodGet, c.manifestURL(ref), nil)
	if err != nil {
		return nil, "", errors.Wrap(layerpeek.ErrRegistryError, err.Error())
	}

	resp, err := c.auth.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", &layerpeek.RegistryError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Wrap(layerpeek.ErrRegistryError, err.Error())
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) getConfig(d digest.Digest) (layerpeek.ImageConfig, error) {
	req, err := http.NewRequest(http.MethodGet, c.BlobURL(d), nil)
	if err != nil {
		return layerpeek.ImageConfig{}, errors.Wrap(layerpeek.ErrRegistryError, err.Error())
	}

	resp, err := c.auth.Do(req)
	if err != nil {
		return layerpeek.ImageConfig{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return layerpeek.ImageConfig{}, &layerpeek.RegistryError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var cfg layerpeek.ImageConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return layerpeek.ImageConfig{}, errors.Wrap(layerpeek.ErrMalformedManifest, err.Error())
	}
	return cfg, nil
}

func decodeManifestIndex(body []byte) (layerpeek.ManifestIndex, error) {
	var raw struct {
		Manifests []struct {
			Digest   digest.Digest `json:"digest"`
			Platform struct {
				Architecture string `json:"architecture"`
				OS           string `json:"os"`
				Variant      string `json:"variant"`
			} `json:"platform"`
		} `json:"manifests"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return layerpeek.ManifestIndex{}, errors.Wrap(layerpeek.ErrMalformedManifest, err.Error())
	}

	var idx layerpeek.ManifestIndex
	for _, m := range raw.Manifests {
		idx.Manifests = append(idx.Manifests, layerpeek.ManifestIndexEntry{
			Digest: m.Digest,
			Platform: layerpeek.Platform{
				OS:           m.Platform.OS,
				Architecture: m.Platform.Architecture,
				Variant:      m.Platform.Variant,
			},
		})
	}
	return idx, nil
}

func decodePlatformManifest(body []byte) (layerpeek.PlatformManifest, error) {
	var raw struct {
		MediaType string `json:"mediaType"`
		Config    struct {
			MediaType string        `json:"mediaType"`
			Digest    digest.Digest `json:"digest"`
			Size      int64         `json:"size"`
		} `json:"config"`
		Layers []struct {
			MediaType string        `json:"mediaType"`
			Digest    digest.Digest `json:"digest"`
			Size      int64         `json:"size"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return layerpeek.PlatformManifest{}, errors.Wrap(layerpeek.ErrMalformedManifest, err.Error())
	}
	if raw.Config.Digest == "" {
		return layerpeek.PlatformManifest{}, errors.Wrap(layerpeek.ErrMalformedManifest, "manifest missing config digest")
	}

	pm := layerpeek.PlatformManifest{
		MediaType: raw.MediaType,
		Config: layerpeek.BlobDescriptor{
			Digest:    raw.Config.Digest,
			Size:      raw.Config.Size,
			MediaType: raw.Config.MediaType,
		},
	}
	for _, l := range raw.Layers {
		pm.Layers = append(pm.Layers, layerpeek.BlobDescriptor{
			Digest:    l.Digest,
			Size:      l.Size,
			MediaType: l.MediaType,
		})
	}
	return pm, nil
}
