package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/layerforensics/layerpeek"
)

// authState models the {NoToken -> HaveToken -> Invalidated} machine in spec §4.4. A 401 moves
// HaveToken back to NoToken; Invalidate moves any state to Invalidated, from which the next
// request fetches a fresh token.
type authState int

const (
	stateNoToken authState = iota
	stateHaveToken
	stateInvalidated
)

// manifestAccept is sent on every request; registries ignore it for blob fetches.
const manifestAccept = "application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.oci.image.index.v1+json"

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// Auth is a per-repository credential holder (spec §4.4 Registry Auth). One Auth is owned by a
// single logical operation; callers must Invalidate() at the end of it so a repo-scoped token is
// never reused against a different repository.
type Auth struct {
	mu    sync.Mutex
	state authState
	token string

	namespace string
	repo      string
	opts      Options
}

// NewAuth constructs an Auth for one (namespace, repo) pair.
func NewAuth(namespace, repo string, opts Options) *Auth {
	return &Auth{namespace: namespace, repo: repo, opts: opts}
}

// ensureToken obtains a pull-scoped token if one isn't already held (spec §4.4 ensure_token).
func (a *Auth) ensureToken() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == stateHaveToken {
		return nil
	}

	scope := fmt.Sprintf("repository:%s/%s:pull", a.namespace, a.repo)
	url := fmt.Sprintf("%s?service=%s&scope=%s", a.opts.AuthURL, a.opts.AuthService, scope)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(layerpeek.ErrAuthError, err.Error())
	}
	if a.opts.Username != "" {
		req.SetBasicAuth(a.opts.Username, a.opts.Password)
	}

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(layerpeek.ErrAuthError, "fetch token: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(layerpeek.ErrAuthError, "token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return errors.Wrapf(layerpeek.ErrAuthError, "decode token response: %s", err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return errors.Wrap(layerpeek.ErrAuthError, "token response missing token field")
	}

	a.token = token
	a.state = stateHaveToken
	return nil
}

// Do sends req with the current bearer token attached, refreshing and retrying exactly once on
// a 401 (spec §4.4 request()). No credentials are ever included in a returned error.
func (a *Auth) Do(req *http.Request) (*http.Response, error) {
	if err := a.ensureToken(); err != nil {
		return nil, err
	}

	a.attach(req)
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(layerpeek.ErrRegistryError, err.Error())
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	a.mu.Lock()
	a.state = stateNoToken
	a.token = ""
	a.mu.Unlock()

	if err := a.ensureToken(); err != nil {
		return nil, err
	}

	retry, err := http.NewRequest(req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, errors.Wrap(layerpeek.ErrRegistryError, err.Error())
	}
	retry.Header = req.Header.Clone()
	a.attach(retry)

	resp, err = a.opts.HTTPClient.Do(retry)
	if err != nil {
		return nil, errors.Wrap(layerpeek.ErrRegistryError, err.Error())
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, layerpeek.ErrUnauthorized
	}
	return resp, nil
}

func (a *Auth) attach(req *http.Request) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	req.Header.Set("Authorization", "Bearer "+token)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", manifestAccept)
	}
}

// Invalidate drops the cached token and moves the state machine to Invalidated; a later request
// fetches a fresh token. Call at the end of a logical operation (spec §4.4 invalidate()).
func (a *Auth) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
	a.state = stateInvalidated
}
