package layerpeek

import "fmt"

// Error kinds per spec §7. Every operation returns one of these (or wraps one via
// github.com/pkg/errors) so callers can compare with errors.Is/errors.As.
var (
	ErrInvalidReference  = fmt.Errorf("invalid image reference")
	ErrAuthError         = fmt.Errorf("registry authentication failed")
	ErrUnauthorized      = fmt.Errorf("unauthorized")
	ErrPlatformNotFound  = fmt.Errorf("no matching platform in manifest index")
	ErrMalformedManifest = fmt.Errorf("malformed manifest")
	ErrNotGzip           = fmt.Errorf("layer is not gzip-compressed")
	ErrDecompressError   = fmt.Errorf("gzip decompression error")
	ErrTruncatedStream   = fmt.Errorf("layer stream truncated")
	ErrNotFound          = fmt.Errorf("not found")
	ErrCacheError        = fmt.Errorf("catalog error")
	ErrOverwriteSkipped  = fmt.Errorf("overwrite skipped: entry already cataloged")
)

// RegistryError preserves the HTTP status code and body of a failed registry request
// (spec §7: RegistryError(status, body)).
type RegistryError struct {
	StatusCode int
	Body       string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry request failed with status %d: %s", e.StatusCode, e.Body)
}

// Unwrap allows errors.Is(err, ErrRegistryError) to succeed for any *RegistryError.
func (e *RegistryError) Unwrap() error {
	return ErrRegistryError
}

// ErrRegistryError is the sentinel that every *RegistryError unwraps to.
var ErrRegistryError = fmt.Errorf("registry error")

// NotFoundError carries the path that could not be located (spec §7: NotFound(path)).
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
