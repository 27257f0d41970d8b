package layerpeek

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// fieldPattern matches a single namespace/repo/tag component per spec §3:
// "[A-Za-z0-9][A-Za-z0-9._-]*".
var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Reference is the (namespace, repo, tag) triple spec §3 describes. Tag defaults to
// "latest"; namespace defaults to "library" when the repo part carries no "/".
type Reference struct {
	Namespace string
	Repo      string
	Tag       string
}

// String renders the reference the way it would be written on a command line.
func (r Reference) String() string {
	return r.Namespace + "/" + r.Repo + ":" + r.Tag
}

// ParseReference splits a "namespace/repo:tag" (or "repo", or "repo:tag") string into a
// Reference, applying the library/ and latest defaults, then validates every field against
// the spec's character-class rule.
func ParseReference(ref string) (Reference, error) {
	namespace, repo, tag := splitReference(ref)

	r := Reference{Namespace: namespace, Repo: repo, Tag: tag}
	if err := r.Validate(); err != nil {
		return Reference{}, err
	}
	return r, nil
}

func splitReference(ref string) (namespace, repo, tag string) {
	tag = "latest"

	if idx := strings.LastIndex(ref, ":"); idx != -1 {
		afterColon := ref[idx+1:]
		if !strings.Contains(afterColon, "/") && afterColon != "" {
			tag = afterColon
			ref = ref[:idx]
		}
	}

	if strings.Contains(ref, "/") {
		parts := strings.SplitN(ref, "/", 2)
		namespace, repo = parts[0], parts[1]
	} else {
		namespace = "library"
		repo = ref
	}

	return namespace, repo, tag
}

// Validate checks each field against spec §3's character class.
func (r Reference) Validate() error {
	for name, value := range map[string]string{"namespace": r.Namespace, "repo": r.Repo, "tag": r.Tag} {
		if !fieldPattern.MatchString(value) {
			return errors.Wrapf(ErrInvalidReference, "%s %q does not match [A-Za-z0-9][A-Za-z0-9._-]*", name, value)
		}
	}
	return nil
}
