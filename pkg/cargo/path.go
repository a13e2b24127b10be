package cargo

import (
	"path"
	"strings"

	"github.com/bayhq/bay/pkg/bayerr"
)

// ValidatePath checks a caller-supplied workspace path. Paths are relative
// to the workspace root; absolute paths and any path with a ".." component
// are rejected before anything touches the fabric. Returns the cleaned
// path.
func ValidatePath(p string) (string, error) {
	if p == "" {
		return "", bayerr.E(bayerr.KindInvalidPath, "path is empty")
	}
	if strings.HasPrefix(p, "/") {
		return "", bayerr.E(bayerr.KindInvalidPath, "path must be relative: %s", p).WithDetail("path", p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", bayerr.E(bayerr.KindInvalidPath, "path escapes workspace: %s", p).WithDetail("path", p)
		}
	}
	cleaned := path.Clean(p)
	// Clean can still fold a prefix like "a/../.." into "..".
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", bayerr.E(bayerr.KindInvalidPath, "path escapes workspace: %s", p).WithDetail("path", p)
	}
	return cleaned, nil
}
