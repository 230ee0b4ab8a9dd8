package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sanitizeJoin joins name onto base, rejecting any path that would escape
// base — the package root a handler's fs/sendFile access is confined to.
func sanitizeJoin(base, name string) (string, error) {
	clean := filepath.Clean("/" + name)
	target := filepath.Join(base, clean)
	cleanBase := filepath.Clean(base)
	if target != cleanBase && !strings.HasPrefix(target, cleanBase+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes package root: %s", name)
	}
	return target, nil
}
