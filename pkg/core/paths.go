package core

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// storeDirName is the dot-directory holding database files for both
// scopes.
const storeDirName = ".lorekeep"

// currentUsername resolves the OS user embedded in database filenames.
// Falls back to $USER, then "default", so path resolution never fails
// outright in stripped-down environments.
func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return sanitizeUsername(u.Username)
	}
	if name := os.Getenv("USER"); name != "" {
		return sanitizeUsername(name)
	}
	return "default"
}

// sanitizeUsername strips path separators and domain prefixes so the
// name is safe inside a filename.
func sanitizeUsername(name string) string {
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '.':
			return '_'
		}
		return r
	}, name)
}

// ResolvePath returns the database file path for a scope. Global scope
// lives under the user's home directory; project scope under
// projectRoot. The containing directory is created if missing.
func ResolvePath(scope Scope, projectRoot string) (string, error) {
	username := currentUsername()

	var base string
	switch scope {
	case ScopeGlobal:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		base = home
	case ScopeProject:
		if projectRoot == "" {
			return "", fmt.Errorf("%w: project scope requires a project root", ErrInvalidConfig)
		}
		base = projectRoot
	default:
		return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidConfig, scope)
	}

	dir := filepath.Join(base, storeDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create store directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("knowledge_%s.db", username))
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	return abs, nil
}
