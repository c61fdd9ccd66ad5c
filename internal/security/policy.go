package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// checkScope restricts a granted permission to the role's resources.
// Empty allow lists mean no restriction. Returns the denial reason or "".
func checkScope(role Role, res Resource) string {
	if res.FilePath != "" && len(role.Paths) > 0 && !matchAnyPath(role.Paths, res.FilePath) {
		return fmt.Sprintf("Path %s is outside the paths allowed for role %s", res.FilePath, role.Name)
	}
	if res.APIName != "" && !checkAllowList(strings.ToLower(res.APIName), toLower(role.APIAccess)) {
		return fmt.Sprintf("API %s is not allowed for role %s", res.APIName, role.Name)
	}
	return ""
}

// checkAllowList reports whether value is permitted by an exact-match allow list.
func checkAllowList(value string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == Wildcard || a == value {
			return true
		}
	}
	return false
}

func matchAnyPath(patterns []string, path string) bool {
	path = filepath.ToSlash(filepath.Clean(path))
	for _, p := range patterns {
		if matchPath(p, path) {
			return true
		}
	}
	return false
}

// matchPath supports "*" and "**" (anything), "dir/**" (dir and everything
// below it), trailing-slash prefixes, and filepath.Match globs.
func matchPath(pattern, path string) bool {
	switch {
	case pattern == Wildcard || pattern == "**":
		return true
	case strings.HasSuffix(pattern, "/**"):
		dir := filepath.ToSlash(filepath.Clean(strings.TrimSuffix(pattern, "/**")))
		return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/")
	case strings.HasSuffix(pattern, "/"):
		return strings.HasPrefix(path, pattern)
	}
	ok, err := filepath.Match(filepath.ToSlash(pattern), path)
	return err == nil && ok
}

func toLower(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}
